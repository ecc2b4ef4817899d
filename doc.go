// Package concur keeps concurrent edits to shared records from silently
// overwriting each other.
//
// Every entity carries a server-owned version. A client reads an entity,
// edits it, and writes it back together with the version it read. The write
// succeeds only when that version is still current, and the server then
// increments it. When another client saved first, the write is rejected with a
// version conflict and nothing is stored.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│  updater.Orchestrator                │  refetch, reapply edits, retry
//	│  (bounded retries, backoff, progress)│  with exponential backoff
//	└──────────────────────────────────────┘
//	           ↓ VersionedResource
//	┌──────────────────────────────────────┐
//	│  resource/httpresource  (REST + ws)  │
//	│  resource/kvresource    (NATS KV)    │  transports
//	│  resource/localresource (in process) │
//	└──────────────────────────────────────┘
//	           ↓
//	┌──────────────────────────────────────┐
//	│  service.Server                      │  REST routes, watch streams,
//	│  entitystore.Store                   │  schema validation, CAS writes
//	│  memory or JetStream KV backend      │
//	└──────────────────────────────────────┘
//
// Failures are sorted by conflict.Classifier into version conflict, not found,
// validation error, or unknown. Only a version conflict is retried; the
// classifier recognises HTTP status, error codes, exception type names and
// conflict phrases in English and Portuguese, so servers other than concur's
// own can be driven as well.
//
// # Packages
//
//   - config: layered JSON/YAML configuration with environment overrides
//   - conflict: outcome classification rules
//   - entitystore: versioned store over a compare-and-swap backend
//   - errors: classified errors (transient, invalid, fatal) and sentinels
//   - health: component health and aggregated status
//   - metric: Prometheus registry and core metrics
//   - natsclient: NATS connection with circuit breaker, KV buckets
//   - pkg/retry: backoff policy and retry loop
//   - pkg/tlsutil: TLS for the listener, HTTP client and NATS
//   - pkg/worker: generic worker pool
//   - resource: entity model, status errors, transports
//   - service: REST and websocket server
//   - updater: the retrying update orchestrator and batch runner
//
// # Running
//
//	concur --config configs/concur.yaml
//	concurctl update companies 42 --set name='"Acme Corp"'
package concur
