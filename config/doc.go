// Package config loads and validates concur server and client configuration.
//
// Configuration is assembled in layers: built-in defaults from Default, then
// each file added with AddLayer (JSON or YAML, chosen by extension), then
// CONCUR_* environment overrides. Durations may be written as Go duration
// strings in either format.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//
// A minimal file declaring two resources stored in NATS KV:
//
//	storage:
//	  mode: kv
//	nats:
//	  urls: ["nats://nats:4222"]
//	resources:
//	  - name: companies
//	    schema: schemas/company.json
//	  - name: addresses
//	update:
//	  max_retries: 3
//	  policy:
//	    base_delay: 300ms
//	    multiplier: 1.5
//	    max_delay: 2s
//
// # Environment Overrides
//
//	CONCUR_NATS_URLS      comma separated server list
//	CONCUR_NATS_USERNAME  NATS user
//	CONCUR_NATS_PASSWORD  NATS password
//	CONCUR_NATS_TOKEN     NATS token
//	CONCUR_HTTP_PORT      listener port
//	CONCUR_STORAGE_MODE   memory or kv
//
// SafeConfig wraps a Config for concurrent readers; Get always returns a copy.
package config
