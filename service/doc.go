// Package service serves the entity stores over REST and websockets.
//
// Every resource in the entitystore.Registry gets the same routes. Updates are
// optimistic: the PUT body carries the version the client last read, and the
// server answers 409 with code VERSION_CONFLICT when another write got there
// first. Clients are expected to refetch and retry; see package updater.
//
// Error bodies share one shape:
//
//	{"error": "version conflict: companies/42", "code": "VERSION_CONFLICT"}
//
// Status mapping:
//
//	400  malformed body, missing version, id mismatch
//	404  unknown resource or entity
//	409  stale version
//	422  schema validation failed, duplicate id on create
//	503  storage unreachable (code UNAVAILABLE)
//	500  any other failure, details only in the server log
//
// The watch route upgrades to a websocket, sends a "snapshot" event with the
// current entity, then "updated" and "deleted" events as they happen. The
// stream is closed after a delete, and with CloseGoingAway on shutdown.
package service
