// Package job defines the Job model, the typed handler registry, and the
// Store persistence contract.
//
// A Job is owned exclusively by the orchestrator while active; the
// persisted snapshot in the Store is the source of truth across process
// restarts. Job kinds are registered as typed definitions whose payload
// is JSON-unmarshalled before the handler runs; unknown payloads are
// carried as opaque bytes for forward compatibility.
package job
