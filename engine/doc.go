// Package engine wires all worker subsystems together: the state store,
// the task queue, the job registry, the middleware chain, the
// orchestrator, the filesystem watcher, the realtime channel, and the
// control-plane HTTP client.
//
// This package exists to break the import cycle: the root ftworker
// package defines Config and Entity (imported by job, store, etc.) and
// so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine
