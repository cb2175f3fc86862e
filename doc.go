// Package ftworker implements the finetune.build worker: a long-running
// process that registers with the remote control plane, receives units of
// work over a persistent WebSocket channel or a distributed task queue,
// executes them through a bounded worker pool, and streams status back.
//
// The worker is composed of independent subsystems, each in its own
// package, wired together by the engine package:
//
//   - job: the Job model, per-kind handler registry, and the Store
//     persistence contract.
//   - store: Store implementations (memory, sqlite, postgres).
//   - queue: the at-least-once task queue adapter (Redis Streams or
//     in-process).
//   - realtime: the bidirectional control-plane channel with sequence
//     numbers, acknowledgements, and replay on reconnect.
//   - watcher: the debounced workspace filesystem watcher.
//   - worker: the orchestrator — job lifecycle, dedup, retries,
//     cancellation, crash recovery.
//   - api: the control-plane HTTP client for task sync and artifacts.
//
// The root package holds configuration and shared sentinel errors.
package ftworker
