package ftworker

import "errors"

var (
	// Configuration errors are fatal at startup.
	ErrConfig = errors.New("ftworker: invalid configuration")

	// Store errors.
	ErrNoStore     = errors.New("ftworker: no store configured")
	ErrStoreClosed = errors.New("ftworker: store closed")

	// Storage failures are fatal: the store is the durability boundary
	// and the worker must not keep running without it.
	ErrStorage = errors.New("ftworker: storage failure")

	// Job errors.
	ErrJobNotFound      = errors.New("ftworker: job not found")
	ErrJobAlreadyExists = errors.New("ftworker: job already exists")
	ErrInvalidState     = errors.New("ftworker: invalid state transition")
	ErrUnknownKind      = errors.New("ftworker: no handler registered for job kind")

	// Realtime channel errors.
	ErrNotConnected  = errors.New("ftworker: channel not connected")
	ErrChannelClosed = errors.New("ftworker: channel closed")

	// Queue errors.
	ErrQueueClosed = errors.New("ftworker: queue closed")

	// Watcher errors.
	ErrWatcherClosed = errors.New("ftworker: watcher closed")
)
