package platform

import "context"

// Task is the service's cycle entry point. Runtimes invoke it on their own
// cadence; the task is overlap-safe and internally due-time guarded, so a
// runtime that double-fires or fires late causes no harm.
type Task func(ctx context.Context)

// Runtime is the keep-alive primitive that grants background execution.
// One implementation models a persistent foreground worker, the other an
// opportunistic scheduled task; the service is written once against this
// interface and never inspects which one it got.
//
// Start is idempotent: the OS may kill and relaunch the execution context
// arbitrarily, so a runtime must tolerate being started again from persisted
// state at any point.
type Runtime interface {
	Start(ctx context.Context, task Task) error
	Stop() error
	IsRunning() bool
}
