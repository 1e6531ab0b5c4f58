// Package worker runs the router's long-lived processes (queue
// consumer, retry scheduler, HTTP server) under one supervisor and
// tracks their health for the readiness probe.
package worker

import "context"

// Worker is a long-running background process. Run blocks until ctx is
// canceled or a fatal error occurs; context.Canceled counts as a
// graceful stop.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a closure into a Worker.
type Func struct {
	WorkerName string
	RunFunc    func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.WorkerName }
func (f Func) Run(ctx context.Context) error { return f.RunFunc(ctx) }
