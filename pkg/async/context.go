package async

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

// TaskContext holds context values that should be propagated to async tasks
type TaskContext struct {
	JobID     string
	StartTime time.Time
	TaskName  string
}

// CaptureContext captures the current context values for async propagation
func CaptureContext(ctx context.Context, taskName string) TaskContext {
	return TaskContext{
		JobID:     logger.JobIDFromContext(ctx),
		StartTime: time.Now(),
		TaskName:  taskName,
	}
}

// NewContext creates a new context with the captured values. The returned
// context is detached from the parent's cancellation on purpose: auction
// timers and publish retries must outlive the request that spawned them.
func (tc TaskContext) NewContext() context.Context {
	ctx := context.Background()
	if tc.JobID != "" {
		ctx = logger.ContextWithJobID(ctx, tc.JobID)
	}
	return ctx
}

// NewContextWithTimeout creates a new context with timeout and captured values
func (tc TaskContext) NewContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tc.NewContext(), timeout)
}

// Go runs a function in a goroutine with context propagation and panic recovery.
// This is the recommended way to start async tasks that need job ID tracking.
//
// Usage:
//
//	async.Go(ctx, "publish-allocation", func(ctx context.Context) {
//	    publisher.Publish(ctx, topic, payload)
//	})
func Go(ctx context.Context, taskName string, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		newCtx := tc.NewContext()
		fn(newCtx)

		logger.DebugContext(newCtx, "async task completed",
			zap.String("task", tc.TaskName),
			zap.Duration("duration", time.Since(tc.StartTime)),
		)
	}()
}

// GoWithTimeout runs a function in a goroutine with context propagation,
// timeout, and panic recovery
//
// Usage:
//
//	async.GoWithTimeout(ctx, "geocode-pickup", 5*time.Second, func(ctx context.Context) {
//	    geocoder.Resolve(ctx, address)
//	})
func GoWithTimeout(ctx context.Context, taskName string, timeout time.Duration, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		newCtx, cancel := tc.NewContextWithTimeout(timeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(newCtx)
		}()

		select {
		case <-done:
			logger.DebugContext(newCtx, "async task completed",
				zap.String("task", tc.TaskName),
				zap.Duration("duration", time.Since(tc.StartTime)),
			)
		case <-newCtx.Done():
			logger.WarnContext(newCtx, "async task timed out",
				zap.String("task", tc.TaskName),
				zap.Duration("timeout", timeout),
			)
		}
	}()
}

// GoWithCallback runs a function in a goroutine with a callback for completion
//
// Usage:
//
//	async.GoWithCallback(ctx, "persist-batch", func(ctx context.Context) error {
//	    return store.UpdateJobs(ctx, updates)
//	}, func(err error) {
//	    if err != nil {
//	        retryQueue <- updates
//	    }
//	})
func GoWithCallback(ctx context.Context, taskName string, fn func(ctx context.Context) error, callback func(error)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		newCtx := tc.NewContext()
		err := fn(newCtx)

		if callback != nil {
			callback(err)
		}

		if err != nil {
			logger.ErrorContext(newCtx, "async task failed",
				zap.String("task", tc.TaskName),
				zap.Duration("duration", time.Since(tc.StartTime)),
				zap.Error(err),
			)
		} else {
			logger.DebugContext(newCtx, "async task completed",
				zap.String("task", tc.TaskName),
				zap.Duration("duration", time.Since(tc.StartTime)),
			)
		}
	}()
}

// recoverWithLogging recovers from panics and logs them with context
func recoverWithLogging(tc TaskContext) {
	if r := recover(); r != nil {
		ctx := tc.NewContext()
		logger.ErrorContext(ctx, "async task panicked",
			zap.String("task", tc.TaskName),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}

// RunAll runs multiple functions concurrently and waits for all to complete.
// All functions share the same context propagation.
//
// Usage:
//
//	async.RunAll(ctx, "notify-losers",
//	    func(ctx context.Context) { publishResult(ctx, "drv-1") },
//	    func(ctx context.Context) { publishResult(ctx, "drv-2") },
//	)
func RunAll(ctx context.Context, taskName string, fns ...func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)
	newCtx := tc.NewContext()

	done := make(chan struct{}, len(fns))

	for i, fn := range fns {
		go func(idx int, f func(ctx context.Context)) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(newCtx, "async task panicked",
						zap.String("task", tc.TaskName),
						zap.Int("index", idx),
						zap.Any("panic", r),
					)
				}
				done <- struct{}{}
			}()
			f(newCtx)
		}(i, fn)
	}

	for range fns {
		<-done
	}

	logger.DebugContext(newCtx, "all async tasks completed",
		zap.String("task", tc.TaskName),
		zap.Int("count", len(fns)),
		zap.Duration("duration", time.Since(tc.StartTime)),
	)
}

// WithJobID adds or replaces the job ID in a context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return logger.ContextWithJobID(ctx, jobID)
}

// GetJobID extracts the job ID from context
func GetJobID(ctx context.Context) string {
	return logger.JobIDFromContext(ctx)
}
