// Package engine is the execution engine that forces collective ops to complete synchronously.
//
// An Op is a deferred computation; Session.Run executes it on the calling goroutine and returns
// its materialized value, blocking until every collective inside it completed or failed.
package engine

import (
	"context"
	"time"

	"github.com/Ian2x/gradsync/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Op is a deferred computation producing a T.
type Op[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// NewOp creates a named Op.
func NewOp[T any](name string, fn func(ctx context.Context) (T, error)) Op[T] {
	return Op[T]{Name: name, Fn: fn}
}

// Session runs ops. The zero value is ready to use.
type Session struct {
	// Metrics, if not nil, records the duration of every op.
	Metrics *metrics.Metrics
}

// Run executes op and returns its value. Errors are returned as is, with the op name attached.
func Run[T any](ctx context.Context, s *Session, op Op[T]) (T, error) {
	if op.Fn == nil {
		var zero T
		return zero, errors.Errorf("op %q has nothing to run", op.Name)
	}
	klog.V(1).Infof("running op %q", op.Name)
	start := time.Now()
	value, err := op.Fn(ctx)
	elapsed := time.Since(start)
	if s != nil {
		s.Metrics.ObserveOp(op.Name, elapsed.Seconds())
	}
	if err != nil {
		var zero T
		return zero, errors.WithMessagef(err, "op %q failed", op.Name)
	}
	klog.V(2).Infof("op %q done in %s", op.Name, elapsed)
	return value, nil
}
