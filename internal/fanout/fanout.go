// Package fanout provides the join primitive used for every concurrent
// fan-out in starmesh: sibling nodes, planned tasks, documents and probe
// calls. All tasks always run to completion; a failing task never cancels
// its siblings, and panics are recovered into errors.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a single task.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", p.Value) }

// All runs fn for every index in [0, n) with at most limit tasks in flight
// (limit <= 0 means unbounded) and waits for all of them. Results are
// returned in index order. Tasks not yet started when ctx is cancelled
// report ctx.Err() instead of running.
func All[T any](ctx context.Context, n, limit int, fn func(ctx context.Context, i int) (T, error)) []Result[T] {
	results := make([]Result[T], n)
	if n == 0 {
		return results
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i := 0; i < n; i++ {
		i := i
		// Task errors live in results so the group never short-circuits.
		g.Go(func() error {
			results[i] = run(ctx, i, fn)
			return nil
		})
	}

	_ = g.Wait()

	return results
}

func run[T any](ctx context.Context, idx int, fn func(ctx context.Context, i int) (T, error)) (res Result[T]) {
	res.Index = idx

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	res.Value, res.Err = fn(ctx, idx)

	return res
}

// Errors returns the non-nil errors of results in index order.
func Errors[T any](results []Result[T]) []error {
	var errs []error

	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	return errs
}
