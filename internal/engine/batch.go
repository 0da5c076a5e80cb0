package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tickflow/internal/ir"
)

// BatchResult is the outcome of evaluating n independent items.
type BatchResult struct {
	// Values holds each item's result up to and including FlushIndex.
	// Items after a flush are nil.
	Values []ir.Payload
	// Flushed is the winning flush when FlushIndex >= 0.
	Flushed ir.Flushed
	// FlushIndex is the lowest index whose result was Flushed, or -1.
	FlushIndex int
}

// BatchFunc evaluates item i. It must not touch engine state.
type BatchFunc func(ctx context.Context, i int) (ir.Payload, error)

// RunBatch evaluates items [0, n) on up to workers goroutines and returns
// exactly what sequential evaluation in index order would: the lowest-index
// Flushed wins and nothing after it counts.
//
// Once every index below the lowest known flush (or error) has completed the
// winner cannot change, so the batch context is cancelled and items still in
// flight are ignored.
func RunBatch(ctx context.Context, workers, n int, fn BatchFunc) (BatchResult, error) {
	res := BatchResult{Values: make([]ir.Payload, n), FlushIndex: -1}
	if n == 0 {
		return res, nil
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			v, err := fn(ctx, i)
			if err != nil {
				return res, err
			}
			res.Values[i] = v
			if f, ok := v.(ir.Flushed); ok {
				res.Flushed = f
				res.FlushIndex = i
				return res, nil
			}
		}
		return res, nil
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(bctx)
	g.SetLimit(workers)

	var (
		mu   sync.Mutex
		done = make([]bool, n)
		errs = make([]error, n)
		// stop is the lowest index that ended the batch (flush or error).
		stop = n
		// next is the lowest index not yet completed.
		next = 0
	)

	for i := 0; i < n; i++ {
		mu.Lock()
		beyond := i > stop
		mu.Unlock()
		if beyond || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			v, err := fn(gctx, i)

			mu.Lock()
			defer mu.Unlock()
			if i > stop {
				return nil // a lower index already decided the batch
			}
			done[i] = true
			res.Values[i] = v
			errs[i] = err
			if _, ok := v.(ir.Flushed); ok || err != nil {
				stop = i
			}
			for next < n && done[next] {
				next++
			}
			if next >= stop {
				cancel()
			}
			return nil
		})
	}
	// Worker functions never return errors; failures are in errs.
	_ = g.Wait()

	if stop < n && next > stop {
		if err := errs[stop]; err != nil {
			return res, err
		}
		res.Flushed = res.Values[stop].(ir.Flushed)
		res.FlushIndex = stop
		clear(res.Values[stop+1:])
		return res, nil
	}
	if next < n {
		// Only an outside cancellation leaves items unfinished.
		return res, context.Cause(ctx)
	}
	return res, nil
}
