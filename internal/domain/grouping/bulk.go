package grouping

import (
	"context"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency caps in-flight row requests of one bulk operation
const DefaultBulkConcurrency = 8

// ItemFailure names one item of a bulk operation that failed
type ItemFailure struct {
	Item      string `json:"item"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	err       error
}

// Err returns the underlying error
func (f ItemFailure) Err() error {
	return f.err
}

// BulkResult counts the outcome of N independent row requests. Skipped items
// were already in the requested state.
type BulkResult struct {
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    []ItemFailure `json:"failed,omitempty"`
}

// Partial reports whether some items succeeded and some failed
func (r BulkResult) Partial() bool {
	return len(r.Failed) > 0 && r.Succeeded+r.Skipped > 0
}

// Merge adds other's counts into r
func (r *BulkResult) Merge(other BulkResult) {
	r.Succeeded += other.Succeeded
	r.Skipped += other.Skipped
	r.Failed = append(r.Failed, other.Failed...)
}

func (r *BulkResult) fail(item string, err error) {
	r.Failed = append(r.Failed, ItemFailure{
		Item:      item,
		Error:     err.Error(),
		Retryable: IsTransient(err),
		err:       err,
	})
}

// runBulk issues one request per item with at most limit in flight. A failed
// item never cancels the others.
func runBulk[T any](ctx context.Context, limit int, items []T, label func(T) string, fn func(context.Context, T) (skipped bool, err error)) BulkResult {
	if limit <= 0 {
		limit = DefaultBulkConcurrency
	}

	var (
		mu     sync.Mutex
		result BulkResult
		g      errgroup.Group
	)
	g.SetLimit(limit)

	for _, item := range items {
		g.Go(func() error {
			skipped, err := fn(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.fail(label(item), err)
			case skipped:
				result.Skipped++
			default:
				result.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(result.Failed, func(a, b ItemFailure) int {
		return strings.Compare(a.Item, b.Item)
	})
	return result
}
