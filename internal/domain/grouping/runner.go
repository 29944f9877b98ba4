package grouping

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrSuperseded is returned by a run that newer input replaced before it finished
var ErrSuperseded = errors.New("suggestion run superseded")

// SuggestionRunner schedules suggestion generation per account. Starting a run
// cancels the previous one for the same account, and a run that is no longer
// the latest never returns its results. Runs are admitted through a small
// semaphore so generation cannot occupy more than a fixed number of goroutines.
type SuggestionRunner struct {
	gen     *Generator
	sem     *semaphore.Weighted
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	seq    uint64
	latest map[uuid.UUID]*suggestionRun
}

type suggestionRun struct {
	seq    uint64
	cancel context.CancelFunc
}

// NewSuggestionRunner creates a runner admitting at most concurrency runs at once
func NewSuggestionRunner(gen *Generator, concurrency int, metrics *Metrics, logger *slog.Logger) *SuggestionRunner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &SuggestionRunner{
		gen:     gen,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		metrics: metrics,
		logger:  logger,
		latest:  make(map[uuid.UUID]*suggestionRun),
	}
}

// SuggestionInput is what one run clusters
type SuggestionInput struct {
	Unmapped []string
	Ignored  IgnoredSet
	Index    *PurchaseIndex
}

// Run generates suggestions for an account against the given inputs.
func (r *SuggestionRunner) Run(ctx context.Context, ownerID uuid.UUID, unmapped []string, ignored IgnoredSet, index *PurchaseIndex) ([]Suggestion, error) {
	return r.RunWith(ctx, ownerID, func(context.Context) (SuggestionInput, error) {
		return SuggestionInput{Unmapped: unmapped, Ignored: ignored, Index: index}, nil
	})
}

// RunWith registers the run before load reads its inputs, so a run whose
// inputs predate a newer run's can never be reported as the latest.
func (r *SuggestionRunner) RunWith(ctx context.Context, ownerID uuid.UUID, load func(context.Context) (SuggestionInput, error)) ([]Suggestion, error) {
	ctx, span := tracer.Start(ctx, "grouping.SuggestionRunner.Run")
	defer span.End()

	runCtx, seq := r.begin(ctx, ownerID)
	defer r.finish(ownerID, seq)

	in, err := load(runCtx)
	if err != nil {
		return nil, r.abandoned(ctx, ownerID, seq, err)
	}

	start := time.Now()
	if err := r.sem.Acquire(runCtx, 1); err != nil {
		return nil, r.abandoned(ctx, ownerID, seq, err)
	}
	suggestions, err := r.gen.GenerateContext(runCtx, in.Unmapped, in.Ignored, in.Index)
	r.sem.Release(1)
	if err != nil {
		return nil, r.abandoned(ctx, ownerID, seq, err)
	}

	if !r.isLatest(ownerID, seq) {
		r.metrics.runDiscarded()
		r.logger.Debug("discarding stale suggestion run",
			slog.String("owner_id", ownerID.String()),
			slog.Uint64("seq", seq),
		)
		return nil, ErrSuperseded
	}

	r.metrics.observeRun(start, len(suggestions))
	return suggestions, nil
}

func (r *SuggestionRunner) begin(ctx context.Context, ownerID uuid.UUID) (context.Context, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.latest[ownerID]; ok {
		prev.cancel()
	}
	r.seq++
	runCtx, cancel := context.WithCancel(ctx)
	r.latest[ownerID] = &suggestionRun{seq: r.seq, cancel: cancel}
	return runCtx, r.seq
}

func (r *SuggestionRunner) finish(ownerID uuid.UUID, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.latest[ownerID]; ok && cur.seq == seq {
		cur.cancel()
		delete(r.latest, ownerID)
	}
}

func (r *SuggestionRunner) isLatest(ownerID uuid.UUID, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.latest[ownerID]
	return ok && cur.seq == seq
}

// abandoned reports a run that stopped early: superseded when a newer run took
// over, otherwise the caller's own context error
func (r *SuggestionRunner) abandoned(ctx context.Context, ownerID uuid.UUID, seq uint64, err error) error {
	if ctx.Err() == nil && !r.isLatest(ownerID, seq) {
		r.metrics.runDiscarded()
		return ErrSuperseded
	}
	return err
}
