package consolidate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// Summarizer returns the summary of text, or false when unavailable
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, bool)
}

// Embedder computes one vector for a text
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Reporter receives the report of every finished tick
type Reporter interface {
	Report(ctx context.Context, report *model.TickReport) error
}

// Engine folds unsummarized memories of each eligible user into a summary memory
type Engine struct {
	repo       repository.Repository
	summarizer Summarizer
	embedder   Embedder
	reporters  []Reporter

	chunkSize        int
	concurrency      int
	chunkConcurrency int
	chunkRetries     int
	now              func() time.Time

	running   atomic.Bool
	locksMu   sync.Mutex
	userLocks map[model.UserID]*userLock
}

// userLock serializes runs for one user. It is dropped from the engine
// when no run holds or waits for it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Engine)

// WithChunkSize sets chunk size and eligibility threshold
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		e.chunkSize = n
	}
}

// WithConcurrency sets how many users are processed at the same time
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithChunkConcurrency sets how many chunks of one user are summarized at the same time
func WithChunkConcurrency(n int) Option {
	return func(e *Engine) {
		e.chunkConcurrency = n
	}
}

// WithChunkRetries sets how many more times a failed chunk is sent before it is dropped
func WithChunkRetries(n int) Option {
	return func(e *Engine) {
		e.chunkRetries = n
	}
}

func WithReporter(r ...Reporter) Option {
	return func(e *Engine) {
		e.reporters = append(e.reporters, r...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(repo repository.Repository, summarizer Summarizer, embedder Embedder, opts ...Option) *Engine {
	e := &Engine{
		repo:             repo,
		summarizer:       summarizer,
		embedder:         embedder,
		chunkSize:        DefaultChunkSize,
		concurrency:      4,
		chunkConcurrency: 1,
		now:              time.Now,
		userLocks:        map[model.UserID]*userLock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	if e.chunkConcurrency <= 0 {
		e.chunkConcurrency = 1
	}
	return e
}

// Tick runs one consolidation pass over every eligible user. A failing user
// is recorded in the report and does not stop the others.
func (e *Engine) Tick(ctx context.Context) (*model.TickReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, goerr.Wrap(model.ErrTickInProgress, "skip overlapping tick")
	}
	defer e.running.Store(false)

	report := &model.TickReport{
		ID:        model.NewTickID(),
		StartedAt: e.now(),
	}
	logger := logging.From(ctx).With("tick_id", report.ID)
	ctx = logging.With(ctx, logger)

	users, err := e.repo.CountEligibleUsers(ctx, e.chunkSize)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to select eligible users", goerr.V("tick_id", report.ID))
	}
	report.EligibleUsers = len(users)
	logger.Info("consolidation tick started", "eligible_users", len(users), "chunk_size", e.chunkSize)

	results := make([]*model.UserResult, len(users))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, userID := range users {
		g.Go(func() error {
			results[i] = e.runUser(ctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.FinishedAt = e.now()
	logger.Info("consolidation tick finished",
		"summarized", report.Count(model.UserResultSummarized),
		"race", report.Count(model.UserResultRace),
		"skipped", report.Count(model.UserResultSkipped),
		"failed", report.Count(model.UserResultFailed),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)

	for _, r := range e.reporters {
		if err := r.Report(ctx, report); err != nil {
			logger.Error("failed to send tick report", "error", err)
		}
	}

	return report, nil
}

// runUser converts errors and panics of one pipeline into a failed result
func (e *Engine) runUser(ctx context.Context, userID model.UserID) (result *model.UserResult) {
	start := e.now()
	logger := logging.From(ctx).With("user_id", userID)
	ctx = logging.With(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("consolidation panicked", "panic", r)
			result = &model.UserResult{
				UserID: userID,
				Status: model.UserResultFailed,
				Error:  goerr.New("consolidation panicked", goerr.V("panic", r)).Error(),
			}
		}
		result.Duration = e.now().Sub(start)
	}()

	res, err := e.ConsolidateUser(ctx, userID)
	if err != nil {
		logger.Error("consolidation failed", "error", err)
		if res == nil {
			res = &model.UserResult{UserID: userID}
		}
		res.Status = model.UserResultFailed
		res.Error = err.Error()
	}
	return res
}

// lockUser blocks until no other run holds the user and returns the release func
func (e *Engine) lockUser(userID model.UserID) func() {
	e.locksMu.Lock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &userLock{}
		e.userLocks[userID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.userLocks, userID)
		}
		e.locksMu.Unlock()
	}
}
