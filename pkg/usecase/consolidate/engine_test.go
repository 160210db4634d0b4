package consolidate_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/adapter/mock"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
	"github.com/m-mizutani/memoire/pkg/service/embedding"
	"github.com/m-mizutani/memoire/pkg/service/summarize"
	"github.com/m-mizutani/memoire/pkg/usecase/consolidate"
)

const dims = 8

type fixture struct {
	repo     *repository.SQLite
	llm      *mock.LLM
	embedder *mock.Embedder
	engine   *consolidate.Engine
}

func newFixture(t *testing.T, chat func(ctx context.Context, req *adapter.ChatRequest) (string, error), opts ...consolidate.Option) *fixture {
	t.Helper()
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "memoire.db"),
		repository.WithDimensions(dims))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	llm := &mock.LLM{ChatFunc: chat}
	embedder := mock.NewEmbedder(dims)
	embedClient, err := embedding.New(embedder, embedding.WithDimensions(dims))
	gt.NoError(t, err)

	return &fixture{
		repo:     repo,
		llm:      llm,
		embedder: embedder,
		engine:   consolidate.New(repo, summarize.New(llm), embedClient, opts...),
	}
}

// seed stores n memories named "<username>-NN." with increasing creation time
func (f *fixture) seed(t *testing.T, username string, n int) (*model.UserProfile, []*model.Memory) {
	t.Helper()
	ctx := context.Background()
	user, err := f.repo.GetOrCreateUser(ctx, username)
	gt.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	memories := make([]*model.Memory, n)
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("%s-%02d.", username, i)
		m := model.NewMemory(user.ID, content)
		m.Embedding = mock.Vector(content, dims)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		m.UpdatedAt = m.CreatedAt
		gt.NoError(t, f.repo.PutMemory(ctx, m))
		memories[i] = m
	}
	return user, memories
}

// chunkName identifies a chunk request by the first memory it contains
func chunkName(req *adapter.ChatRequest) string {
	for _, marker := range []string{"-00.", "-10.", "-20."} {
		if strings.Contains(req.User, marker) {
			return "chunk" + marker
		}
	}
	return ""
}

func isMerge(req *adapter.ChatRequest) bool {
	return strings.Contains(req.User, "facts of chunk")
}

func (f *fixture) assertLinked(t *testing.T, memories []*model.Memory, summaryID model.MemoryID) {
	t.Helper()
	for _, m := range memories {
		got, err := f.repo.GetMemory(context.Background(), m.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.SummaryID, summaryID)
	}
}

func TestTickSkipsUsersAtThreshold(t *testing.T) {
	f := newFixture(t, nil)
	user, memories := f.seed(t, "alice", consolidate.DefaultChunkSize)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.EligibleUsers, 0)
	gt.A(t, report.Results).Length(0)
	gt.A(t, f.llm.Requests()).Length(0)

	rest, err := f.repo.FetchUnsummarized(context.Background(), user.ID)
	gt.NoError(t, err)
	gt.A(t, rest).Length(len(memories))
}

func TestTickConsolidates25Memories(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if isMerge(req) {
			return "merged facts", nil
		}
		return "facts of chunk" + chunkName(req), nil
	})
	_, memories := f.seed(t, "alice", 25)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.EligibleUsers, 1)
	gt.A(t, report.Results).Length(1)

	res := report.Results[0]
	gt.Equal(t, res.Status, model.UserResultSummarized)
	gt.Equal(t, res.MemoryCount, 25)
	gt.Equal(t, res.ChunksProcessed, 3)
	gt.Equal(t, res.DroppedChunks, 0)
	gt.V(t, res.Placeholder).Equal(false)

	// three chunk calls and one merge call
	reqs := f.llm.Requests()
	gt.A(t, reqs).Length(4)
	gt.S(t, reqs[0].User).Contains("alice-00.\n\nalice-01.")
	gt.S(t, reqs[3].User).Contains("facts of chunk-00.\n\nfacts of chunk-10.\n\nfacts of chunk-20.")

	summary, err := f.repo.GetMemory(context.Background(), res.SummaryID)
	gt.NoError(t, err)
	gt.Equal(t, summary.Content, "merged facts")
	gt.V(t, summary.IsSummary()).Equal(true)
	gt.Equal(t, summary.Metadata[model.MetaCount], any(float64(25)))
	gt.Equal(t, summary.Metadata[model.MetaChunksProcessed], any(float64(3)))
	ids, ok := summary.Metadata[model.MetaSummarizedMemoryIDs].([]any)
	gt.V(t, ok).Equal(true)
	gt.A(t, ids).Length(25)
	gt.Equal(t, ids[0], any(string(memories[0].ID)))
	gt.Equal(t, []float32(summary.Embedding), mock.Vector("merged facts", dims))

	f.assertLinked(t, memories, summary.ID)

	// the summary alone is not eligible, so a second tick changes nothing
	again, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, again.EligibleUsers, 0)
}

func TestTickPlaceholderWhenSummarizerFails(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		return "", errors.New("503 service unavailable")
	})
	_, memories := f.seed(t, "alice", 25)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	res := report.Results[0]
	gt.Equal(t, res.Status, model.UserResultSummarized)
	gt.Equal(t, res.DroppedChunks, 3)
	gt.V(t, res.Placeholder).Equal(true)

	// no merge call without chunk summaries
	gt.A(t, f.llm.Requests()).Length(3)

	summary, err := f.repo.GetMemory(context.Background(), res.SummaryID)
	gt.NoError(t, err)
	gt.Equal(t, summary.Content, "Summary of 25 memories (automatic summarization failed)")
	gt.Equal(t, summary.Metadata[model.MetaCount], any(float64(25)))

	f.assertLinked(t, memories, summary.ID)
}

func TestTickDropsFailedChunk(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if isMerge(req) {
			return "merged facts", nil
		}
		if chunkName(req) == "chunk-10." {
			return "", errors.New("timeout")
		}
		return "facts of chunk" + chunkName(req), nil
	})
	_, memories := f.seed(t, "alice", 25)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	res := report.Results[0]
	gt.Equal(t, res.DroppedChunks, 1)

	reqs := f.llm.Requests()
	gt.A(t, reqs).Length(4)
	gt.S(t, reqs[3].User).Contains("facts of chunk-00.\n\nfacts of chunk-20.")

	summary, err := f.repo.GetMemory(context.Background(), res.SummaryID)
	gt.NoError(t, err)
	gt.Equal(t, summary.Metadata[model.MetaChunksProcessed], any(float64(3)))

	// memories of the dropped chunk are still accounted for
	f.assertLinked(t, memories, summary.ID)
}

func TestTickMergeFailureJoinsChunkSummaries(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if isMerge(req) {
			return "", errors.New("context too long")
		}
		return "facts of chunk" + chunkName(req), nil
	})
	f.seed(t, "alice", 25)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)

	summary, err := f.repo.GetMemory(context.Background(), report.Results[0].SummaryID)
	gt.NoError(t, err)
	gt.Equal(t, summary.Content, "facts of chunk-00. facts of chunk-10. facts of chunk-20.")
}

func TestTickSingleChunkSummaryIsUsedDirectly(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if chunkName(req) == "chunk-00." {
			return "facts of chunk-00.", nil
		}
		return "", errors.New("unavailable")
	})
	f.seed(t, "alice", 11)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.A(t, f.llm.Requests()).Length(2)

	summary, err := f.repo.GetMemory(context.Background(), report.Results[0].SummaryID)
	gt.NoError(t, err)
	gt.Equal(t, summary.Content, "facts of chunk-00.")
	gt.Equal(t, summary.Metadata[model.MetaChunksProcessed], any(float64(2)))
}

func TestTickChunkRetries(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if isMerge(req) {
			return "merged facts", nil
		}
		name := chunkName(req)
		mu.Lock()
		attempts[name]++
		n := attempts[name]
		mu.Unlock()
		if n == 1 {
			return "", errors.New("flaky")
		}
		return "facts of chunk" + name, nil
	}, consolidate.WithChunkRetries(1), consolidate.WithChunkConcurrency(3))
	f.seed(t, "alice", 25)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Results[0].DroppedChunks, 0)

	reqs := f.llm.Requests()
	gt.A(t, reqs).Length(7)
	// merge input keeps chunk order even when chunks run in parallel
	gt.S(t, reqs[6].User).Contains("facts of chunk-00.\n\nfacts of chunk-10.\n\nfacts of chunk-20.")
}

func TestTickIsolatesUserFailures(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		if strings.Contains(req.User, "bob") {
			return "bob facts", nil
		}
		return "alice facts", nil
	}, consolidate.WithConcurrency(2))
	f.embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if strings.Contains(texts[0], "bob") {
			return nil, errors.New("embedding service down")
		}
		return [][]float32{mock.Vector(texts[0], dims)}, nil
	}

	_, aliceMemories := f.seed(t, "alice", 12)
	bob, bobMemories := f.seed(t, "bob", 12)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.EligibleUsers, 2)
	gt.Equal(t, report.Count(model.UserResultSummarized), 1)
	gt.Equal(t, report.Count(model.UserResultFailed), 1)

	for _, res := range report.Results {
		if res.UserID == bob.ID {
			gt.Equal(t, res.Status, model.UserResultFailed)
			gt.S(t, res.Error).Contains("embedding service down")
		} else {
			f.assertLinked(t, aliceMemories, res.SummaryID)
		}
	}

	rest, err := f.repo.FetchUnsummarized(context.Background(), bob.ID)
	gt.NoError(t, err)
	gt.A(t, rest).Length(len(bobMemories))
}

func TestTickRejectsOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "facts", nil
	})
	f.seed(t, "alice", 11)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Tick(context.Background())
		done <- err
	}()

	<-started
	_, err := f.engine.Tick(context.Background())
	gt.V(t, errors.Is(err, model.ErrTickInProgress)).Equal(true)

	close(release)
	gt.NoError(t, <-done)
}

type recordReporter struct {
	reports []*model.TickReport
}

func (r *recordReporter) Report(ctx context.Context, report *model.TickReport) error {
	r.reports = append(r.reports, report)
	return nil
}

func TestTickSendsReport(t *testing.T) {
	reporter := &recordReporter{}
	f := newFixture(t, nil, consolidate.WithReporter(reporter))
	f.seed(t, "alice", 11)

	report, err := f.engine.Tick(context.Background())
	gt.NoError(t, err)
	gt.A(t, reporter.reports).Length(1)
	gt.Equal(t, reporter.reports[0].ID, report.ID)
	gt.V(t, report.FinishedAt.Before(report.StartedAt)).Equal(false)
}

func TestConsolidateUserSkipsWhenNotEnough(t *testing.T) {
	f := newFixture(t, nil)
	user, _ := f.seed(t, "alice", 5)

	res, err := f.engine.ConsolidateUser(context.Background(), user.ID)
	gt.NoError(t, err)
	gt.Equal(t, res.Status, model.UserResultSkipped)
	gt.Equal(t, res.MemoryCount, 5)
}

func TestConsolidateUserReportsRace(t *testing.T) {
	var (
		f        *fixture
		user     *model.UserProfile
		memories []*model.Memory
		rival    *model.Memory
		once     sync.Once
	)

	// another run claims the memories while this one is summarizing
	f = newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		var err error
		once.Do(func() {
			ids := make([]model.MemoryID, len(memories))
			for i, m := range memories {
				ids[i] = m.ID
			}
			rival = model.NewMemory(user.ID, "rival summary")
			rival.Embedding = mock.Vector(rival.Content, dims)
			rival.Metadata = map[string]any{model.MetaType: model.MemoryTypeSummary}
			err = f.repo.InsertSummary(ctx, rival, ids)
		})
		return "facts", err
	})
	user, memories = f.seed(t, "alice", 11)

	res, err := f.engine.ConsolidateUser(context.Background(), user.ID)
	gt.NoError(t, err)
	gt.Equal(t, res.Status, model.UserResultRace)
	gt.Equal(t, res.SummaryID, model.MemoryID(""))
	f.assertLinked(t, memories, rival.ID)
}

func TestTickSweepsSummaryIntoNewSummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	user, first := f.seed(t, "alice", 12)

	report, err := f.engine.Tick(ctx)
	gt.NoError(t, err)
	gt.A(t, report.Results).Length(1)
	s1 := report.Results[0].SummaryID
	f.assertLinked(t, first, s1)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("alice-later-%02d.", i)
		m := model.NewMemory(user.ID, content)
		m.Embedding = mock.Vector(content, dims)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		m.UpdatedAt = m.CreatedAt
		gt.NoError(t, f.repo.PutMemory(ctx, m))
	}

	// ten new memories plus the unlinked first summary
	report, err = f.engine.Tick(ctx)
	gt.NoError(t, err)
	gt.A(t, report.Results).Length(1)
	res := report.Results[0]
	gt.Equal(t, res.Status, model.UserResultSummarized)
	gt.Equal(t, res.MemoryCount, 11)
	s2 := res.SummaryID

	f.assertLinked(t, first, s1)

	got1, err := f.repo.GetMemory(ctx, s1)
	gt.NoError(t, err)
	gt.Equal(t, got1.SummaryID, s2)

	got2, err := f.repo.GetMemory(ctx, s2)
	gt.NoError(t, err)
	gt.Equal(t, got2.SummaryID, model.MemoryID(""))
	gt.V(t, got2.IsSummary()).Equal(true)
}

func TestConsolidateUserSerializesAndReleasesLock(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	f := newFixture(t, func(ctx context.Context, req *adapter.ChatRequest) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "facts", nil
	})
	user, _ := f.seed(t, "alice", 11)

	type outcome struct {
		res *model.UserResult
		err error
	}
	results := make(chan outcome, 2)
	run := func() {
		res, err := f.engine.ConsolidateUser(context.Background(), user.ID)
		results <- outcome{res, err}
	}
	go run()
	<-started
	gt.Equal(t, f.engine.HeldUserLocks(), 1)
	go run()

	close(release)
	statuses := map[model.UserResultStatus]int{}
	for i := 0; i < 2; i++ {
		out := <-results
		gt.NoError(t, out.err)
		statuses[out.res.Status]++
	}
	gt.Equal(t, statuses[model.UserResultSummarized], 1)
	gt.Equal(t, statuses[model.UserResultSkipped], 1)
	gt.Equal(t, f.engine.HeldUserLocks(), 0)
}
