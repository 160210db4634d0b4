package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
)

func setupFirestore(t *testing.T) *repository.Firestore {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	repo, err := repository.NewFirestore(context.Background(), projectID, databaseID, repository.WithDimensions(dims))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestFirestoreSummaryLifecycle(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	user, err := repo.GetOrCreateUser(ctx, "test-"+string(model.NewUserID()))
	gt.NoError(t, err)

	var members []*model.Memory
	for i := 0; i < 3; i++ {
		members = append(members, putMemory(t, repo, user, i, []float32{1, float32(i), 0, 0}))
	}

	fetched, err := repo.FetchUnsummarized(ctx, user.ID)
	gt.NoError(t, err)
	gt.A(t, fetched).Length(3)
	gt.Equal(t, fetched[0].ID, members[0].ID)

	summary, ids := newSummary(user, members)
	gt.NoError(t, repo.InsertSummary(ctx, summary, ids))

	got, err := repo.GetMemory(ctx, members[1].ID)
	gt.NoError(t, err)
	gt.Equal(t, got.SummaryID, summary.ID)

	again, ids := newSummary(user, members)
	err = repo.InsertSummary(ctx, again, ids)
	gt.V(t, errors.Is(err, model.ErrLinkageRace)).Equal(true)
}

func TestFirestoreQueryMemories(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	user, err := repo.GetOrCreateUser(ctx, "test-"+string(model.NewUserID()))
	gt.NoError(t, err)

	near := putMemory(t, repo, user, 0, []float32{1, 0, 0, 0})
	putMemory(t, repo, user, 1, []float32{0, 1, 0, 0})

	results, err := repo.QueryMemories(ctx, &repository.MemoryQuery{
		UserID: user.ID,
		Vector: []float32{1, 0, 0, 0},
		Limit:  2,
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].ID, near.ID)
	gt.V(t, results[0].Distance).NotNil()

	recent, err := repo.QueryMemories(ctx, &repository.MemoryQuery{UserID: user.ID})
	gt.NoError(t, err)
	gt.A(t, recent).Length(2)
	gt.Equal(t, recent[1].ID, near.ID)
}

func TestFirestoreListUsersCountsMemories(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	user, err := repo.GetOrCreateUser(ctx, "test-"+string(model.NewUserID()))
	gt.NoError(t, err)
	putMemory(t, repo, user, 0, []float32{1, 0, 0, 0})
	putMemory(t, repo, user, 1, []float32{0, 1, 0, 0})

	users, err := repo.ListUsers(ctx)
	gt.NoError(t, err)

	var found *model.UserSummary
	for _, u := range users {
		if u.ID == user.ID {
			found = u
		}
	}
	gt.V(t, found == nil).Equal(false)
	gt.Equal(t, found.MemoryCount, 2)
}

func TestNearestLimit(t *testing.T) {
	testCases := map[string]struct {
		limit, offset int
		want          int
		capped        bool
	}{
		"page":             {limit: 3, offset: 0, want: 3},
		"page with offset": {limit: 5, offset: 10, want: 15},
		"negative offset":  {limit: 5, offset: -1, want: 5},
		"no limit":         {limit: 0, offset: 0, want: 1000, capped: true},
		"beyond max":       {limit: 900, offset: 200, want: 1000, capped: true},
		"exactly max":      {limit: 1000, offset: 0, want: 1000},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, capped := repository.NearestLimit(tc.limit, tc.offset)
			gt.Equal(t, got, tc.want)
			gt.Equal(t, capped, tc.capped)
		})
	}
}
