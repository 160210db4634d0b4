package repository

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionUsers    = "users"
	collectionMemories = "memories"

	// distanceField receives the cosine distance of vector queries
	distanceField = "VectorDistance"

	// maxNearestLimit is the upper bound of FindNearest results
	maxNearestLimit = 1000

	maxTransactionWrites = 500
)

// Firestore is a Repository backed by Cloud Firestore with vector search.
// FindNearest on Embedding requires a vector index with the same dimensions.
type Firestore struct {
	client     *firestore.Client
	dimensions int
}

var _ Repository = (*Firestore)(nil)

func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	o := newOptions(opts)
	return &Firestore{client: client, dimensions: o.dimensions}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) users() *firestore.CollectionRef {
	return r.client.Collection(collectionUsers)
}

func (r *Firestore) memories() *firestore.CollectionRef {
	return r.client.Collection(collectionMemories)
}

func (r *Firestore) GetOrCreateUser(ctx context.Context, username string) (*model.UserProfile, error) {
	if username == "" {
		return nil, goerr.New("username is empty")
	}

	var user *model.UserProfile
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		user = nil
		docs, err := tx.Documents(r.users().Where("Username", "==", username).Limit(1)).GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to look up user")
		}
		if len(docs) > 0 {
			var found model.UserProfile
			if err := docs[0].DataTo(&found); err != nil {
				return goerr.Wrap(err, "failed to decode user")
			}
			user = &found
			return nil
		}

		user = model.NewUserProfile(username)
		return tx.Create(r.users().Doc(string(user.ID)), user)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get or create user", goerr.V("username", username))
	}
	return user, nil
}

func (r *Firestore) GetUser(ctx context.Context, id model.UserID) (*model.UserProfile, error) {
	doc, err := r.users().Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("user_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V("user_id", id))
	}

	var user model.UserProfile
	if err := doc.DataTo(&user); err != nil {
		return nil, goerr.Wrap(err, "failed to decode user", goerr.V("user_id", id))
	}
	return &user, nil
}

func (r *Firestore) GetUserByName(ctx context.Context, username string) (*model.UserProfile, error) {
	docs, err := r.users().Where("Username", "==", username).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up user", goerr.V("username", username))
	}
	if len(docs) == 0 {
		return nil, goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("username", username))
	}

	var user model.UserProfile
	if err := docs[0].DataTo(&user); err != nil {
		return nil, goerr.Wrap(err, "failed to decode user", goerr.V("username", username))
	}
	return &user, nil
}

func (r *Firestore) UpdateUser(ctx context.Context, user *model.UserProfile) error {
	if err := user.Validate(); err != nil {
		return err
	}

	_, err := r.users().Doc(string(user.ID)).Update(ctx, []firestore.Update{
		{Path: "CustomInfo", Value: user.CustomInfo},
		{Path: "UpdatedAt", Value: user.UpdatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("user_id", user.ID))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to update user", goerr.V("user_id", user.ID))
	}
	return nil
}

func (r *Firestore) ListUsers(ctx context.Context) ([]*model.UserSummary, error) {
	iter := r.users().OrderBy("Username", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var users []*model.UserSummary
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate users")
		}

		var user model.UserProfile
		if err := doc.DataTo(&user); err != nil {
			return nil, goerr.Wrap(err, "failed to decode user", goerr.V("doc_id", doc.Ref.ID))
		}

		count, err := r.countMemories(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		users = append(users, &model.UserSummary{UserProfile: &user, MemoryCount: count})
	}
	return users, nil
}

func (r *Firestore) countMemories(ctx context.Context, userID model.UserID) (int, error) {
	q := r.memories().Where("UserID", "==", string(userID))
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count memories", goerr.V("user_id", userID))
	}

	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, goerr.New("unexpected count result", goerr.V("user_id", userID))
	}
	return int(v.GetIntegerValue()), nil
}

func (r *Firestore) PutMemory(ctx context.Context, memories ...*model.Memory) error {
	if len(memories) == 0 {
		return nil
	}
	if len(memories) > maxTransactionWrites {
		return goerr.Wrap(model.ErrInvalidMemory, "too many memories for one transaction",
			goerr.V("count", len(memories)), goerr.V("max", maxTransactionWrites))
	}
	for _, memory := range memories {
		if err := r.checkMemory(memory); err != nil {
			return err
		}
	}

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, memory := range memories {
			if err := tx.Create(r.memories().Doc(string(memory.ID)), memory); err != nil {
				return goerr.Wrap(err, "failed to create memory", goerr.V("memory_id", memory.ID))
			}
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to store memories", goerr.V("count", len(memories)))
	}
	return nil
}

func (r *Firestore) checkMemory(memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}
	if err := checkDimensions(memory.Embedding, r.dimensions); err != nil {
		return goerr.Wrap(err, "cannot store memory", goerr.V("memory_id", memory.ID))
	}
	if memory.Metadata == nil {
		memory.Metadata = map[string]any{}
	}
	return nil
}

func (r *Firestore) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	doc, err := r.memories().Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrMemoryNotFound, "no such memory", goerr.V("memory_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("memory_id", id))
	}

	var memory model.Memory
	if err := doc.DataTo(&memory); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("memory_id", id))
	}
	return &memory, nil
}

func (r *Firestore) CountEligibleUsers(ctx context.Context, minUnsummarized int) ([]model.UserID, error) {
	iter := r.memories().Where("SummaryID", "==", "").Select("UserID").Documents(ctx)
	defer iter.Stop()

	counts := map[model.UserID]int{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate unsummarized memories")
		}
		userID, _ := doc.Data()["UserID"].(string)
		counts[model.UserID(userID)]++
	}

	var ids []model.UserID
	for id, n := range counts {
		if id != "" && n > minUnsummarized {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Firestore) FetchUnsummarized(ctx context.Context, userID model.UserID) ([]*model.Memory, error) {
	iter := r.memories().
		Where("UserID", "==", string(userID)).
		Where("SummaryID", "==", "").
		OrderBy("CreatedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var memories []*model.Memory
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories", goerr.V("user_id", userID))
		}

		var memory model.Memory
		if err := doc.DataTo(&memory); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", doc.Ref.ID))
		}
		memories = append(memories, &memory)
	}
	return memories, nil
}

func (r *Firestore) InsertSummary(ctx context.Context, summary *model.Memory, members []model.MemoryID) error {
	if !summary.IsSummary() {
		return goerr.Wrap(model.ErrInvalidMemory, "summary memory must have summary type", goerr.V("memory_id", summary.ID))
	}
	if summary.SummaryID != "" {
		return goerr.Wrap(model.ErrSummaryCycle, "new summary cannot be linked", goerr.V("memory_id", summary.ID))
	}
	if err := checkSummaryTarget(members, summary.ID); err != nil {
		return err
	}
	if err := r.checkMemory(summary); err != nil {
		return err
	}
	members = uniqueIDs(members)

	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs, err := r.claim(tx, members, summary.UserID)
		if err != nil {
			return err
		}

		if err := tx.Create(r.memories().Doc(string(summary.ID)), summary); err != nil {
			return goerr.Wrap(err, "failed to create summary", goerr.V("summary_id", summary.ID))
		}
		return r.writeLinks(tx, refs, summary.ID)
	})
}

func (r *Firestore) LinkToSummary(ctx context.Context, ids []model.MemoryID, summaryID model.MemoryID) (int, error) {
	if err := checkSummaryTarget(ids, summaryID); err != nil {
		return 0, err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(r.memories().Doc(string(summaryID)))
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrMemoryNotFound, "summary memory does not exist", goerr.V("summary_id", summaryID))
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read summary memory", goerr.V("summary_id", summaryID))
		}

		var target model.Memory
		if err := snap.DataTo(&target); err != nil {
			return goerr.Wrap(err, "failed to decode summary memory", goerr.V("summary_id", summaryID))
		}
		if target.SummaryID != "" {
			return goerr.Wrap(model.ErrSummaryCycle, "summary target is already linked",
				goerr.V("summary_id", summaryID), goerr.V("parent", target.SummaryID))
		}

		refs, err := r.claim(tx, ids, target.UserID)
		if err != nil {
			return err
		}
		return r.writeLinks(tx, refs, summaryID)
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// claim reads members inside tx and fails with ErrLinkageRace unless all of
// them exist, belong to owner and are still unlinked
func (r *Firestore) claim(tx *firestore.Transaction, ids []model.MemoryID, owner model.UserID) ([]*firestore.DocumentRef, error) {
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = r.memories().Doc(string(id))
	}

	snaps, err := tx.GetAll(refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read memories to link")
	}

	for i, snap := range snaps {
		if !snap.Exists() {
			return nil, goerr.Wrap(model.ErrLinkageRace, "memory to link no longer exists", goerr.V("memory_id", ids[i]))
		}
		var m model.Memory
		if err := snap.DataTo(&m); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("memory_id", ids[i]))
		}
		if m.UserID != owner || m.SummaryID != "" {
			return nil, goerr.Wrap(model.ErrLinkageRace, "memory already linked",
				goerr.V("memory_id", ids[i]), goerr.V("summary_id", m.SummaryID))
		}
	}
	return refs, nil
}

func (r *Firestore) writeLinks(tx *firestore.Transaction, refs []*firestore.DocumentRef, summaryID model.MemoryID) error {
	now := time.Now().UTC()
	for _, ref := range refs {
		if err := tx.Update(ref, []firestore.Update{
			{Path: "SummaryID", Value: string(summaryID)},
			{Path: "UpdatedAt", Value: now},
		}); err != nil {
			return goerr.Wrap(err, "failed to link memory", goerr.V("memory_id", ref.ID))
		}
	}
	return nil
}

func (r *Firestore) QueryMemories(ctx context.Context, q *MemoryQuery) ([]*model.ScoredMemory, error) {
	query := r.memories().Query
	if q.UserID != "" {
		query = query.Where("UserID", "==", string(q.UserID))
	}
	if q.ChannelID != "" {
		query = query.Where("ChannelID", "==", q.ChannelID)
	}
	if q.ServerID != "" {
		query = query.Where("ServerID", "==", q.ServerID)
	}

	var iter *firestore.DocumentIterator
	ranked := len(q.Vector) > 0
	if ranked {
		if err := checkDimensions(q.Vector, r.dimensions); err != nil {
			return nil, goerr.Wrap(err, "invalid query vector")
		}
		limit, capped := nearestLimit(q.Limit, q.Offset)
		if capped {
			logging.From(ctx).Warn("nearest neighbor query capped",
				"limit", q.Limit,
				"offset", q.Offset,
				"max", maxNearestLimit,
			)
		}
		iter = query.FindNearest("Embedding", firestore.Vector32(q.Vector), limit,
			firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: distanceField},
		).Documents(ctx)
	} else {
		query = query.OrderBy("CreatedAt", firestore.Desc)
		if q.Offset > 0 {
			query = query.Offset(q.Offset)
		}
		if q.Limit > 0 {
			query = query.Limit(q.Limit)
		}
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	usernames := map[model.UserID]string{}
	var results []*model.ScoredMemory
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories")
		}

		var memory model.Memory
		if err := doc.DataTo(&memory); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", doc.Ref.ID))
		}

		username, ok := usernames[memory.UserID]
		if !ok {
			user, err := r.GetUser(ctx, memory.UserID)
			if err != nil {
				return nil, err
			}
			username = user.Username
			usernames[memory.UserID] = username
		}

		scored := &model.ScoredMemory{Memory: &memory, Username: username}
		if ranked {
			if d, ok := doc.Data()[distanceField].(float64); ok {
				scored.Distance = &d
			}
		}
		results = append(results, scored)
	}

	if ranked {
		return paginate(results, q.Offset, q.Limit), nil
	}
	return results, nil
}

// nearestLimit returns the FindNearest result count for a page. It reports
// whether the page was cut to maxNearestLimit.
func nearestLimit(limit, offset int) (int, bool) {
	if limit <= 0 {
		return maxNearestLimit, true
	}
	n := limit + max(offset, 0)
	if n > maxNearestLimit {
		return maxNearestLimit, true
	}
	return n, false
}
