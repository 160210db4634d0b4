package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"

	_ "modernc.org/sqlite"
)

const linkBatchSize = 500

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		custom_info TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memories (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		channel_id TEXT,
		server_id TEXT,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		embedding TEXT NOT NULL,
		summary_id TEXT REFERENCES memories(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_user_summary ON memories(user_id, summary_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at)`,
	`CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// SQLite is a Repository backed by an embedded SQLite database. Vectors are
// stored as JSON and ranked in process.
type SQLite struct {
	path       string
	db         *sql.DB
	dimensions int
}

var _ Repository = (*SQLite)(nil)

// NewSQLite opens (and migrates) the database at path
func NewSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, goerr.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	o := newOptions(opts)
	s := &SQLite{path: path, db: db, dimensions: o.dimensions}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.fixDimensions(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return goerr.Wrap(err, "failed to migrate sqlite schema")
		}
	}
	return nil
}

// fixDimensions records the dimensionality on first use and rejects a
// different one afterwards
func (s *SQLite) fixDimensions(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.dimensions <= 0 {
			return nil
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO index_meta (key, value) VALUES ('dimensions', ?)`,
			strconv.Itoa(s.dimensions)); err != nil {
			return goerr.Wrap(err, "failed to record dimensions")
		}
		return nil
	case err != nil:
		return goerr.Wrap(err, "failed to read dimensions")
	}

	d, err := strconv.Atoi(stored)
	if err != nil {
		return goerr.Wrap(err, "invalid stored dimensions", goerr.V("value", stored))
	}
	if s.dimensions > 0 && s.dimensions != d {
		return goerr.Wrap(model.ErrDimensionMismatch, "index was built with different dimensions, re-embedding is required",
			goerr.V("index", d), goerr.V("configured", s.dimensions))
	}
	s.dimensions = d
	return nil
}

func (s *SQLite) GetOrCreateUser(ctx context.Context, username string) (*model.UserProfile, error) {
	if username == "" {
		return nil, goerr.New("username is empty")
	}

	user := model.NewUserProfile(username)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, custom_info, created_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(username) DO NOTHING
	`, string(user.ID), user.Username, user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano()); err != nil {
		return nil, goerr.Wrap(err, "failed to create user", goerr.V("username", username))
	}

	return s.GetUserByName(ctx, username)
}

const userColumns = `id, username, custom_info, created_at, updated_at`

func (s *SQLite) GetUser(ctx context.Context, id model.UserID) (*model.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, string(id))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("user_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V("user_id", id))
	}
	return user, nil
}

func (s *SQLite) GetUserByName(ctx context.Context, username string) (*model.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("username", username))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V("username", username))
	}
	return user, nil
}

func (s *SQLite) UpdateUser(ctx context.Context, user *model.UserProfile) error {
	if err := user.Validate(); err != nil {
		return err
	}
	info, err := json.Marshal(user.CustomInfo)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal custom info", goerr.V("user_id", user.ID))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET custom_info = ?, updated_at = ? WHERE id = ?`,
		string(info), user.UpdatedAt.UnixNano(), string(user.ID))
	if err != nil {
		return goerr.Wrap(err, "failed to update user", goerr.V("user_id", user.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(model.ErrUserNotFound, "no such user", goerr.V("user_id", user.ID))
	}
	return nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]*model.UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.custom_info, u.created_at, u.updated_at, COUNT(m.id)
		FROM users u LEFT JOIN memories m ON m.user_id = u.id
		GROUP BY u.id
		ORDER BY u.username
	`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []*model.UserSummary
	for rows.Next() {
		var (
			user                 model.UserProfile
			id, info             string
			createdAt, updatedAt int64
			count                int
		)
		if err := rows.Scan(&id, &user.Username, &info, &createdAt, &updatedAt, &count); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user")
		}
		user.ID = model.UserID(id)
		if err := json.Unmarshal([]byte(info), &user.CustomInfo); err != nil {
			return nil, goerr.Wrap(err, "failed to decode custom info", goerr.V("user_id", id))
		}
		user.CreatedAt = fromNanos(createdAt)
		user.UpdatedAt = fromNanos(updatedAt)
		users = append(users, &model.UserSummary{UserProfile: &user, MemoryCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate users")
	}
	return users, nil
}

func (s *SQLite) PutMemory(ctx context.Context, memories ...*model.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, memory := range memories {
		if err := s.insertMemory(ctx, tx, memory); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit memories", goerr.V("count", len(memories)))
	}
	return nil
}

func (s *SQLite) insertMemory(ctx context.Context, tx *sql.Tx, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}
	if err := checkDimensions(memory.Embedding, s.dimensions); err != nil {
		return goerr.Wrap(err, "cannot store memory", goerr.V("memory_id", memory.ID))
	}

	metadata := memory.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal metadata", goerr.V("memory_id", memory.ID))
	}
	rawVec, err := json.Marshal([]float32(memory.Embedding))
	if err != nil {
		return goerr.Wrap(err, "failed to marshal embedding", goerr.V("memory_id", memory.ID))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, user_id, channel_id, server_id, content, metadata, embedding, summary_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(memory.ID),
		string(memory.UserID),
		nullString(memory.ChannelID),
		nullString(memory.ServerID),
		memory.Content,
		string(rawMeta),
		string(rawVec),
		nullString(string(memory.SummaryID)),
		memory.CreatedAt.UnixNano(),
		memory.UpdatedAt.UnixNano(),
	); err != nil {
		return goerr.Wrap(err, "failed to insert memory", goerr.V("memory_id", memory.ID), goerr.V("user_id", memory.UserID))
	}
	return nil
}

const memoryColumns = `m.id, m.user_id, u.username, m.channel_id, m.server_id, m.content, m.metadata, m.embedding, m.summary_id, m.created_at, m.updated_at`

func (s *SQLite) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories m JOIN users u ON u.id = m.user_id
		WHERE m.id = ?
	`, string(id))

	scored, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrMemoryNotFound, "no such memory", goerr.V("memory_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("memory_id", id))
	}
	return scored.Memory, nil
}

func (s *SQLite) CountEligibleUsers(ctx context.Context, minUnsummarized int) ([]model.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM memories
		WHERE summary_id IS NULL
		GROUP BY user_id
		HAVING COUNT(*) > ?
		ORDER BY user_id
	`, minUnsummarized)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to count unsummarized memories")
	}
	defer rows.Close()

	var ids []model.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user id")
		}
		ids = append(ids, model.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate eligible users")
	}
	return ids, nil
}

func (s *SQLite) FetchUnsummarized(ctx context.Context, userID model.UserID) ([]*model.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories m JOIN users u ON u.id = m.user_id
		WHERE m.user_id = ? AND m.summary_id IS NULL
		ORDER BY m.created_at ASC, m.seq ASC
	`, string(userID))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch unsummarized memories", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var memories []*model.Memory
	for rows.Next() {
		scored, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory", goerr.V("user_id", userID))
		}
		memories = append(memories, scored.Memory)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memories", goerr.V("user_id", userID))
	}
	return memories, nil
}

func (s *SQLite) InsertSummary(ctx context.Context, summary *model.Memory, members []model.MemoryID) error {
	if !summary.IsSummary() {
		return goerr.Wrap(model.ErrInvalidMemory, "summary memory must have summary type", goerr.V("memory_id", summary.ID))
	}
	if summary.SummaryID != "" {
		return goerr.Wrap(model.ErrSummaryCycle, "new summary cannot be linked", goerr.V("memory_id", summary.ID))
	}
	if err := checkSummaryTarget(members, summary.ID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertMemory(ctx, tx, summary); err != nil {
		return err
	}
	if _, err := s.link(ctx, tx, members, summary.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit summary", goerr.V("summary_id", summary.ID))
	}
	return nil
}

func (s *SQLite) LinkToSummary(ctx context.Context, ids []model.MemoryID, summaryID model.MemoryID) (int, error) {
	if err := checkSummaryTarget(ids, summaryID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	linked, err := s.link(ctx, tx, ids, summaryID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit linkage", goerr.V("summary_id", summaryID))
	}
	return linked, nil
}

// link runs the conditional update inside tx. It fails with ErrLinkageRace
// unless every id is updated.
func (s *SQLite) link(ctx context.Context, tx *sql.Tx, ids []model.MemoryID, summaryID model.MemoryID) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		owner  string
		parent sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT user_id, summary_id FROM memories WHERE id = ?`, string(summaryID)).Scan(&owner, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, goerr.Wrap(model.ErrMemoryNotFound, "summary memory does not exist", goerr.V("summary_id", summaryID))
	}
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read summary memory", goerr.V("summary_id", summaryID))
	}
	if parent.Valid {
		return 0, goerr.Wrap(model.ErrSummaryCycle, "summary target is already linked",
			goerr.V("summary_id", summaryID), goerr.V("parent", parent.String))
	}

	now := time.Now().UTC().UnixNano()
	var linked int64
	for start := 0; start < len(ids); start += linkBatchSize {
		end := min(start+linkBatchSize, len(ids))
		batch := ids[start:end]

		args := make([]any, 0, len(batch)+3)
		args = append(args, string(summaryID), now, owner)
		for _, id := range batch {
			args = append(args, string(id))
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET summary_id = ?, updated_at = ?
			WHERE user_id = ? AND summary_id IS NULL AND id IN (`+placeholders(len(batch))+`)
		`, args...)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to link memories", goerr.V("summary_id", summaryID))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, goerr.Wrap(err, "failed to read affected rows")
		}
		linked += n
	}

	if int(linked) != len(ids) {
		return 0, goerr.Wrap(model.ErrLinkageRace, "some memories were already linked",
			goerr.V("summary_id", summaryID),
			goerr.V("expected", len(ids)),
			goerr.V("linkable", linked))
	}
	return int(linked), nil
}

func (s *SQLite) QueryMemories(ctx context.Context, q *MemoryQuery) ([]*model.ScoredMemory, error) {
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "m.user_id = ?")
		args = append(args, string(q.UserID))
	}
	if q.ChannelID != "" {
		where = append(where, "m.channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if q.ServerID != "" {
		where = append(where, "m.server_id = ?")
		args = append(args, q.ServerID)
	}

	stmt := `SELECT ` + memoryColumns + ` FROM memories m JOIN users u ON u.id = m.user_id`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY m.created_at DESC, m.seq DESC"

	ranked := len(q.Vector) > 0
	if !ranked && (q.Limit > 0 || q.Offset > 0) {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(q.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories")
	}
	defer rows.Close()

	var results []*model.ScoredMemory
	for rows.Next() {
		scored, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory")
		}
		if ranked {
			d, err := CosineDistance(q.Vector, scored.Embedding)
			if err != nil {
				return nil, goerr.Wrap(err, "cannot rank memory", goerr.V("memory_id", scored.ID))
			}
			scored.Distance = &d
		}
		results = append(results, scored)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memories")
	}

	if !ranked {
		return results, nil
	}

	// rows arrive newest first, so a stable sort keeps recency as tie breaker
	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].Distance < *results[j].Distance
	})
	return paginate(results, q.Offset, q.Limit), nil
}

func paginate(results []*model.ScoredMemory, offset, limit int) []*model.ScoredMemory {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.UserProfile, error) {
	var (
		user                 model.UserProfile
		id, info             string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &user.Username, &info, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	user.ID = model.UserID(id)
	if err := json.Unmarshal([]byte(info), &user.CustomInfo); err != nil {
		return nil, goerr.Wrap(err, "failed to decode custom info", goerr.V("user_id", id))
	}
	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return &user, nil
}

func scanMemory(row rowScanner) (*model.ScoredMemory, error) {
	var (
		m                           model.Memory
		username                    string
		id, userID, content         string
		channelID, serverID, parent sql.NullString
		rawMeta, rawVec             string
		createdAt, updatedAt        int64
	)
	if err := row.Scan(&id, &userID, &username, &channelID, &serverID, &content, &rawMeta, &rawVec, &parent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.ID = model.MemoryID(id)
	m.UserID = model.UserID(userID)
	m.ChannelID = channelID.String
	m.ServerID = serverID.String
	m.Content = content
	m.SummaryID = model.MemoryID(parent.String)
	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(rawMeta), &m.Metadata); err != nil {
		return nil, goerr.Wrap(err, "failed to decode metadata", goerr.V("memory_id", id))
	}
	var vec []float32
	if err := json.Unmarshal([]byte(rawVec), &vec); err != nil {
		return nil, goerr.Wrap(err, "failed to decode embedding", goerr.V("memory_id", id))
	}
	m.Embedding = vec

	return &model.ScoredMemory{Memory: &m, Username: username}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
