package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	namespace   TEXT,
	thread_id   TEXT,
	content     TEXT NOT NULL,
	tier        TEXT,
	score       INTEGER NOT NULL DEFAULT 50,
	metadata    TEXT,
	summarized  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_thread ON memories(user_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_memories_user_tier ON memories(user_id, tier);

CREATE TABLE IF NOT EXISTS memory_clusters (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	topic         TEXT NOT NULL,
	category      TEXT NOT NULL,
	member_ids    TEXT NOT NULL,
	summary       TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	last_built_at TEXT,
	UNIQUE (user_id, topic, category)
);
`

// SQLiteStore is a fallback-profile Store backed by SQLite. SQLite has no
// structured-document index, so metadata containment runs in process over
// the SQL-filtered candidate set.
type SQLiteStore struct {
	db          *sql.DB
	containment ContainmentFilter
	now         func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives
// an ephemeral store.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, containment: ProcessContainment, now: time.Now}, nil
}

// SetClock overrides the store clock. Test hook.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Insert(ctx context.Context, m *memory.Memory) (string, error) {
	rec, err := prepareInsert(m, s.now().UTC())
	if err != nil {
		return "", err
	}
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return "", storeErr("insert", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, namespace, thread_id, content, tier, score, metadata, summarized, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Namespace, rec.ThreadID, rec.Content, rec.Tier, rec.Score,
		meta, boolToInt(rec.Summarized), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return "", storeErr("insert", err, rec.ID)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*memory.Memory, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.ThreadIDs != nil {
		if len(f.ThreadIDs) == 0 {
			return nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.ThreadIDs)), ",")
		where = append(where, fmt.Sprintf("thread_id IN (%s)", placeholders))
		for _, th := range f.ThreadIDs {
			args = append(args, th)
		}
	}
	if f.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, f.Tier)
	}
	if f.Summarized != nil {
		where = append(where, "summarized = ?")
		args = append(args, boolToInt(*f.Summarized))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore.UTC()))
	}

	query := `SELECT id, user_id, namespace, thread_id, content, tier, score, metadata, summarized, created_at, updated_at FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		rec, err := scanSQLiteMemory(rows)
		if err != nil {
			return nil, storeErr("query", err)
		}
		// Containment is emulated in process; the SQL filter above only
		// narrows the candidate set.
		if len(f.Metadata) > 0 && !s.containment.Match(rec.Metadata, f.Metadata) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateTier(ctx context.Context, ids []string, newTier string) (int, error) {
	return s.updateByIDs(ctx, "update_tier", ids,
		"UPDATE memories SET tier = ?, updated_at = ? WHERE id IN (%s)",
		newTier, formatTime(s.now().UTC()))
}

func (s *SQLiteStore) UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, summarized = ?, updated_at = ? WHERE id = ?`,
		content, boolToInt(summarized), formatTime(s.now().UTC()), id)
	if err != nil {
		return 0, storeErr("update_content", err, id)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkSummarized(ctx context.Context, ids []string) (int, error) {
	return s.updateByIDs(ctx, "mark_summarized", ids,
		"UPDATE memories SET summarized = 1, updated_at = ? WHERE id IN (%s)",
		formatTime(s.now().UTC()))
}

func (s *SQLiteStore) updateByIDs(ctx context.Context, op string, ids []string, queryFmt string, fixedArgs ...any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{}, fixedArgs...)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(queryFmt, placeholders), args...)
	if err != nil {
		return 0, storeErr(op, err, ids...)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) UpsertCluster(ctx context.Context, c *memory.Cluster) (string, error) {
	members, err := json.Marshal(c.MemberIDs)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	now := formatTime(s.now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	defer tx.Rollback()

	// Upsert keyed on the uniqueness constraint; a conflicting row keeps
	// its original id and created_at.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_clusters (id, user_id, topic, category, member_ids, summary, created_at, updated_at, last_built_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, topic, category) DO UPDATE SET
			member_ids = excluded.member_ids,
			summary = excluded.summary,
			updated_at = excluded.updated_at,
			last_built_at = excluded.last_built_at`,
		newID(), c.UserID, c.Topic, c.Category, string(members), c.Summary, now, now, now)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM memory_clusters WHERE user_id = ? AND topic = ? AND category = ?`,
		c.UserID, c.Topic, c.Category).Scan(&id)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	return id, nil
}

func (s *SQLiteStore) DeleteCluster(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_clusters WHERE id = ?`, id)
	if err != nil {
		return 0, storeErr("delete_cluster", err, id)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListClusters(ctx context.Context, userID string) ([]*memory.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, topic, category, member_ids, summary, created_at, updated_at, last_built_at
		 FROM memory_clusters WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, storeErr("list_clusters", err)
	}
	defer rows.Close()

	var out []*memory.Cluster
	for rows.Next() {
		var (
			c       memory.Cluster
			members string
			summary sql.NullString
			created string
			updated string
			built   sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Topic, &c.Category, &members, &summary, &created, &updated, &built); err != nil {
			return nil, storeErr("list_clusters", err)
		}
		if err := json.Unmarshal([]byte(members), &c.MemberIDs); err != nil {
			return nil, storeErr("list_clusters", err, c.ID)
		}
		c.Summary = summary.String
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		if built.Valid {
			c.LastBuiltAt = parseTime(built.String)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_clusters", err)
	}
	return out, nil
}

func (s *SQLiteStore) DistinctThreads(ctx context.Context, userID, tier string) ([]string, error) {
	query := `SELECT DISTINCT thread_id FROM memories WHERE thread_id <> ''`
	var args []any
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if tier != "" {
		query += " AND tier = ?"
		args = append(args, tier)
	}
	query += " ORDER BY thread_id"
	return s.queryStrings(ctx, "distinct_threads", query, args...)
}

func (s *SQLiteStore) ThreadsSharingTopic(ctx context.Context, userID, topic string) ([]string, error) {
	// No native document index: fetch the user's thread/metadata pairs and
	// filter in process.
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT thread_id, metadata FROM memories WHERE user_id = ? AND thread_id <> '' AND metadata IS NOT NULL`,
		userID)
	if err != nil {
		return nil, storeErr("threads_sharing_topic", err)
	}
	defer rows.Close()

	want := map[string]any{"topic": topic}
	seen := make(map[string]struct{})
	for rows.Next() {
		var threadID string
		var meta sql.NullString
		if err := rows.Scan(&threadID, &meta); err != nil {
			return nil, storeErr("threads_sharing_topic", err)
		}
		doc := unmarshalMetadata(meta)
		if s.containment.Match(doc, want) {
			seen[threadID] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("threads_sharing_topic", err)
	}
	return sortedKeys(seen), nil
}

func (s *SQLiteStore) DistinctUsers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "distinct_users",
		`SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
}

func (s *SQLiteStore) CountByTier(ctx context.Context, userID string) (map[string]int, error) {
	query := `SELECT COALESCE(tier, ''), COUNT(*) FROM memories`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " GROUP BY tier"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("count_by_tier", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, storeErr("count_by_tier", err)
		}
		counts[tier] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMemory(row rowScanner) (*memory.Memory, error) {
	var (
		rec       memory.Memory
		namespace sql.NullString
		threadID  sql.NullString
		tier      sql.NullString
		meta      sql.NullString
		summed    int
		created   string
		updated   string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &namespace, &threadID, &rec.Content, &tier,
		&rec.Score, &meta, &summed, &created, &updated); err != nil {
		return nil, err
	}
	rec.Namespace = namespace.String
	rec.ThreadID = threadID.String
	rec.Tier = tier.String
	rec.Metadata = unmarshalMetadata(meta)
	rec.Summarized = summed != 0
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func marshalMetadata(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMetadata(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
		return nil
	}
	return doc
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteTimeLayout keeps trailing zeros so stored timestamps order
// lexicographically, which ORDER BY and the < cutoff comparison rely on.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
