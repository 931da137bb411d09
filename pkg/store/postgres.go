package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	namespace   TEXT,
	thread_id   TEXT,
	content     TEXT NOT NULL,
	tier        TEXT,
	score       INTEGER NOT NULL DEFAULT 50,
	metadata    JSONB,
	summarized  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_thread ON memories (user_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_memories_user_tier ON memories (user_id, tier);
CREATE INDEX IF NOT EXISTS idx_memories_metadata ON memories USING GIN (metadata jsonb_path_ops);

CREATE TABLE IF NOT EXISTS memory_clusters (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	topic         TEXT NOT NULL,
	category      TEXT NOT NULL,
	member_ids    JSONB NOT NULL,
	summary       TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_built_at TIMESTAMPTZ,
	UNIQUE (user_id, topic, category)
);
`

// PostgresStore is an indexed-profile Store backed by PostgreSQL. Metadata
// containment is pushed down to JSONB @> so the backend answers it in one
// query; the cluster uniqueness constraint serializes concurrent upserts.
type PostgresStore struct {
	pool        *pgxpool.Pool
	containment ContainmentFilter
	now         func() time.Time
}

// NewPostgresStore connects to dsn, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: init postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, containment: NativeContainment, now: time.Now}, nil
}

// SetClock overrides the store clock. Test hook.
func (s *PostgresStore) SetClock(now func() time.Time) { s.now = now }

func (s *PostgresStore) Insert(ctx context.Context, m *memory.Memory) (string, error) {
	rec, err := prepareInsert(m, s.now().UTC())
	if err != nil {
		return "", err
	}
	meta, err := jsonbArg(rec.Metadata)
	if err != nil {
		return "", storeErr("insert", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, namespace, thread_id, content, tier, score, metadata, summarized, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.UserID, nullable(rec.Namespace), nullable(rec.ThreadID), rec.Content,
		nullable(rec.Tier), rec.Score, meta, rec.Summarized, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return "", storeErr("insert", err, rec.ID)
	}
	return rec.ID, nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*memory.Memory, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Namespace != "" {
		where = append(where, "namespace = "+arg(f.Namespace))
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = "+arg(f.ThreadID))
	}
	if f.ThreadIDs != nil {
		if len(f.ThreadIDs) == 0 {
			return nil, nil
		}
		where = append(where, "thread_id = ANY("+arg(f.ThreadIDs)+")")
	}
	if f.Tier != "" {
		where = append(where, "tier = "+arg(f.Tier))
	}
	if f.Summarized != nil {
		where = append(where, "summarized = "+arg(*f.Summarized))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore.UTC()))
	}
	if len(f.Metadata) > 0 && s.containment.Native() {
		meta, err := jsonbArg(f.Metadata)
		if err != nil {
			return nil, storeErr("query", err)
		}
		where = append(where, "metadata @> "+arg(meta)+"::jsonb")
	}

	query := `SELECT id, user_id, namespace, thread_id, content, tier, score, metadata, summarized, created_at, updated_at FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 && s.containment.Native() {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		rec, err := scanPostgresMemory(rows)
		if err != nil {
			return nil, storeErr("query", err)
		}
		if !s.containment.Native() && len(f.Metadata) > 0 && !s.containment.Match(rec.Metadata, f.Metadata) {
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

func (s *PostgresStore) UpdateTier(ctx context.Context, ids []string, newTier string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET tier = $1, updated_at = $2 WHERE id = ANY($3)`,
		newTier, s.now().UTC(), ids)
	if err != nil {
		return 0, storeErr("update_tier", err, ids...)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET content = $1, summarized = $2, updated_at = $3 WHERE id = $4`,
		content, summarized, s.now().UTC(), id)
	if err != nil {
		return 0, storeErr("update_content", err, id)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkSummarized(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET summarized = TRUE, updated_at = $1 WHERE id = ANY($2)`,
		s.now().UTC(), ids)
	if err != nil {
		return 0, storeErr("mark_summarized", err, ids...)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpsertCluster(ctx context.Context, c *memory.Cluster) (string, error) {
	members, err := json.Marshal(c.MemberIDs)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	now := s.now().UTC()

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO memory_clusters (id, user_id, topic, category, member_ids, summary, created_at, updated_at, last_built_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $7, $7)
		 ON CONFLICT (user_id, topic, category) DO UPDATE SET
			member_ids = EXCLUDED.member_ids,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at,
			last_built_at = EXCLUDED.last_built_at
		 RETURNING id`,
		newID(), c.UserID, c.Topic, c.Category, string(members), c.Summary, now).Scan(&id)
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteCluster(ctx context.Context, id string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_clusters WHERE id = $1`, id)
	if err != nil {
		return 0, storeErr("delete_cluster", err, id)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, userID string) ([]*memory.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, topic, category, member_ids, COALESCE(summary, ''), created_at, updated_at, last_built_at
		 FROM memory_clusters WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, storeErr("list_clusters", err)
	}
	defer rows.Close()

	var out []*memory.Cluster
	for rows.Next() {
		var (
			c       memory.Cluster
			members []byte
			built   *time.Time
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Topic, &c.Category, &members, &c.Summary, &c.CreatedAt, &c.UpdatedAt, &built); err != nil {
			return nil, storeErr("list_clusters", err)
		}
		if err := json.Unmarshal(members, &c.MemberIDs); err != nil {
			return nil, storeErr("list_clusters", err, c.ID)
		}
		if built != nil {
			c.LastBuiltAt = *built
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_clusters", err)
	}
	return out, nil
}

func (s *PostgresStore) DistinctThreads(ctx context.Context, userID, tier string) ([]string, error) {
	var (
		where = []string{"thread_id IS NOT NULL", "thread_id <> ''"}
		args  []any
	)
	if userID != "" {
		args = append(args, userID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if tier != "" {
		args = append(args, tier)
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	query := `SELECT DISTINCT thread_id FROM memories WHERE ` + strings.Join(where, " AND ") + ` ORDER BY thread_id`
	return s.queryStrings(ctx, "distinct_threads", query, args...)
}

// ThreadsSharingTopic matches with containment, like the fallback
// backends: a scalar topic by equality, a topic list by membership.
func (s *PostgresStore) ThreadsSharingTopic(ctx context.Context, userID, topic string) ([]string, error) {
	return s.queryStrings(ctx, "threads_sharing_topic",
		`SELECT DISTINCT thread_id FROM memories
		 WHERE user_id = $1 AND thread_id IS NOT NULL AND thread_id <> '' AND metadata->'topic' @> to_jsonb($2::text)
		 ORDER BY thread_id`, userID, topic)
}

func (s *PostgresStore) DistinctUsers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "distinct_users",
		`SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
}

func (s *PostgresStore) CountByTier(ctx context.Context, userID string) (map[string]int, error) {
	query := `SELECT COALESCE(tier, ''), COUNT(*) FROM memories`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` GROUP BY tier`

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// truncateForTest empties both tables. Test hook.
func (s *PostgresStore) truncateForTest(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE memories, memory_clusters`)
	return err
}

func (s *PostgresStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanPostgresMemory(rows pgx.Rows) (*memory.Memory, error) {
	var (
		rec       memory.Memory
		namespace *string
		threadID  *string
		tier      *string
		meta      []byte
	)
	if err := rows.Scan(&rec.ID, &rec.UserID, &namespace, &threadID, &rec.Content, &tier,
		&rec.Score, &meta, &rec.Summarized, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if namespace != nil {
		rec.Namespace = *namespace
	}
	if threadID != nil {
		rec.ThreadID = *threadID
	}
	if tier != nil {
		rec.Tier = *tier
	}
	if len(meta) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(meta, &doc); err == nil {
			rec.Metadata = doc
		}
	}
	return &rec, nil
}

func jsonbArg(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
