// Package postgres is the durable Store backend: a transactional relational
// store with JSON columns, accessed through a pgx/v5 connection pool. Conditional
// writes use ON CONFLICT DO NOTHING so races surface as row counts rather than
// errors, matching the insert-if-absent semantics memstore implements in memory.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// Store is a Postgres-backed implementation of store.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config configures connection-pool sizing; zero values take pgxpool's own defaults.
type Config struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open parses cfg.URL, applies pool-sizing overrides, and verifies connectivity
// with a ping before returning, so a bad DATABASE_URL fails at startup instead of
// on the first request.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) FindAlias(ctx context.Context, kind model.AliasKind, value string) (string, bool, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM aliases WHERE kind = $1 AND value = $2`, string(kind), value).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *Store) InsertUserIfAbsent(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO users (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LinkAliasIfAbsent inserts the alias if it doesn't already exist. If it exists
// and belongs to a different user, that is store.ErrConflict — the caller logs and
// moves on rather than treating it as a resolution failure.
func (s *Store) LinkAliasIfAbsent(ctx context.Context, kind model.AliasKind, value string, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO aliases (kind, value, user_id) VALUES ($1, $2, $3) ON CONFLICT (kind, value) DO NOTHING`,
		string(kind), value, userID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	existing, found, err := s.FindAlias(ctx, kind, value)
	if err != nil {
		return false, err
	}
	if found && existing != userID {
		return false, store.ErrConflict
	}
	return false, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev model.Event) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (user_id, ts, name, props) VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.UserID, ev.Timestamp, ev.Name, nullableJSON(ev.Props)).Scan(&id)
	return id, err
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *Store) EventNames(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT name FROM events WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) CountInWindow(ctx context.Context, q store.EventWindowQuery) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM events WHERE user_id = $1 AND name = $2 AND ts >= $3`,
		q.UserID, q.Name, q.Since).Scan(&count)
	return count, err
}

func (s *Store) UniqueDaysInWindow(ctx context.Context, q store.EventWindowQuery) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(DISTINCT date_trunc('day', ts AT TIME ZONE 'UTC'))
		 FROM events WHERE user_id = $1 AND name = $2 AND ts >= $3`,
		q.UserID, q.Name, q.Since).Scan(&count)
	return count, err
}

func (s *Store) FirstSeen(ctx context.Context, userID, name string) (time.Time, bool, error) {
	return s.minMaxSeen(ctx, userID, name, "MIN")
}

func (s *Store) LastSeen(ctx context.Context, userID, name string) (time.Time, bool, error) {
	return s.minMaxSeen(ctx, userID, name, "MAX")
}

func (s *Store) minMaxSeen(ctx context.Context, userID, name, agg string) (time.Time, bool, error) {
	var ts *time.Time
	query := `SELECT ` + agg + `(ts) FROM events WHERE user_id = $1 AND name = $2`
	if err := s.pool.QueryRow(ctx, query, userID, name).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func (s *Store) LastSeenAny(ctx context.Context, userID string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(ts) FROM events WHERE user_id = $1`, userID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func (s *Store) PutTraitDefinition(ctx context.Context, def model.TraitDefinition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trait_definitions (key, expression, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET expression = EXCLUDED.expression, updated_at = EXCLUDED.updated_at`,
		def.Key, def.Expression, def.UpdatedAt)
	return err
}

func (s *Store) GetTraitDefinition(ctx context.Context, key string) (model.TraitDefinition, bool, error) {
	var d model.TraitDefinition
	d.Key = key
	err := s.pool.QueryRow(ctx, `SELECT expression, updated_at FROM trait_definitions WHERE key = $1`, key).
		Scan(&d.Expression, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TraitDefinition{}, false, nil
	}
	return d, err == nil, err
}

func (s *Store) ListTraitDefinitions(ctx context.Context) ([]model.TraitDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, expression, updated_at FROM trait_definitions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TraitDefinition
	for rows.Next() {
		var d model.TraitDefinition
		if err := rows.Scan(&d.Key, &d.Expression, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTraitDefinition cascades to user_traits for that key in one transaction.
func (s *Store) DeleteTraitDefinition(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM trait_definitions WHERE key = $1`, key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM user_traits WHERE key = $1`, key)
		return err
	})
}

func (s *Store) PutSegmentDefinition(ctx context.Context, def model.SegmentDefinition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO segment_definitions (key, rule, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET rule = EXCLUDED.rule, updated_at = EXCLUDED.updated_at`,
		def.Key, def.Rule, def.UpdatedAt)
	return err
}

func (s *Store) GetSegmentDefinition(ctx context.Context, key string) (model.SegmentDefinition, bool, error) {
	var d model.SegmentDefinition
	d.Key = key
	err := s.pool.QueryRow(ctx, `SELECT rule, updated_at FROM segment_definitions WHERE key = $1`, key).
		Scan(&d.Rule, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SegmentDefinition{}, false, nil
	}
	return d, err == nil, err
}

func (s *Store) ListSegmentDefinitions(ctx context.Context) ([]model.SegmentDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, rule, updated_at FROM segment_definitions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SegmentDefinition
	for rows.Next() {
		var d model.SegmentDefinition
		if err := rows.Scan(&d.Key, &d.Rule, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSegmentDefinition(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM segment_definitions WHERE key = $1`, key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM user_segments WHERE key = $1`, key)
		return err
	})
}

// flagNotifyChannel is the Postgres NOTIFY channel other tinycdpd instances'
// internal/store/pgnotify listeners subscribe to, so a flag rule edit on one
// instance invalidates the Decision Engine cache on every instance sharing this
// database rather than only the one that served the admin request.
const flagNotifyChannel = "tinycdp_flag_defs"

func (s *Store) PutFlagDefinition(ctx context.Context, def model.FlagDefinition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO flag_definitions (key, rule) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET rule = EXCLUDED.rule`,
		def.Key, def.Rule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, flagNotifyChannel, def.Key)
	return err
}

func (s *Store) GetFlagDefinition(ctx context.Context, key string) (model.FlagDefinition, bool, error) {
	var d model.FlagDefinition
	d.Key = key
	err := s.pool.QueryRow(ctx, `SELECT rule FROM flag_definitions WHERE key = $1`, key).Scan(&d.Rule)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FlagDefinition{}, false, nil
	}
	return d, err == nil, err
}

func (s *Store) ListFlagDefinitions(ctx context.Context) ([]model.FlagDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, rule FROM flag_definitions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FlagDefinition
	for rows.Next() {
		var d model.FlagDefinition
		if err := rows.Scan(&d.Key, &d.Rule); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFlagDefinition(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM flag_definitions WHERE key = $1`, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, flagNotifyChannel, key)
	return err
}

func (s *Store) GetUserTraits(ctx context.Context, userID string) (map[string]model.UserTrait, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, updated_at FROM user_traits WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]model.UserTrait{}
	for rows.Next() {
		var t model.UserTrait
		t.UserID = userID
		if err := rows.Scan(&t.Key, &t.Value, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out[t.Key] = t
	}
	return out, rows.Err()
}

func (s *Store) GetUserSegment(ctx context.Context, userID, key string) (model.UserSegment, bool, error) {
	var seg model.UserSegment
	seg.UserID, seg.Key = userID, key
	err := s.pool.QueryRow(ctx,
		`SELECT in_segment, since, updated_at FROM user_segments WHERE user_id = $1 AND key = $2`,
		userID, key).Scan(&seg.InSegment, &seg.Since, &seg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserSegment{}, false, nil
	}
	return seg, err == nil, err
}

func (s *Store) GetUserSegments(ctx context.Context, userID string) (map[string]model.UserSegment, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, in_segment, since, updated_at FROM user_segments WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]model.UserSegment{}
	for rows.Next() {
		var seg model.UserSegment
		seg.UserID = userID
		if err := rows.Scan(&seg.Key, &seg.InSegment, &seg.Since, &seg.UpdatedAt); err != nil {
			return nil, err
		}
		out[seg.Key] = seg
	}
	return out, rows.Err()
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (model.APIKey, bool, error) {
	var k model.APIKey
	k.HashOfKey = hash
	err := s.pool.QueryRow(ctx, `SELECT id, kind FROM api_keys WHERE hash_of_key = $1`, hash).Scan(&k.ID, &k.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APIKey{}, false, nil
	}
	return k, err == nil, err
}

// inTx runs fn inside a pgx transaction, rolling back on any error or panic.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithTx satisfies store.Store: every batched trait/segment upsert for one userID
// runs inside a single Postgres transaction, which is what makes last-committer-wins
// recomputation safe — readers never observe a partial batch.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.inTx(ctx, func(pgTx pgx.Tx) error {
		return fn(&tx{tx: pgTx})
	})
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) UpsertUserTrait(ctx context.Context, ut model.UserTrait) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_traits (user_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		ut.UserID, ut.Key, nullableJSON(ut.Value), ut.UpdatedAt)
	return err
}

func (t *tx) UpsertUserSegment(ctx context.Context, us model.UserSegment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_segments (user_id, key, in_segment, since, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, key) DO UPDATE SET in_segment = EXCLUDED.in_segment, since = EXCLUDED.since, updated_at = EXCLUDED.updated_at`,
		us.UserID, us.Key, us.InSegment, us.Since, us.UpdatedAt)
	return err
}

var _ store.Store = (*Store)(nil)
