package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autobc/internal/broadcast"
	logx "autobc/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the pool serializes statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- settings ----

func (s *sqliteStore) Settings(ctx context.Context, id broadcast.Identity) (broadcast.Settings, error) {
	var (
		intervalSec int64
		delaySec    float64
		enabled     int
		payload     sql.NullString
		next        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT interval_seconds, delay_seconds, enabled, payload, next_run_at FROM settings WHERE owner_id = ?`,
		int64(id),
	).Scan(&intervalSec, &delaySec, &enabled, &payload, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Settings{}, broadcast.ErrNoSettings
	}
	if err != nil {
		return broadcast.Settings{}, err
	}

	st := broadcast.Settings{
		Interval:  time.Duration(intervalSec) * time.Second,
		Delay:     time.Duration(delaySec * float64(time.Second)),
		Enabled:   enabled != 0,
		NextRunAt: next,
	}
	if payload.Valid && payload.String != "" {
		var p broadcast.Payload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return broadcast.Settings{}, fmt.Errorf("decode payload: %w", err)
		}
		st.Payload = &p
	}
	return st, nil
}

func (s *sqliteStore) EnsureSettings(ctx context.Context, id broadcast.Identity, def Defaults) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(owner_id, interval_seconds, delay_seconds, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id) DO NOTHING`,
		int64(id), int64(def.Interval/time.Second), def.Delay.Seconds(), time.Now().Unix(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) SetPayload(ctx context.Context, id broadcast.Identity, p broadcast.Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return s.updateSettings(ctx, `UPDATE settings SET payload = ?, updated_at = ? WHERE owner_id = ?`,
		string(b), time.Now().Unix(), int64(id))
}

func (s *sqliteStore) SetInterval(ctx context.Context, id broadcast.Identity, d time.Duration, now time.Time) error {
	return s.updateSettings(ctx,
		`UPDATE settings SET interval_seconds = ?,
		        next_run_at = CASE WHEN enabled = 1 THEN ? ELSE 0 END,
		        updated_at = ?
		  WHERE owner_id = ?`,
		int64(d/time.Second), now.Add(d).Unix(), now.Unix(), int64(id))
}

func (s *sqliteStore) SetDelay(ctx context.Context, id broadcast.Identity, d time.Duration) error {
	return s.updateSettings(ctx, `UPDATE settings SET delay_seconds = ?, updated_at = ? WHERE owner_id = ?`,
		d.Seconds(), time.Now().Unix(), int64(id))
}

func (s *sqliteStore) Enable(ctx context.Context, id broadcast.Identity, nextRunAt int64) error {
	return s.updateSettings(ctx, `UPDATE settings SET enabled = 1, next_run_at = ?, updated_at = ? WHERE owner_id = ?`,
		nextRunAt, time.Now().Unix(), int64(id))
}

func (s *sqliteStore) Disable(ctx context.Context, id broadcast.Identity) error {
	return s.updateSettings(ctx, `UPDATE settings SET enabled = 0, next_run_at = 0, updated_at = ? WHERE owner_id = ?`,
		time.Now().Unix(), int64(id))
}

// SetNextRunAt only writes while enabled so a concurrent Disable is never
// undone by a finishing cycle.
func (s *sqliteStore) SetNextRunAt(ctx context.Context, id broadcast.Identity, unix int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET next_run_at = ? WHERE owner_id = ? AND enabled = 1`,
		unix, int64(id))
	return err
}

func (s *sqliteStore) updateSettings(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return broadcast.ErrNoSettings
	}
	return nil
}

// ---- whitelist ----

func (s *sqliteStore) Whitelist(ctx context.Context, id broadcast.Identity) ([]broadcast.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, thread_key, title FROM whitelist WHERE owner_id = ? ORDER BY id`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Destination
	for rows.Next() {
		var d broadcast.Destination
		var key int64
		if err := rows.Scan(&d.ChatID, &key, &d.Title); err != nil {
			return nil, err
		}
		d.Thread = broadcast.ThreadKey(key)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddDestination(ctx context.Context, id broadcast.Identity, dest broadcast.Destination) (bool, error) {
	key := normalizeKey(dest.Thread)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist(owner_id, chat_id, thread_key, title, added_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(owner_id, chat_id, thread_key) DO NOTHING`,
		int64(id), dest.ChatID, int64(key), dest.Title, time.Now().Unix())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE whitelist SET title = ? WHERE owner_id = ? AND chat_id = ? AND thread_key = ?`,
		dest.Title, int64(id), dest.ChatID, int64(key))
	return false, err
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, id broadcast.Identity, chatID int64, key broadcast.ThreadKey) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM whitelist WHERE owner_id = ? AND chat_id = ? AND thread_key = ?`,
		int64(id), chatID, int64(normalizeKey(key)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) EvictDestination(ctx context.Context, id broadcast.Identity, chatID int64, key broadcast.ThreadKey) (int64, error) {
	return s.RemoveDestination(ctx, id, chatID, key)
}

// ---- blacklist ----

func (s *sqliteStore) Blacklist(ctx context.Context, id broadcast.Identity) (broadcast.Exclusions, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM blacklist WHERE owner_id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := broadcast.Exclusions{}
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		out[chatID] = struct{}{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) Exclusions(ctx context.Context, id broadcast.Identity) ([]Exclusion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, added_at FROM blacklist WHERE owner_id = ? ORDER BY added_at, chat_id`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var ex Exclusion
		var at int64
		if err := rows.Scan(&ex.ChatID, &ex.Title, &at); err != nil {
			return nil, err
		}
		ex.AddedAt = time.Unix(at, 0)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddExclusion(ctx context.Context, id broadcast.Identity, ex Exclusion) (bool, error) {
	at := ex.AddedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist(owner_id, chat_id, title, added_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id, chat_id) DO NOTHING`,
		int64(id), ex.ChatID, ex.Title, at.Unix())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) RemoveExclusion(ctx context.Context, id broadcast.Identity, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE owner_id = ? AND chat_id = ?`, int64(id), chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- stats + audit ----

func (s *sqliteStore) Stats(ctx context.Context, id broadcast.Identity) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM whitelist WHERE owner_id = ?),
		        (SELECT COUNT(*) FROM blacklist WHERE owner_id = ?),
		        (SELECT COUNT(*) FROM audit)`,
		int64(id), int64(id),
	).Scan(&st.Destinations, &st.Exclusions, &st.AuditRows)
	return st, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// normalizeKey folds every "no thread" spelling into NoThread so the unique
// index sees one key.
func normalizeKey(k broadcast.ThreadKey) broadcast.ThreadKey {
	if k <= 0 {
		return broadcast.NoThread
	}
	return k
}
