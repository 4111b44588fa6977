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

	"tripot/internal/civiltime"
	logx "tripot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:"
	// databases alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", path))
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

func (s *sqliteStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *sqliteStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *sqliteStore) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx, readOnly: readOnly}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTx) write() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (User, error) {
	var (
		u       User
		created string
	)
	err := t.tx.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (t *sqliteTx) PutUser(ctx context.Context, u User) error {
	if err := t.write(); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO users(id, display_name, created_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		u.ID, u.DisplayName, formatTime(u.CreatedAt))
	return err
}

const triggerCols = `id, user_id, hour, minute, enabled, origin, created_at`

func (t *sqliteTx) queryTriggers(ctx context.Context, q string, args ...any) ([]Trigger, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTrigger(r rowScanner) (Trigger, error) {
	var (
		tr      Trigger
		enabled int
		created string
	)
	if err := r.Scan(&tr.ID, &tr.UserID, &tr.At.Hour, &tr.At.Minute, &enabled, &tr.Origin, &created); err != nil {
		return Trigger{}, err
	}
	tr.Enabled = enabled != 0
	tr.CreatedAt = parseTime(created)
	return tr, nil
}

func (t *sqliteTx) ListTriggers(ctx context.Context, userID string) ([]Trigger, error) {
	return t.queryTriggers(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE user_id = ? ORDER BY hour, minute, id`, userID)
}

func (t *sqliteTx) ListEnabledTriggers(ctx context.Context) ([]Trigger, error) {
	return t.queryTriggers(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE enabled = 1 ORDER BY hour, minute, id`)
}

func (t *sqliteTx) GetTrigger(ctx context.Context, id int64) (Trigger, error) {
	tr, err := scanTrigger(t.tx.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Trigger{}, fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	return tr, err
}

func (t *sqliteTx) ReplaceTriggers(ctx context.Context, userID string, times []civiltime.TimeOfDay, origin string, now time.Time) ([]Trigger, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM triggers WHERE user_id = ?`, userID); err != nil {
		return nil, err
	}
	out := make([]Trigger, 0, len(times))
	for _, at := range times {
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO triggers(user_id, hour, minute, enabled, origin, created_at) VALUES(?,?,?,1,?,?)`,
			userID, at.Hour, at.Minute, origin, formatTime(now))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, Trigger{ID: id, UserID: userID, At: at, Enabled: true, Origin: origin, CreatedAt: now})
	}
	return out, nil
}

func (t *sqliteTx) SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := t.write(); err != nil {
		return err
	}
	v := 0
	if enabled {
		v = 1
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE triggers SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("trigger %d", id))
}

func (t *sqliteTx) DeleteTrigger(ctx context.Context, id int64) error {
	if err := t.write(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("trigger %d", id))
}

func (t *sqliteTx) DeleteTriggers(ctx context.Context, userID string) (int, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM triggers WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqliteTx) GetCalendar(ctx context.Context, userID string) (Calendar, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT date, events, marked, dot_color FROM calendar_days WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cal := Calendar{}
	for rows.Next() {
		var (
			date, events string
			marked       int
			day          Day
		)
		if err := rows.Scan(&date, &events, &marked, &day.DotColor); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &day.Events); err != nil {
			return nil, fmt.Errorf("calendar %s/%s: %w", userID, date, err)
		}
		day.Marked = marked != 0
		cal[date] = day
	}
	return cal, rows.Err()
}

func (t *sqliteTx) PutCalendarDay(ctx context.Context, userID, date string, day Day) error {
	if err := t.write(); err != nil {
		return err
	}
	events, err := json.Marshal(day.Events)
	if err != nil {
		return err
	}
	marked := 0
	if day.Marked {
		marked = 1
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO calendar_days(user_id, date, events, marked, dot_color) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, date) DO UPDATE SET events = excluded.events, marked = excluded.marked, dot_color = excluded.dot_color`,
		userID, date, string(events), marked, day.DotColor)
	return err
}

func (t *sqliteTx) DeleteCalendarDay(ctx context.Context, userID, date string) error {
	if err := t.write(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM calendar_days WHERE user_id = ? AND date = ?`, userID, date)
	return err
}

func (t *sqliteTx) GetLedger(ctx context.Context, userID, resource string) (LedgerRow, error) {
	var mod, by, checked sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT last_modified, last_modified_by, last_checked FROM ledger WHERE user_id = ? AND resource = ?`,
		userID, resource).Scan(&mod, &by, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerRow{}, nil
	}
	if err != nil {
		return LedgerRow{}, err
	}
	return LedgerRow{
		LastModified:   parseTime(mod.String),
		LastModifiedBy: by.String,
		LastChecked:    parseTime(checked.String),
	}, nil
}

func (t *sqliteTx) PutLedger(ctx context.Context, userID, resource string, row LedgerRow) error {
	if err := t.write(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger(user_id, resource, last_modified, last_modified_by, last_checked) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, resource) DO UPDATE SET
		   last_modified = excluded.last_modified,
		   last_modified_by = excluded.last_modified_by,
		   last_checked = excluded.last_checked`,
		userID, resource, nullTime(row.LastModified), nullStr(row.LastModifiedBy), nullTime(row.LastChecked))
	return err
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
