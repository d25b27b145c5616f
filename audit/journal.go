package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/security"
)

// schemaVersion is the journal schema recorded in schema_migrations.
const schemaVersion = 1

// writeTimeout bounds inserts made from bus deliveries.
const writeTimeout = 5 * time.Second

// Subscriber is the part of event.Bus the journal needs.
type Subscriber interface {
	Subscribe(h event.Handler, kinds ...event.Kind) func()
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(j *Journal) {
		if log != nil {
			j.log = log
		}
	}
}

// Journal stores security events in the security_events table.
type Journal struct {
	db  *sql.DB
	log *zap.Logger

	mutex       sync.Mutex
	unsubscribe []func()
}

// Open opens or creates the journal database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit journal: %w", err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, log: pkg.Logger(pkg.ComponentAudit)}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	j.log.Debug("audit journal opened", zap.String("path", path))
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrating audit journal: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if version.Int64 >= schemaVersion {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			description TEXT NOT NULL,
			level INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating security_events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`); err != nil {
		return fmt.Errorf("creating security_events index: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().Unix()); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// Attach records every SecurityEventOccurred published on s until Close.
func (j *Journal) Attach(s Subscriber) {
	unsub := s.Subscribe(j.handle, event.SecurityEventOccurred)
	j.mutex.Lock()
	j.unsubscribe = append(j.unsubscribe, unsub)
	j.mutex.Unlock()
}

func (j *Journal) handle(ev event.Event) {
	se, ok := ev.Payload.(security.Event)
	if !ok {
		j.log.Warn("unexpected security event payload",
			zap.String("id", ev.ID), zap.String("type", fmt.Sprintf("%T", ev.Payload)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Record(ctx, se); err != nil {
		j.log.Error("recording security event", zap.String("id", se.ID), zap.Error(err))
	}
}

// Record inserts one event. Recording an ID twice keeps the first row.
func (j *Journal) Record(ctx context.Context, e security.Event) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO security_events (id, kind, ts, device_id, description, level)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type.String(), e.Time.UnixNano(), e.DeviceID, e.Description, int(e.Level))
	if err != nil {
		return fmt.Errorf("inserting security event %s: %w", e.ID, err)
	}
	return nil
}

// Query returns the events with start <= Time <= end, oldest first. Zero
// bounds are unbounded.
func (j *Journal) Query(ctx context.Context, start, end time.Time) ([]security.Event, error) {
	lower, upper := int64(math.MinInt64), int64(math.MaxInt64)
	if !start.IsZero() {
		lower = start.UnixNano()
	}
	if !end.IsZero() {
		upper = end.UnixNano()
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, ts, device_id, description, level
		FROM security_events
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts, rowid
	`, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var events []security.Event
	for rows.Next() {
		var (
			e     security.Event
			kind  string
			ts    int64
			level int
		)
		if err := rows.Scan(&e.ID, &kind, &ts, &e.DeviceID, &e.Description, &level); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.Type, err = security.ParseEventType(kind)
		if err != nil {
			return nil, errors.Join(pkg.ErrConfiguration, fmt.Errorf("security event %s: %w", e.ID, err))
		}
		e.Time = time.Unix(0, ts)
		e.Level = security.Level(level)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading security events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than before and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM security_events WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning security events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning security events: %w", err)
	}
	if n > 0 {
		j.log.Info("pruned security events", zap.Int64("count", n), zap.Time("before", before))
	}
	return n, nil
}

// Close detaches from every bus, waiting for queued events to be written,
// and closes the database.
func (j *Journal) Close() error {
	j.mutex.Lock()
	unsubs := j.unsubscribe
	j.unsubscribe = nil
	j.mutex.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	return j.db.Close()
}
