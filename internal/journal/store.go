// Package journal keeps a local SQLite record of collector ticks and
// settlement attempts so operators can audit what this collector did.
// The ledger remains the source of truth; nothing here is consulted when
// deciding what to settle.
package journal

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Tick summarizes one collector cycle.
type Tick struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Scanned        int           `json:"scanned"`
	Due            int           `json:"due"`
	DecodeFailures int           `json:"decodeFailures"`
	Settled        int           `json:"settled"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	ScanError      string        `json:"scanError,omitempty"`
}

// Attempt is one settlement attempt.
type Attempt struct {
	ID           string        `json:"id"`
	TickID       string        `json:"tickId"`
	Subscription string        `json:"subscription"`
	Subscriber   string        `json:"subscriber"`
	Plan         string        `json:"plan"`
	Outcome      string        `json:"outcome"`
	Signature    string        `json:"signature,omitempty"`
	Amount       uint64        `json:"amount"`
	Reward       uint64        `json:"reward"`
	Cycle        uint32        `json:"cycle"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

// StoreConfig holds configuration for the journal store.
type StoreConfig struct {
	DBPath          string
	WriteBufferSize int           // attempts buffered before a batch write
	FlushInterval   time.Duration // max time between flushes
	Retention       time.Duration // how long rows are kept
}

// DefaultConfig returns defaults for a journal stored under dataDir.
func DefaultConfig(dataDir string) StoreConfig {
	return StoreConfig{
		DBPath:          filepath.Join(dataDir, "journal.db"),
		WriteBufferSize: 64,
		FlushInterval:   5 * time.Second,
		Retention:       30 * 24 * time.Hour,
	}
}

// NewID returns a sortable identifier for a tick or attempt.
func NewID() string {
	return ulid.Make().String()
}

// Store persists ticks and attempts.
type Store struct {
	db     *sql.DB
	config StoreConfig

	bufferMu sync.Mutex
	buffer   []Attempt

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStore opens (or creates) the journal database.
func NewStore(config StoreConfig) (*Store, error) {
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = 64
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := config.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		config: config,
		buffer: make([]Attempt, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	go s.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Dur("retention", config.Retention).
		Msg("Settlement journal initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ticks (
		id               TEXT PRIMARY KEY,
		started_at       INTEGER NOT NULL,
		duration_ms      INTEGER NOT NULL,
		scanned          INTEGER NOT NULL DEFAULT 0,
		due              INTEGER NOT NULL DEFAULT 0,
		decode_failures  INTEGER NOT NULL DEFAULT 0,
		settled          INTEGER NOT NULL DEFAULT 0,
		skipped          INTEGER NOT NULL DEFAULT 0,
		failed           INTEGER NOT NULL DEFAULT 0,
		scan_error       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ticks_started ON ticks(started_at);

	CREATE TABLE IF NOT EXISTS attempts (
		id            TEXT PRIMARY KEY,
		tick_id       TEXT NOT NULL,
		subscription  TEXT NOT NULL,
		subscriber    TEXT NOT NULL DEFAULT '',
		plan          TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL,
		signature     TEXT NOT NULL DEFAULT '',
		amount        TEXT NOT NULL DEFAULT '0',
		reward        TEXT NOT NULL DEFAULT '0',
		cycle         INTEGER NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		started_at    INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_subscription ON attempts(subscription, started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

// RecordAttempt buffers an attempt. It is written on the next flush.
func (s *Store) RecordAttempt(a Attempt) {
	if a.ID == "" {
		a.ID = NewID()
	}
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, a)
	full := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if full {
		if err := s.Flush(); err != nil {
			log.Error().Err(err).Msg("Failed to flush settlement journal")
		}
	}
}

// RecordTick writes a tick summary along with any buffered attempts.
func (s *Store) RecordTick(t Tick) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if err := s.Flush(); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO ticks (id, started_at, duration_ms, scanned, due, decode_failures, settled, skipped, failed, scan_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.StartedAt.UnixMilli(), t.Duration.Milliseconds(), t.Scanned, t.Due, t.DecodeFailures,
		t.Settled, t.Skipped, t.Failed, t.ScanError)
	if err != nil {
		return fmt.Errorf("record tick: %w", err)
	}
	return nil
}

// Flush writes buffered attempts.
func (s *Store) Flush() error {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	toWrite := make([]Attempt, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	return s.writeBatch(toWrite)
}

func (s *Store) writeBatch(attempts []Attempt) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO attempts
			(id, tick_id, subscription, subscriber, plan, outcome, signature, amount, reward, cycle, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		_, err := stmt.Exec(a.ID, a.TickID, a.Subscription, a.Subscriber, a.Plan, a.Outcome, a.Signature,
			strconv.FormatUint(a.Amount, 10), strconv.FormatUint(a.Reward, 10), a.Cycle, a.Error, a.StartedAt.UnixMilli(), a.Duration.Milliseconds())
		if err != nil {
			log.Warn().Err(err).
				Str("subscription", a.Subscription).
				Str("outcome", a.Outcome).
				Msg("Failed to insert settlement attempt")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal batch: %w", err)
	}
	log.Debug().Int("count", len(attempts)).Msg("Wrote settlement journal batch")
	return nil
}

// RecentTicks returns the latest ticks, newest first.
func (s *Store) RecentTicks(limit int) ([]Tick, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, duration_ms, scanned, due, decode_failures, settled, skipped, failed, scan_error
		FROM ticks ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []Tick
	for rows.Next() {
		var t Tick
		var started, dur int64
		if err := rows.Scan(&t.ID, &started, &dur, &t.Scanned, &t.Due, &t.DecodeFailures,
			&t.Settled, &t.Skipped, &t.Failed, &t.ScanError); err != nil {
			log.Warn().Err(err).Msg("Failed to scan tick row")
			continue
		}
		t.StartedAt = time.UnixMilli(started)
		t.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Attempts returns attempts, newest first. An empty subscription matches all.
func (s *Store) Attempts(subscription string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tick_id, subscription, subscriber, plan, outcome, signature, amount, reward, cycle, error, started_at, duration_ms
		FROM attempts`
	args := []interface{}{}
	if subscription != "" {
		query += ` WHERE subscription = ?`
		args = append(args, subscription)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var amount, reward string
		var started, dur int64
		if err := rows.Scan(&a.ID, &a.TickID, &a.Subscription, &a.Subscriber, &a.Plan, &a.Outcome, &a.Signature,
			&amount, &reward, &a.Cycle, &a.Error, &started, &dur); err != nil {
			log.Warn().Err(err).Msg("Failed to scan attempt row")
			continue
		}
		var err error
		if a.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			log.Warn().Err(err).Str("attempt", a.ID).Msg("Ignoring unreadable amount in attempt row")
		}
		if a.Reward, err = strconv.ParseUint(reward, 10, 64); err != nil {
			log.Warn().Err(err).Str("attempt", a.ID).Msg("Ignoring unreadable reward in attempt row")
		}
		a.StartedAt = time.UnixMilli(started)
		a.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// Summary counts attempts by outcome since the given time.
func (s *Store) Summary(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT outcome, COUNT(*) FROM attempts WHERE started_at >= ? GROUP BY outcome
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("summarize attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(time.Hour)
	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-flushTicker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to flush settlement journal")
			}
		case <-retentionTicker.C:
			s.runRetention(time.Now())
		}
	}
}

// runRetention deletes rows older than the configured retention.
func (s *Store) runRetention(now time.Time) {
	if s.config.Retention <= 0 {
		return
	}
	cutoff := now.Add(-s.config.Retention).UnixMilli()
	var removed int64
	for _, table := range []string{"attempts", "ticks"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE started_at < ?`, cutoff)
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to prune settlement journal")
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Pruned settlement journal")
	}
}

// Close flushes buffered attempts and closes the database.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		if ferr := s.Flush(); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to flush settlement journal on close")
		}
		err = s.db.Close()
	})
	return err
}
