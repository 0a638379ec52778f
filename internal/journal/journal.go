package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"renung/pkg/interfaces"
	"renung/pkg/types"
)

// Journal is a SQLite backed event log. Reads go straight to the pool;
// every write is serialized through one goroutine.
type Journal struct {
	db     *sql.DB
	config *Config
	logger *log.Logger

	writeCh  chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	closed bool
	mu     sync.RWMutex
}

// writeOperation is a queued write. result is nil for fire-and-forget appends.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates the database file if needed, applies migrations and starts the writer.
func Open(cfg *Config, logger *log.Logger) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal configuration: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	ran, err := applyMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(ran) > 0 {
		logger.Info("journal migrations applied", "versions", ran)
	}

	j := &Journal{
		db:       db,
		config:   cfg,
		logger:   logger,
		writeCh:  make(chan writeOperation, cfg.QueueSize),
		shutdown: make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writeLoop()

	return j, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop runs every write in arrival order and retries a failed write once.
// On shutdown it drains whatever is still queued.
func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case op := <-j.writeCh:
			j.run(op)
		case <-j.shutdown:
			for {
				select {
				case op := <-j.writeCh:
					j.run(op)
				default:
					j.logger.Debug("journal write loop stopped")
					return
				}
			}
		}
	}
}

func (j *Journal) run(op writeOperation) {
	err := op.operation(j.db)
	if err != nil {
		j.logger.Warn("journal write failed, retrying", "err", err, "delay", j.config.RetryDelay)
		time.Sleep(j.config.RetryDelay)
		err = op.operation(j.db)
		if err != nil {
			j.logger.Error("journal write failed after retry", "err", err)
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

func (j *Journal) isClosed() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.closed
}

// executeWrite queues a write and waits for its result.
func (j *Journal) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	if j.isClosed() {
		return interfaces.ErrJournalClosed
	}

	result := make(chan error, 1)
	timeout := time.NewTimer(j.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case j.writeCh <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return fmt.Errorf("journal write queue timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-j.shutdown:
		return interfaces.ErrJournalClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func insertEvent(event *types.JournalEvent) func(*sql.DB) error {
	return func(db *sql.DB) error {
		var payload sql.NullString
		if len(event.Payload) > 0 {
			data, err := json.Marshal(event.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			payload = sql.NullString{String: string(data), Valid: true}
		}

		var cardID sql.NullInt64
		if event.CardID != nil {
			cardID = sql.NullInt64{Int64: int64(*event.CardID), Valid: true}
		}

		var playerID sql.NullString
		if event.PlayerID != "" {
			playerID = sql.NullString{String: event.PlayerID, Valid: true}
		}

		_, err := db.Exec(`
			INSERT INTO room_events (room_code, event, player_id, card_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.RoomCode, event.Kind, playerID, cardID, payload, event.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert room event: %w", err)
		}
		return nil
	}
}

func stamp(event *types.JournalEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
}

// Record writes event and waits until it is stored.
func (j *Journal) Record(ctx context.Context, event *types.JournalEvent) error {
	stamp(event)
	return j.executeWrite(ctx, insertEvent(event))
}

// Append queues event without waiting. It reports false when the journal is
// closed or the queue is full; the event is dropped in both cases.
func (j *Journal) Append(event *types.JournalEvent) bool {
	if j.isClosed() {
		return false
	}
	stamp(event)

	select {
	case j.writeCh <- writeOperation{operation: insertEvent(event)}:
		return true
	default:
		j.logger.Warn("journal queue full, event dropped", "room", event.RoomCode, "event", event.Kind)
		return false
	}
}

// RoomHistory returns every event of a room in insertion order.
func (j *Journal) RoomHistory(ctx context.Context, roomCode string) ([]*types.JournalEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, room_code, event, player_id, card_id, payload, created_at
		FROM room_events
		WHERE room_code = ?
		ORDER BY id ASC`, roomCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.JournalEvent
	for rows.Next() {
		var (
			ev       types.JournalEvent
			playerID sql.NullString
			cardID   sql.NullInt64
			payload  sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RoomCode, &ev.Kind, &playerID, &cardID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room event: %w", err)
		}
		ev.PlayerID = playerID.String
		if cardID.Valid {
			id := int(cardID.Int64)
			ev.CardID = &id
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Counts returns the number of stored events per kind.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT event, COUNT(*) FROM room_events GROUP BY event")
	if err != nil {
		return nil, fmt.Errorf("failed to count room events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// HealthCheck pings the database and reads from the event table.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.isClosed() {
		return interfaces.ErrJournalClosed
	}
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal ping failed: %w", err)
	}
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_events LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("journal read test failed: %w", err)
	}
	return nil
}

// Close flushes queued writes and closes the database. Safe to call twice.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.shutdown)
	j.wg.Wait()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
