package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/pushsession/internal/connection"
)

const insertEvent = `
	INSERT INTO session_events (event_id, session_id, from_state, to_state, attempt, close_code, reason, error, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (event_id) DO NOTHING
`

// BatchSender sends a batch of queued statements. Satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending bounds rows held while the database is unreachable,
	// including rows from failed inserts awaiting retry. The oldest rows are
	// dropped past it. Zero means 10 * BatchSize.
	MaxPending int
}

// DefaultConfig returns the default batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Metrics counts writer activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

type eventRow struct {
	EventID    uuid.UUID
	SessionID  uuid.UUID
	From       string
	To         string
	Attempt    int
	CloseCode  *int
	Reason     *string
	Err        *string
	OccurredAt time.Time
}

// Writer journals state transitions. It embeds NopObserver and only acts on
// StateChanged.
type Writer struct {
	connection.NopObserver

	cfg    Config
	logger *slog.Logger
	db     BatchSender

	batch   []eventRow
	batchMu sync.Mutex
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer that inserts through db.
func NewWriter(cfg Config, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("session journal started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the flush loop and writes whatever is still buffered. ctx bounds
// both the wait and the final insert.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping session journal")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("session journal stop timed out")
	}

	w.flush(ctx)
	w.logger.Info("session journal stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// Pending returns the number of buffered rows.
func (w *Writer) Pending() int {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return len(w.batch)
}

// StateChanged buffers the transition. It never blocks.
func (w *Writer) StateChanged(c connection.StateChange) {
	row := transform(c)

	w.batchMu.Lock()
	if len(w.batch) >= w.cfg.MaxPending {
		w.batch = w.batch[1:]
		w.metrics.Dropped++
	}
	w.batch = append(w.batch, row)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func transform(c connection.StateChange) eventRow {
	row := eventRow{
		EventID:    uuid.New(),
		SessionID:  c.Session,
		From:       c.From.String(),
		To:         c.To.String(),
		Attempt:    c.Attempt,
		OccurredAt: c.At.UTC(),
	}
	if c.Code != 0 {
		code := c.Code
		row.CloseCode = &code
	}
	if c.Reason != "" {
		reason := c.Reason
		row.Reason = &reason
	}
	if c.Err != "" {
		e := c.Err
		row.Err = &e
	}
	return row
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.kick:
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.requeue(batch)
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed session events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// requeue puts rows from a failed insert back ahead of anything buffered
// since, keeping at most MaxPending rows. Rows carry their event ID, so a
// retry of a partly applied batch only adds conflicts.
func (w *Writer) requeue(failed []eventRow) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.metrics.Errors++
	rows := append(failed, w.batch...)
	if over := len(rows) - w.cfg.MaxPending; over > 0 {
		rows = rows[over:]
		w.metrics.Dropped += int64(over)
		w.logger.Warn("session journal backlog full, dropping oldest events", "dropped", over)
	}
	w.batch = rows
}

func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.EventID, r.SessionID, r.From, r.To, r.Attempt, r.CloseCode, r.Reason, r.Err, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
