// Package recorder keeps the history of entity states.
//
// Every state_changed event becomes a row in the state_history table.
// Numeric states are also mirrored to a telemetry sink (InfluxDB) when one
// is configured. Rows older than the retention window are purged
// periodically.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/database"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

// Defaults applied to zero recorder settings.
const (
	DefaultKeepDays      = 10
	DefaultPurgeInterval = time.Hour

	queueSize      = 1024
	maxBatch       = 256
	commitInterval = time.Second
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// ErrNotRunning is returned by Flush when the writer is not running.
var ErrNotRunning = errors.New("recorder: not running")

// StateSink receives numeric states. *influxdb.Client implements it.
type StateSink interface {
	WriteState(entityID, domain string, value float64, at time.Time)
}

// row is one pending state_history insert. A nil state records a removal.
type row struct {
	entityID string
	state    *state.State
	ctx      core.Context
	at       time.Time
}

// Recorder writes state changes to SQLite.
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db       *database.DB
	bus      *core.Bus
	sink     StateSink
	logger   core.Logger
	clock    core.Clock
	keep     time.Duration
	interval time.Duration

	queue    chan row
	flushReq chan chan error

	mu      sync.Mutex
	unsub   func()
	cancel  context.CancelFunc
	done    chan struct{}
	dropped uint64
}

// New creates a recorder over db, which must already carry the
// state_history table. Zero settings in cfg take defaults.
func New(db *database.DB, bus *core.Bus, cfg config.RecorderConfig) *Recorder {
	keepDays := cfg.KeepDays
	if keepDays <= 0 {
		keepDays = DefaultKeepDays
	}
	interval := DefaultPurgeInterval
	if cfg.PurgeInterval > 0 {
		interval = time.Duration(cfg.PurgeInterval) * time.Minute
	}

	return &Recorder{
		db:       db,
		bus:      bus,
		logger:   core.NopLogger(),
		clock:    core.SystemClock{},
		keep:     time.Duration(keepDays) * 24 * time.Hour,
		interval: interval,
		queue:    make(chan row, queueSize),
		flushReq: make(chan chan error),
	}
}

// SetLogger sets the logger.
func (r *Recorder) SetLogger(logger core.Logger) {
	r.logger = logger
}

// SetSink mirrors numeric states to sink.
func (r *Recorder) SetSink(sink StateSink) {
	r.sink = sink
}

// SetClock replaces the clock used by the purge.
func (r *Recorder) SetClock(c core.Clock) {
	r.clock = c
}

// Start subscribes to state_changed and starts the writer and purge
// goroutines. They run until Stop or until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("recorder: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.unsub = r.bus.Listen(core.EventStateChanged, r.handleEvent)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.writeLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		r.purgeLoop(runCtx)
	}()
	done := r.done
	go func() {
		wg.Wait()
		close(done)
	}()

	r.logger.Info("recorder started", "keep", r.keep, "purge_interval", r.interval)
	return nil
}

// Stop unsubscribes, writes what is queued and waits for the goroutines,
// bounded by ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return nil
	}
	r.unsub()
	r.cancel()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush writes every queued row before returning. Events still waiting on
// the bus are not covered; flush the loop first.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}

	ack := make(chan error, 1)
	select {
	case r.flushReq <- ack:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports the database status.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// handleEvent runs on the dispatch goroutine and never blocks.
func (r *Recorder) handleEvent(ev core.Event) {
	entityID, _ := ev.Data["entity_id"].(string)
	newState, _ := ev.Data["new_state"].(*state.State)
	if entityID == "" {
		return
	}

	select {
	case r.queue <- row{entityID: entityID, state: newState, ctx: ev.Context, at: ev.TimeFired}:
	default:
		r.mu.Lock()
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		r.logger.Warn("recorder queue full, dropping state", "entity_id", entityID, "dropped_total", dropped)
	}

	if newState != nil && r.sink != nil {
		if v, ok := numeric(newState.State); ok {
			r.sink.WriteState(newState.EntityID, newState.Domain(), v, newState.LastUpdated)
		}
	}
}

func numeric(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (r *Recorder) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()

	batch := make([]row, 0, maxBatch)
	commit := func() error {
		if len(batch) == 0 {
			return nil
		}
		// Rows are written even while shutting down.
		err := r.insert(context.WithoutCancel(ctx), batch)
		if err != nil {
			r.logger.Error("failed to write state history", "rows", len(batch), "error", err)
		}
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case rw := <-r.queue:
				batch = append(batch, rw)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			commit() //nolint:errcheck // Logged in commit
			return
		case rw := <-r.queue:
			batch = append(batch, rw)
			if len(batch) >= maxBatch {
				commit() //nolint:errcheck // Logged in commit
			}
		case <-ticker.C:
			commit() //nolint:errcheck // Logged in commit
		case ack := <-r.flushReq:
			drain()
			ack <- commit()
		}
	}
}

func (r *Recorder) insert(ctx context.Context, rows []row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO state_history
			(entity_id, state, attributes, last_changed, last_updated, context_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rw := range rows {
		var (
			stateValue  any
			attrs       = "{}"
			lastChanged = rw.at
			lastUpdated = rw.at
		)
		if st := rw.state; st != nil {
			stateValue = st.State
			lastChanged, lastUpdated = st.LastChanged, st.LastUpdated
			b, err := json.Marshal(st.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes of %s: %w", rw.entityID, err)
			}
			attrs = string(b)
		}
		var userID any
		if rw.ctx.UserID != "" {
			userID = rw.ctx.UserID
		}

		if _, err := stmt.ExecContext(ctx,
			rw.entityID, stateValue, attrs,
			formatTime(lastChanged), formatTime(lastUpdated),
			rw.ctx.ID, userID,
		); err != nil {
			return fmt.Errorf("inserting %s: %w", rw.entityID, err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
