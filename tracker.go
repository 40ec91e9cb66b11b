package pulseboard

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Operation State
// ============================================================================

// OperationStatus is the tracked state of an in-flight upload.
type OperationStatus string

const (
	OpProcessing OperationStatus = "processing"
	OpFailed     OperationStatus = "failed"
)

// Operation is one tracked server-side upload job.
type Operation struct {
	ID               string
	StartedAt        time.Time
	Status           OperationStatus
	RecordsProcessed int
	RecordsInserted  int
	RecordsDuplicate int
	Error            string
}

// StatusFunc fetches a point-in-time status snapshot for one upload.
// Client.UploadStatus satisfies it.
type StatusFunc func(ctx context.Context, uploadID string) (*UploadStatus, error)

// TrackerConfig configures a SyncTracker.
type TrackerConfig struct {
	// PollInterval is the fixed cadence of the polling fallback.
	// Defaults to 3 seconds.
	PollInterval time.Duration

	// FailureGrace is how long a failed operation stays visible before it
	// is dropped from tracking. Defaults to 10 seconds.
	FailureGrace time.Duration

	// OnEvent receives every upload lifecycle event the tracker acts on,
	// whether it arrived by push or was synthesized from a poll. Optional.
	OnEvent func(SyncEvent)

	// OnRefresh is invoked after an operation completes, prompting the
	// caller to reload any derived data. Optional.
	OnRefresh func()
}

func (c *TrackerConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.FailureGrace == 0 {
		c.FailureGrace = 10 * time.Second
	}
}

// ============================================================================
// SyncTracker
// ============================================================================

// SyncTracker follows in-flight uploads across both delivery paths. While
// the sync channel is connected it consumes pushed events via HandleEvent;
// when the channel is down and at least one operation is still tracked it
// polls each operation's status on a fixed interval, synthesizing the same
// events the push path would have delivered. Polling stops as soon as the
// channel reconnects or nothing remains tracked.
//
// Wire HandleEvent to Channel.OnSyncEvent and SetConnected to the channel's
// OnConnected/OnDisconnected callbacks.
type SyncTracker struct {
	status StatusFunc
	config *TrackerConfig

	mu        sync.Mutex
	ops       map[string]*Operation
	expiry    map[string]*time.Timer
	connected bool
	pollStop  chan struct{}
	stopped   bool
}

// NewSyncTracker creates a tracker. The tracker assumes the channel starts
// disconnected; no polling happens until an operation is tracked.
func NewSyncTracker(status StatusFunc, config *TrackerConfig) *SyncTracker {
	var cfg TrackerConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SyncTracker{
		status: status,
		config: &cfg,
		ops:    make(map[string]*Operation),
		expiry: make(map[string]*time.Timer),
	}
}

// HandleEvent consumes one pushed upload lifecycle event. Events for
// operations that have already been removed from tracking are dropped, so a
// late push duplicate can never resurrect a finished operation.
func (t *SyncTracker) HandleEvent(ev SyncEvent) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	forward := false
	refresh := false

	switch ev.Event {
	case EventSyncStarted:
		if ev.UploadID != "" {
			if _, ok := t.ops[ev.UploadID]; !ok {
				t.ops[ev.UploadID] = &Operation{
					ID:        ev.UploadID,
					StartedAt: time.Now(),
					Status:    OpProcessing,
				}
			}
			forward = true
		}
	case EventSyncCompleted:
		if op, ok := t.ops[ev.UploadID]; ok {
			op.RecordsProcessed = ev.RecordsProcessed
			op.RecordsInserted = ev.RecordsInserted
			op.RecordsDuplicate = ev.RecordsDuplicate
			t.removeLocked(ev.UploadID)
			forward = true
			refresh = true
		}
	case EventSyncFailed:
		if op, ok := t.ops[ev.UploadID]; ok {
			t.failLocked(op, ev.Error)
			forward = true
		}
	case EventStatus:
		// Progress snapshot: same treatment as a still-processing poll.
		if op, ok := t.ops[ev.UploadID]; ok && op.Status == OpProcessing {
			op.RecordsProcessed = ev.RecordsProcessed
			op.RecordsInserted = ev.RecordsInserted
			op.RecordsDuplicate = ev.RecordsDuplicate
		}
		forward = true
	case EventHeartbeat:
		// Keepalive noise, not a lifecycle event.
	default:
		forward = true
	}

	t.evaluateLocked()
	t.mu.Unlock()

	if forward {
		t.emit(ev)
	}
	if refresh && t.config.OnRefresh != nil {
		t.config.OnRefresh()
	}
}

// SetConnected tells the tracker whether the push channel is live. The
// polling fallback is re-evaluated on every change.
func (t *SyncTracker) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.evaluateLocked()
	t.mu.Unlock()
}

// Track registers an operation discovered out of band, for example from a
// status snapshot listed over the REST API.
func (t *SyncTracker) Track(uploadID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if _, ok := t.ops[uploadID]; !ok {
		t.ops[uploadID] = &Operation{
			ID:        uploadID,
			StartedAt: time.Now(),
			Status:    OpProcessing,
		}
	}
	t.evaluateLocked()
	t.mu.Unlock()
}

// Operations returns a snapshot of the tracked set.
func (t *SyncTracker) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	return out
}

// TrackedCount returns the number of tracked operations.
func (t *SyncTracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Polling reports whether the polling fallback is currently active.
func (t *SyncTracker) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollStop != nil
}

// Stop halts polling, cancels all expiry timers, and clears the tracked
// set. Stop is idempotent.
func (t *SyncTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, timer := range t.expiry {
		timer.Stop()
		delete(t.expiry, id)
	}
	t.ops = make(map[string]*Operation)
	t.evaluateLocked()
	t.mu.Unlock()
}

// evaluateLocked starts or stops the poll loop. Poll mode is a pure
// function of the current state: active iff the channel is down and at
// least one operation is tracked.
func (t *SyncTracker) evaluateLocked() {
	want := !t.stopped && !t.connected && len(t.ops) > 0
	switch {
	case want && t.pollStop == nil:
		stop := make(chan struct{})
		t.pollStop = stop
		go t.pollLoop(stop)
	case !want && t.pollStop != nil:
		close(t.pollStop)
		t.pollStop = nil
	}
}

func (t *SyncTracker) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.pollOnce()
		}
	}
}

// pollOnce issues one status request per still-processing operation. A
// request error is terminal for that operation only; other tracked
// operations and the loop itself are unaffected.
func (t *SyncTracker) pollOnce() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.ops))
	for id, op := range t.ops {
		if op.Status == OpProcessing {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), t.config.PollInterval)
		st, err := t.status(ctx, id)
		cancel()
		if err != nil {
			t.mu.Lock()
			t.removeLocked(id)
			t.evaluateLocked()
			t.mu.Unlock()
			continue
		}
		t.apply(id, st)
	}
}

// apply folds one poll response into the tracked state, synthesizing the
// event the push path would have delivered.
func (t *SyncTracker) apply(id string, st *UploadStatus) {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok || t.stopped {
		t.mu.Unlock()
		return
	}

	var ev *SyncEvent
	refresh := false

	switch st.Status {
	case UploadCompleted:
		op.RecordsProcessed = st.RecordsProcessed
		op.RecordsInserted = st.RecordsInserted
		op.RecordsDuplicate = st.RecordsDuplicate
		t.removeLocked(id)
		ev = &SyncEvent{
			Event:            EventSyncCompleted,
			UploadID:         id,
			RecordsProcessed: st.RecordsProcessed,
			RecordsInserted:  st.RecordsInserted,
			RecordsDuplicate: st.RecordsDuplicate,
		}
		refresh = true
	case UploadFailed:
		if op.Status != OpFailed {
			t.failLocked(op, st.ErrorMessage)
			ev = &SyncEvent{
				Event:    EventSyncFailed,
				UploadID: id,
				Error:    st.ErrorMessage,
			}
		}
	default:
		op.RecordsProcessed = st.RecordsProcessed
		op.RecordsInserted = st.RecordsInserted
		op.RecordsDuplicate = st.RecordsDuplicate
	}

	t.evaluateLocked()
	t.mu.Unlock()

	if ev != nil {
		t.emit(*ev)
	}
	if refresh && t.config.OnRefresh != nil {
		t.config.OnRefresh()
	}
}

// failLocked flips an operation to failed and arms its expiry. The removal
// fires after exactly the grace delay; a second failure report does not
// rearm the timer.
func (t *SyncTracker) failLocked(op *Operation, errMsg string) {
	if op.Status == OpFailed {
		return
	}
	op.Status = OpFailed
	op.Error = errMsg
	id := op.ID
	t.expiry[id] = time.AfterFunc(t.config.FailureGrace, func() {
		t.mu.Lock()
		delete(t.expiry, id)
		delete(t.ops, id)
		t.evaluateLocked()
		t.mu.Unlock()
	})
}

func (t *SyncTracker) removeLocked(id string) {
	if timer, ok := t.expiry[id]; ok {
		timer.Stop()
		delete(t.expiry, id)
	}
	delete(t.ops, id)
}

func (t *SyncTracker) emit(ev SyncEvent) {
	if t.config.OnEvent != nil {
		t.config.OnEvent(ev)
	}
}
