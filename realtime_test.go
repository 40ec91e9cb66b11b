package pulseboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTransport struct {
	mu       sync.Mutex
	in       chan []byte
	writes   [][]byte
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("transport closed")
	case data := <-f.in:
		return data, nil
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// push delivers one inbound frame.
func (f *fakeTransport) push(frame string) {
	f.in <- []byte(frame)
}

// fail kills the transport, surfacing an error on the read loop.
func (f *fakeTransport) fail() {
	f.Close()
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) writtenAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.writes) {
		return nil
	}
	return f.writes[i]
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// fakeDialer scripts dial outcomes: the first failDials attempts are
// refused, every later attempt hands out a fresh fakeTransport.
type fakeDialer struct {
	mu        sync.Mutex
	failDials int
	attempts  int
	conns     []*fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("connection refused")
	}
	ft := newFakeTransport()
	d.conns = append(d.conns, ft)
	return ft, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) conn(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testChannelConfig(d *fakeDialer) *ChannelConfig {
	return &ChannelConfig{
		ReconnectDelay: 20 * time.Millisecond,
		Dialer:         d.dial,
	}
}

func decodeSubscribe(t *testing.T, frame []byte) subscribeCommand {
	t.Helper()
	var cmd subscribeCommand
	require.NoError(t, json.Unmarshal(frame, &cmd))
	return cmd
}

// ============================================================================
// Connect and Subscribe
// ============================================================================

func TestChannelStartSubscribesAndDispatches(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.Subscription = []int64{1, 2}
	ch := NewChannel("ws://test/ws/metrics", cfg)

	var mu sync.Mutex
	var metrics []MetricUpdate
	ch.OnMetric(func(m MetricUpdate) {
		mu.Lock()
		metrics = append(metrics, m)
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	require.True(t, ch.Connected())

	ft := d.conn(0)
	require.NotNil(t, ft)
	require.Eventually(t, func() bool { return ft.writeCount() >= 1 }, time.Second, time.Millisecond)

	cmd := decodeSubscribe(t, ft.writtenAt(0))
	assert.Equal(t, actionSubscribe, cmd.Action)
	assert.Equal(t, []int64{1, 2}, cmd.ServerIDs)

	ft.push(`{"type":"metric","server_id":1,"hostname":"web-01","cpu_usage":42.5,"timestamp":"2026-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(metrics) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	m := metrics[0]
	mu.Unlock()
	assert.Equal(t, int64(1), m.ServerID)
	assert.Equal(t, "web-01", m.Hostname)
	require.NotNil(t, m.CPUUsage)
	assert.Equal(t, 42.5, *m.CPUUsage)
}

func TestChannelEmptySubscriptionSendsNothing(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/alerts", testChannelConfig(d))

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, d.conn(0).writeCount())
}

func TestChannelDuplicateStartIgnored(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()
	require.NoError(t, ch.Start(context.Background()))

	assert.Equal(t, 1, d.attemptCount())
}

// ============================================================================
// Reconnect
// ============================================================================

func TestChannelReconnectsAfterClose(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.Subscription = []int64{3}
	ch := NewChannel("ws://test/ws/metrics", cfg)

	var mu sync.Mutex
	var disconnects, reconnects int
	ch.OnDisconnected(func(err error) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})
	ch.OnReconnecting(func(delay time.Duration) {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	d.conn(0).fail()

	require.Eventually(t, func() bool { return d.attemptCount() == 2 && ch.Connected() }, time.Second, time.Millisecond)

	// Subscription replayed on the fresh transport.
	ft := d.conn(1)
	require.Eventually(t, func() bool { return ft.writeCount() >= 1 }, time.Second, time.Millisecond)
	cmd := decodeSubscribe(t, ft.writtenAt(0))
	assert.Equal(t, []int64{3}, cmd.ServerIDs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, reconnects)
}

func TestChannelRetriesAfterDialFailure(t *testing.T) {
	d := &fakeDialer{failDials: 2}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	err := ch.Start(context.Background())
	require.Error(t, err)
	defer ch.Stop()

	assert.False(t, ch.Connected())
	assert.NotEmpty(t, ch.Status().LastError)

	require.Eventually(t, func() bool { return ch.Connected() }, time.Second, time.Millisecond)
	assert.Equal(t, 3, d.attemptCount())
}

func TestChannelReconnectWaitsFullDelay(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.ReconnectDelay = 100 * time.Millisecond
	ch := NewChannel("ws://test/ws/metrics", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	d.conn(0).fail()
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, time.Millisecond)

	// Halfway through the delay nothing has been retried yet.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())

	require.Eventually(t, func() bool { return d.attemptCount() == 2 && ch.Connected() }, time.Second, time.Millisecond)
}

func TestChannelReconnectDisabled(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.DisableReconnect = true
	ch := NewChannel("ws://test/ws/metrics", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	d.conn(0).fail()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())
	assert.False(t, ch.Connected())
}

// ============================================================================
// Stop
// ============================================================================

func TestChannelStopIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	require.NoError(t, ch.Start(context.Background()))
	ch.Stop()
	ch.Stop()
	ch.Stop()

	assert.Equal(t, StateDisconnected, ch.State())

	// No reconnect fires after an intentional stop.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())
}

func TestChannelRestartDuringDialDiscardsStaleTransport(t *testing.T) {
	// First dial hangs until released; the channel is stopped and started
	// again in the meantime. The late transport belongs to the stopped
	// attempt and must be closed, never installed: exactly one live
	// transport per channel.
	var mu sync.Mutex
	var conns []*fakeTransport
	gate := make(chan struct{})
	first := true
	dialer := func(ctx context.Context, url string) (Transport, error) {
		mu.Lock()
		ft := newFakeTransport()
		conns = append(conns, ft)
		block := first
		first = false
		mu.Unlock()
		if block {
			<-gate
		}
		return ft, nil
	}
	conn := func(i int) *fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil
		}
		return conns[i]
	}

	ch := NewChannel("ws://test/ws/metrics", &ChannelConfig{
		ReconnectDelay: 20 * time.Millisecond,
		Dialer:         dialer,
	})

	var hmu sync.Mutex
	var hosts []string
	ch.OnMetric(func(m MetricUpdate) {
		hmu.Lock()
		hosts = append(hosts, m.Hostname)
		hmu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		ch.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return conn(0) != nil }, time.Second, time.Millisecond)

	ch.Stop()
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	close(gate)
	<-done

	// The stale transport is torn down, the restart's stays live.
	require.Eventually(t, func() bool { return conn(0).isClosed() }, time.Second, time.Millisecond)
	require.True(t, ch.Connected())
	assert.False(t, conn(1).isClosed())

	// Frames pushed on the stale transport must never reach handlers.
	conn(0).push(`{"type":"metric","server_id":1,"hostname":"from-stale","timestamp":"t"}`)
	conn(1).push(`{"type":"metric","server_id":1,"hostname":"from-live","timestamp":"t"}`)

	require.Eventually(t, func() bool {
		hmu.Lock()
		defer hmu.Unlock()
		return len(hosts) >= 1
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	hmu.Lock()
	defer hmu.Unlock()
	assert.Equal(t, []string{"from-live"}, hosts)
}

func TestChannelStopCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	require.NoError(t, ch.Start(context.Background()))
	d.conn(0).fail()

	// Wait for the disconnect to be observed, then stop inside the delay
	// window.
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, time.Millisecond)
	ch.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())
}

// ============================================================================
// Resubscribe
// ============================================================================

func TestChannelResubscribeWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.Subscription = []int64{1}
	ch := NewChannel("ws://test/ws/metrics", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	require.NoError(t, ch.Resubscribe(context.Background(), []int64{4, 5}))

	ft := d.conn(0)
	require.Eventually(t, func() bool { return ft.writeCount() >= 2 }, time.Second, time.Millisecond)
	cmd := decodeSubscribe(t, ft.writtenAt(1))
	assert.Equal(t, []int64{4, 5}, cmd.ServerIDs)
}

func TestChannelResubscribePersistsAcrossReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.Subscription = []int64{1}
	ch := NewChannel("ws://test/ws/metrics", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	require.NoError(t, ch.Resubscribe(context.Background(), []int64{9}))

	d.conn(0).fail()
	require.Eventually(t, func() bool { return d.conn(1) != nil && d.conn(1).writeCount() >= 1 }, time.Second, time.Millisecond)

	cmd := decodeSubscribe(t, d.conn(1).writtenAt(0))
	assert.Equal(t, []int64{9}, cmd.ServerIDs)
}

func TestChannelResubscribeWhileDisconnected(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	// Not started: no transmit, but the set is kept for the first open.
	require.NoError(t, ch.Resubscribe(context.Background(), []int64{7}))

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	ft := d.conn(0)
	require.Eventually(t, func() bool { return ft.writeCount() >= 1 }, time.Second, time.Millisecond)
	cmd := decodeSubscribe(t, ft.writtenAt(0))
	assert.Equal(t, []int64{7}, cmd.ServerIDs)
}

// ============================================================================
// Dispatch
// ============================================================================

func TestChannelDropsMalformedFrames(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	var mu sync.Mutex
	var metrics []MetricUpdate
	ch.OnMetric(func(m MetricUpdate) {
		mu.Lock()
		metrics = append(metrics, m)
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	ft := d.conn(0)
	ft.push(`this is not json`)
	ft.push(`{"no":"discriminator"}`)
	ft.push(`{"type":"metric","server_id":2,"hostname":"web-02","timestamp":"2026-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(metrics) == 1
	}, time.Second, time.Millisecond)

	assert.True(t, ch.Connected())
}

func TestChannelDispatchPreservesOrder(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/metrics", testChannelConfig(d))

	var mu sync.Mutex
	var hosts []string
	ch.OnMetric(func(m MetricUpdate) {
		mu.Lock()
		hosts = append(hosts, m.Hostname)
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	ft := d.conn(0)
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		ft.push(`{"type":"metric","server_id":1,"hostname":"` + h + `","timestamp":"t"}`)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hosts) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, hosts)
}

func TestChannelDispatchesByEventDiscriminator(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/health-sync", testChannelConfig(d))

	var mu sync.Mutex
	var events []SyncEvent
	ch.OnSyncEvent(func(ev SyncEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	ft := d.conn(0)
	ft.push(`{"event":"sync_started","upload_id":"u1"}`)
	ft.push(`{"event":"sync_completed","upload_id":"u1","records_processed":100,"records_inserted":90,"records_duplicate":10}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventSyncStarted, events[0].Event)
	assert.Equal(t, "u1", events[0].UploadID)
	assert.Equal(t, 90, events[1].RecordsInserted)
}

func TestChannelGenericHandler(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel("ws://test/ws/alerts", testChannelConfig(d))

	var mu sync.Mutex
	var raw []string
	ch.On(KindAlert, func(kind string, payload json.RawMessage) {
		mu.Lock()
		raw = append(raw, string(payload))
		mu.Unlock()
	})

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	frame := `{"type":"alert","server_id":3,"severity":"warning","rule":"disk_above_80","timestamp":"t"}`
	d.conn(0).push(frame)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(raw) == 1 && raw[0] == frame
	}, time.Second, time.Millisecond)
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestChannelHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	ch := NewChannel("ws://test/ws/health-sync", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	ft := d.conn(0)
	require.Eventually(t, func() bool { return ft.writeCount() >= 2 }, time.Second, time.Millisecond)

	var cmd pingCommand
	require.NoError(t, json.Unmarshal(ft.writtenAt(0), &cmd))
	assert.Equal(t, actionPing, cmd.Action)
}

func TestChannelHeartbeatWriteFailureTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testChannelConfig(d)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	ch := NewChannel("ws://test/ws/health-sync", cfg)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop()

	d.conn(0).setWriteErr(errors.New("broken pipe"))

	require.Eventually(t, func() bool { return d.attemptCount() == 2 && ch.Connected() }, time.Second, time.Millisecond)
}
