package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshsense/gasmon/internal/reading"
	"github.com/freshsense/gasmon/internal/transport"
	"github.com/freshsense/gasmon/pkg/config"
)

// fakePeripheral simulates a connected sensor device.
type fakePeripheral struct {
	addr         string
	ensureErr    error
	subscribeErr error

	mu           sync.Mutex
	handler      func([]byte)
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakePeripheral(addr string) *fakePeripheral {
	return &fakePeripheral{addr: addr, disconnected: make(chan struct{})}
}

func (p *fakePeripheral) Address() string { return p.addr }

func (p *fakePeripheral) EnsureCharacteristic(service, char string) error {
	return p.ensureErr
}

func (p *fakePeripheral) Subscribe(service, char string, handler func([]byte)) error {
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *fakePeripheral) Disconnect() error {
	p.closeOnce.Do(func() { close(p.disconnected) })
	return nil
}

// Notify pushes a raw payload as if the peripheral sent a notification.
func (p *fakePeripheral) Notify(data []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// DropLink simulates an unsolicited transport disconnect.
func (p *fakePeripheral) DropLink() {
	p.closeOnce.Do(func() { close(p.disconnected) })
}

// fakeTransport hands out scripted dial results.
type fakeTransport struct {
	mu        sync.Mutex
	dialErrs  []error // consumed one per dial; nil entry means success
	dialBlock bool    // block dials until ctx is cancelled
	dialCount int
	last      *fakePeripheral
}

func (f *fakeTransport) Scan(ctx context.Context, allowDup bool, handler func(transport.Advertisement)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Dial(ctx context.Context, address string) (transport.Peripheral, error) {
	f.mu.Lock()
	f.dialCount++
	var err error
	if len(f.dialErrs) > 0 {
		err, f.dialErrs = f.dialErrs[0], f.dialErrs[1:]
	}
	block := f.dialBlock
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	per := newFakePeripheral(address)
	f.mu.Lock()
	f.last = per
	f.mu.Unlock()
	return per, nil
}

func (f *fakeTransport) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialCount
}

func (f *fakeTransport) peripheral() *fakePeripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Connection.ConnectTimeout = 200 * time.Millisecond
	cfg.Connection.DiscoverySettle = time.Millisecond
	cfg.Connection.SubscribeSettle = time.Millisecond
	cfg.Connection.MaxAttempts = 3
	cfg.Connection.RetryDelay = 10 * time.Millisecond
	cfg.Connection.RemovalGrace = 250 * time.Millisecond
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// startHub runs the hub loop for the duration of the test.
func startHub(t *testing.T, cfg *config.Config, tr transport.Transport, opts ...Option) *Hub {
	t.Helper()
	h := New(cfg, tr, quietLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// waitFor polls the snapshot until cond holds or the deadline passes.
func waitFor(t *testing.T, h *Hub, what string, cond func([]SessionView) bool) []SessionView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		views, err := h.Snapshot(context.Background())
		require.NoError(t, err)
		if cond(views) {
			return views
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func waitState(t *testing.T, h *Hub, id int, state string) SessionView {
	t.Helper()
	views := waitFor(t, h, fmt.Sprintf("device %d in state %s", id, state), func(vs []SessionView) bool {
		for _, v := range vs {
			if v.ID == id && v.State == state {
				return true
			}
		}
		return false
	})
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	return SessionView{}
}

func TestHub_ConnectReachesReadyThroughAllStates(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	// The feed must show the full path: no shortcut to ready exists.
	var states []string
	timeout := time.After(time.Second)
	for len(states) < 3 {
		select {
		case ev := <-h.Events():
			if ev.Kind == FeedStateChanged {
				states = append(states, ev.State.String())
			}
		case <-timeout:
			t.Fatal("timed out collecting state changes")
		}
	}
	assert.Equal(t, []string{"connecting", "connected", "ready"}, states)

	view := waitState(t, h, 7, "ready")
	assert.Equal(t, 0, view.Attempts)
	assert.Empty(t, view.LastError)
}

func TestHub_NotificationAppliesReading(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	tr.peripheral().Notify([]byte(`{"gas":{"nh3":1.2,"h2s":0.3,"co2":400,"ch4":10},"stage":1,"confidence":0.8,"temp":22.5,"humidity":60}`))

	view := waitFor(t, h, "reading applied", func(vs []SessionView) bool {
		return len(vs) == 1 && vs[0].Reading != nil
	})[0]

	require.NotNil(t, view.Reading)
	assert.Equal(t, 1.2, view.Reading.Gas.NH3)
	assert.Equal(t, reading.StageWarning, view.Reading.Stage)
	assert.Len(t, view.History, 1)
	assert.NotEmpty(t, view.Raw)
}

func TestHub_MalformedPayloadPreservesReading(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	per := tr.peripheral()
	per.Notify([]byte(`{"gas":{"nh3":5.5},"stage":2}`))
	waitFor(t, h, "first reading", func(vs []SessionView) bool {
		return vs[0].Reading != nil
	})

	per.Notify([]byte(`garbage without braces`))
	view := waitFor(t, h, "data error surfaced", func(vs []SessionView) bool {
		return vs[0].LastError != ""
	})[0]

	assert.Equal(t, "ready", view.State, "data errors are non-fatal")
	require.NotNil(t, view.Reading, "existing reading must be preserved")
	assert.Equal(t, 5.5, view.Reading.Gas.NH3)
}

func TestHub_RetryCountersAcrossFailures(t *testing.T) {
	// Two failing dials, then success.
	tr := &fakeTransport{dialErrs: []error{
		errors.New("dial failed"),
		errors.New("dial failed"),
		nil,
	}}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")

	waitFor(t, h, "two failed attempts", func(vs []SessionView) bool {
		return len(vs) == 1 && vs[0].Attempts == 2
	})

	// Third attempt succeeds; reaching ready resets the counter.
	view := waitState(t, h, 7, "ready")
	assert.Equal(t, 0, view.Attempts)
	assert.Empty(t, view.LastError)
	assert.GreaterOrEqual(t, tr.dials(), 3)
}

func TestHub_ExhaustedRetriesRemoveSessionAfterGrace(t *testing.T) {
	tr := &fakeTransport{dialErrs: []error{
		errors.New("dial failed"),
		errors.New("dial failed"),
		errors.New("dial failed"),
	}}
	cfg := testConfig()
	h := startHub(t, cfg, tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")

	waitFor(t, h, "retries exhausted", func(vs []SessionView) bool {
		return len(vs) == 1 && vs[0].Attempts == cfg.Connection.MaxAttempts && vs[0].State == "error"
	})

	// The session lives through the grace delay...
	time.Sleep(cfg.Connection.RemovalGrace / 3)
	views, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1, "session must not be removed before the grace delay")

	// ...and is gone afterwards.
	waitFor(t, h, "session removed", func(vs []SessionView) bool {
		return len(vs) == 0
	})
	assert.Equal(t, 3, tr.dials(), "no further attempts after exhaustion")
}

func TestHub_ConnectTimeout(t *testing.T) {
	tr := &fakeTransport{dialBlock: true}
	cfg := testConfig()
	cfg.Connection.ConnectTimeout = 30 * time.Millisecond
	h := startHub(t, cfg, tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")

	view := waitState(t, h, 7, "error")
	assert.Contains(t, view.LastError, "timeout")
	assert.GreaterOrEqual(t, view.Attempts, 1)
}

func TestHub_DisconnectDuringConnectCancelsAttempt(t *testing.T) {
	tr := &fakeTransport{dialBlock: true}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "connecting")

	// The lifecycle goroutine dials asynchronously after the state
	// change; wait for the dial to actually be in flight.
	require.Eventually(t, func() bool { return tr.dials() == 1 },
		time.Second, time.Millisecond)

	// Explicit disconnect wins over the in-flight attempt.
	h.Disconnect(7)
	waitFor(t, h, "session removed", func(vs []SessionView) bool {
		return len(vs) == 0
	})
	assert.Equal(t, 1, tr.dials())
}

func TestHub_ExplicitDisconnectRemovesReadySession(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	h.Disconnect(7)
	waitFor(t, h, "session removed", func(vs []SessionView) bool {
		return len(vs) == 0
	})

	// The transport link was torn down too.
	select {
	case <-tr.peripheral().Disconnected():
	case <-time.After(time.Second):
		t.Fatal("peripheral was not disconnected")
	}
}

func TestHub_UnsolicitedDisconnectKeepsSession(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	tr.peripheral().DropLink()

	view := waitState(t, h, 7, "disconnected")
	assert.Equal(t, 7, view.ID, "session stays in the registry after link loss")
}

func TestHub_LinkLossLeavesAddressRediscoverable(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	addrs, err := h.ConnectedAddresses(context.Background())
	require.NoError(t, err)
	assert.Contains(t, addrs, "AA:00")

	tr.peripheral().DropLink()
	waitState(t, h, 7, "disconnected")

	// A parked session must not shadow its address from discovery,
	// otherwise the sensor is block-listed on every rescan and never
	// monitored again.
	addrs, err = h.ConnectedAddresses(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, addrs, "AA:00")

	// Rediscovery reconnects the same session.
	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")
	assert.Equal(t, 2, tr.dials())
}

func TestHub_DuplicateConnectIgnoredWhileActive(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, testConfig(), tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	time.Sleep(20 * time.Millisecond)

	views, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, 1, "one session per device identity")
	assert.Equal(t, 1, tr.dials())
}

func TestHub_MissingCharacteristicFailsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.MaxAttempts = 1

	tr := &missingCharTransport{}
	h := startHub(t, cfg, tr)

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")

	view := waitState(t, h, 7, "error")
	assert.Contains(t, view.LastError, "not found")
}

// missingCharTransport dials fine but the peripheral lacks the
// notification characteristic.
type missingCharTransport struct {
	fakeTransport
}

func (m *missingCharTransport) Dial(ctx context.Context, address string) (transport.Peripheral, error) {
	per := newFakePeripheral(address)
	per.ensureErr = &transport.NotFoundError{Resource: "characteristic", UUID: "6e400003"}
	return per, nil
}

// recordingExporter captures published readings, optionally stalling
// the first publish to expose ordering races.
type recordingExporter struct {
	firstDelay time.Duration

	mu        sync.Mutex
	published []int
	values    []float64
}

func (r *recordingExporter) Publish(ctx context.Context, deviceID int, rd reading.Reading) error {
	r.mu.Lock()
	first := len(r.published) == 0
	r.mu.Unlock()
	if first && r.firstDelay > 0 {
		time.Sleep(r.firstDelay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, deviceID)
	r.values = append(r.values, rd.Gas.NH3)
	return nil
}

func (r *recordingExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *recordingExporter) nh3Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func TestHub_ExporterReceivesAcceptedReadings(t *testing.T) {
	tr := &fakeTransport{}
	exp := &recordingExporter{}
	h := startHub(t, testConfig(), tr, WithExporter(exp))

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	per := tr.peripheral()
	per.Notify([]byte(`{"gas":{"nh3":1}}`))
	per.Notify([]byte(`not json`)) // rejected payloads are not exported

	require.Eventually(t, func() bool { return exp.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, exp.published)
}

func TestHub_ExporterPreservesAcceptanceOrder(t *testing.T) {
	tr := &fakeTransport{}
	// Stall the first publish: a later reading must still be delivered
	// after it, not slip past it.
	exp := &recordingExporter{firstDelay: 50 * time.Millisecond}
	h := startHub(t, testConfig(), tr, WithExporter(exp))

	h.Connect(7, "ESP32_SPOILAGE_7", "AA:00")
	waitState(t, h, 7, "ready")

	per := tr.peripheral()
	per.Notify([]byte(`{"gas":{"nh3":1}}`))
	per.Notify([]byte(`{"gas":{"nh3":2}}`))

	require.Eventually(t, func() bool { return exp.count() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{1, 2}, exp.nh3Values())
}

func TestHub_SnapshotAfterStop(t *testing.T) {
	tr := &fakeTransport{}
	h := New(testConfig(), tr, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := h.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
