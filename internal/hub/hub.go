// Package hub owns the device registry and drives the per-peripheral
// connection lifecycle.
//
// All registry mutation happens on a single event loop: transport
// callbacks, lifecycle results and timers post events into one mailbox,
// and Run processes them to completion one at a time. Handlers never
// block on the network; the blocking transport calls of an attempt run
// in a per-attempt goroutine that reports back through the mailbox.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/freshsense/gasmon/internal/reading"
	"github.com/freshsense/gasmon/internal/ringchan"
	"github.com/freshsense/gasmon/internal/session"
	"github.com/freshsense/gasmon/internal/transport"
	"github.com/freshsense/gasmon/pkg/config"
)

// ErrStopped is returned by calls made after the run loop exited.
var ErrStopped = errors.New("hub stopped")

// Exporter publishes accepted readings to an external sink.
type Exporter interface {
	Publish(ctx context.Context, deviceID int, r reading.Reading) error
}

// entry couples a session with its live transport state. Owned by the
// run loop.
type entry struct {
	sess       *session.Session
	peripheral transport.Peripheral

	// seq identifies the current connect attempt. Every new attempt and
	// every failure handling bumps it; mailbox events carrying an older
	// seq are stale and dropped.
	seq           uint64
	attemptCancel context.CancelFunc

	connectTimer *time.Timer
	retryTimer   *time.Timer
	removalTimer *time.Timer
}

// Hub is the device registry plus the event loop mutating it.
type Hub struct {
	cfg      *config.Config
	logger   *logrus.Logger
	tr       transport.Transport
	exporter Exporter

	mailbox chan event
	feed    *ringchan.RingChannel[FeedEvent]
	exportQ chan exportJob
	stopped chan struct{}

	// Loop-owned; touched only from Run.
	sessions *orderedmap.OrderedMap[int, *entry]
	runCtx   context.Context
}

// Option configures optional hub collaborators.
type Option func(*Hub)

// WithExporter attaches a reading exporter.
func WithExporter(e Exporter) Option {
	return func(h *Hub) { h.exporter = e }
}

// New creates a hub. Run must be called before the hub does anything.
func New(cfg *config.Config, tr transport.Transport, logger *logrus.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		tr:       tr,
		mailbox:  make(chan event, 256),
		feed:     ringchan.New[FeedEvent](cfg.Session.EventFeedCap),
		exportQ:  make(chan exportJob, 64),
		stopped:  make(chan struct{}),
		sessions: orderedmap.New[int, *entry](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Events returns the external feed. Slow consumers lose the oldest
// events first.
func (h *Hub) Events() <-chan FeedEvent {
	return h.feed.C()
}

// Connect requests a session for the given peripheral identity and
// starts its connection lifecycle. A second request for an identity
// that already has an active session is ignored.
func (h *Hub) Connect(id int, name, address string) {
	h.post(event{kind: evConnectRequest, deviceID: id, name: name, address: address})
}

// Disconnect tears down the session for id and removes it from the
// registry. An in-flight connect attempt is cancelled.
func (h *Hub) Disconnect(id int) {
	h.post(event{kind: evDisconnectRequest, deviceID: id})
}

// Snapshot returns a copy of every session, in first-connect order.
func (h *Hub) Snapshot(ctx context.Context) ([]SessionView, error) {
	reply := make(chan []SessionView, 1)
	select {
	case h.mailbox <- event{kind: evSnapshotRequest, reply: reply}:
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case views := <-reply:
		return views, nil
	case <-h.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConnectedAddresses lists the platform addresses of sessions with an
// active lifecycle, for excluding them from discovery. Sessions parked
// in disconnected after a link loss are deliberately omitted so a
// rescan can pick them up again.
func (h *Hub) ConnectedAddresses(ctx context.Context) ([]string, error) {
	views, err := h.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(views))
	for _, v := range views {
		if v.State == session.StateDisconnected.String() {
			continue
		}
		addrs = append(addrs, v.Address)
	}
	return addrs, nil
}

// post delivers an event to the run loop, dropping it if the loop has
// already exited.
func (h *Hub) post(ev event) {
	select {
	case h.mailbox <- ev:
	case <-h.stopped:
	}
}

// Run processes events until ctx is cancelled. It must be called
// exactly once.
func (h *Hub) Run(ctx context.Context) error {
	h.runCtx = ctx
	defer close(h.stopped)

	if h.exporter != nil {
		go h.exportLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.teardown()
			return ctx.Err()
		case ev := <-h.mailbox:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evConnectRequest:
		h.handleConnectRequest(ev)
	case evDisconnectRequest:
		h.handleDisconnectRequest(ev)
	case evLinkUp:
		h.handleLinkUp(ev)
	case evSubscriptionArmed:
		h.handleSubscriptionArmed(ev)
	case evAttemptFailed:
		h.handleAttemptFailed(ev)
	case evNotification:
		h.handleNotification(ev)
	case evLinkLost:
		h.handleLinkLost(ev)
	case evTimerFired:
		h.handleTimerFired(ev)
	case evSnapshotRequest:
		ev.reply <- h.makeSnapshot()
	}
}

func (h *Hub) handleConnectRequest(ev event) {
	e, exists := h.sessions.Get(ev.deviceID)
	if exists {
		state := e.sess.State()
		if state != session.StateDisconnected && state != session.StateError {
			h.logger.WithFields(logrus.Fields{
				"device_id": ev.deviceID,
				"state":     state.String(),
			}).Warn("Connect request ignored: session already active")
			return
		}
		// Stale retry/removal timers no longer apply.
		h.stopTimers(e)
	} else {
		e = &entry{
			sess: session.New(ev.deviceID, ev.name, ev.address,
				h.cfg.Session.HistoryCap, h.cfg.Session.RawTapBytes),
		}
		h.sessions.Set(ev.deviceID, e)
		h.logger.WithFields(logrus.Fields{
			"device_id": ev.deviceID,
			"name":      ev.name,
			"address":   ev.address,
		}).Info("Session registered")
	}

	h.startAttempt(e)
}

func (h *Hub) handleDisconnectRequest(ev event) {
	e, exists := h.sessions.Get(ev.deviceID)
	if !exists {
		return
	}

	// An in-flight connect attempt is cancelled rather than left to
	// race with the teardown.
	h.invalidateAttempt(e)
	h.stopTimers(e)
	h.releasePeripheral(e)

	if e.sess.State() != session.StateDisconnected {
		h.transition(e, session.StateDisconnected, "")
	}
	h.removeSession(e, "user disconnect")
}

func (h *Hub) handleLinkUp(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		// Attempt superseded while dialing; drop the orphaned link.
		if ev.peripheral != nil {
			h.disconnectAsync(ev.peripheral)
		}
		return
	}

	e.peripheral = ev.peripheral
	h.transition(e, session.StateConnected, "")
}

func (h *Hub) handleSubscriptionArmed(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		return
	}

	h.stopConnectTimer(e)
	h.transition(e, session.StateReady, "")

	h.logger.WithFields(logrus.Fields{
		"device_id": e.sess.ID,
		"name":      e.sess.Name,
	}).Info("Sensor is streaming")
}

func (h *Hub) handleAttemptFailed(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		return
	}
	h.failAttempt(e, ev.err)
}

// failAttempt moves a session into error and schedules either a retry
// or, once attempts are exhausted, removal after the grace delay.
func (h *Hub) failAttempt(e *entry, cause error) {
	h.stopTimers(e)
	h.invalidateAttempt(e)
	h.releasePeripheral(e)

	h.transition(e, session.StateError, cause.Error())

	attempts := e.sess.Attempts()
	if attempts < h.cfg.Connection.MaxAttempts {
		h.logger.WithFields(logrus.Fields{
			"device_id": e.sess.ID,
			"attempts":  attempts,
			"error":     cause,
		}).Warn("Connect attempt failed, retrying")
		h.armTimer(e, timerRetry, h.cfg.Connection.RetryDelay)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"device_id":    e.sess.ID,
		"attempts":     attempts,
		"max_attempts": h.cfg.Connection.MaxAttempts,
	}).Error("Retries exhausted, session scheduled for removal")
	h.armTimer(e, timerRemoval, h.cfg.Connection.RemovalGrace)
}

func (h *Hub) handleNotification(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		return
	}
	if e.sess.State() != session.StateReady {
		h.logger.WithField("device_id", e.sess.ID).Debug("Dropping notification outside ready state")
		return
	}

	e.sess.TapRaw(ev.data)

	r, err := reading.Decode(ev.data, time.Now())
	if err != nil {
		// Non-fatal: keep the previous reading, surface the error text.
		e.sess.SetError(err.Error())
		h.feed.Send(FeedEvent{
			Kind:     FeedDataError,
			DeviceID: e.sess.ID,
			Name:     e.sess.Name,
			State:    e.sess.State(),
			Err:      err.Error(),
		})
		return
	}

	e.sess.ApplyReading(r)
	h.feed.Send(FeedEvent{
		Kind:     FeedReading,
		DeviceID: e.sess.ID,
		Name:     e.sess.Name,
		State:    e.sess.State(),
		Reading:  &r,
	})

	if h.exporter != nil {
		select {
		case h.exportQ <- exportJob{deviceID: e.sess.ID, r: r}:
		default:
			h.logger.WithField("device_id", e.sess.ID).Warn("Export queue full, reading not published")
		}
	}
}

// exportJob is one reading queued for the export loop.
type exportJob struct {
	deviceID int
	r        reading.Reading
}

// exportLoop publishes queued readings one at a time, preserving the
// order readings were accepted in. A per-device kafka key is only a
// partitioning guarantee; ordering within the process must come from a
// single publisher.
func (h *Hub) exportLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-h.exportQ:
			h.export(job.deviceID, job.r)
		}
	}
}

func (h *Hub) export(deviceID int, r reading.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.exporter.Publish(ctx, deviceID, r); err != nil {
		h.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"error":     err,
		}).Warn("Failed to export reading")
	}
}

func (h *Hub) handleLinkLost(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		return
	}

	h.stopTimers(e)
	h.invalidateAttempt(e)
	e.peripheral = nil

	h.transition(e, session.StateDisconnected, "")
	h.logger.WithField("device_id", e.sess.ID).Warn("Peripheral disconnected unexpectedly")
}

func (h *Hub) handleTimerFired(ev event) {
	e, ok := h.liveEntry(ev)
	if !ok {
		return
	}

	switch ev.timer {
	case timerConnect:
		h.failAttempt(e, transport.ErrTimeout)
	case timerRetry:
		if e.sess.State() == session.StateError {
			h.startAttempt(e)
		}
	case timerRemoval:
		h.releasePeripheral(e)
		h.removeSession(e, "retries exhausted")
	}
}

// startAttempt begins a new connect attempt: bumps the sequence, arms
// the connection timeout and launches the lifecycle goroutine.
func (h *Hub) startAttempt(e *entry) {
	e.seq++
	h.transition(e, session.StateConnecting, "")

	h.armTimer(e, timerConnect, h.cfg.Connection.ConnectTimeout)

	attemptCtx, cancel := context.WithCancel(h.runCtx)
	e.attemptCancel = cancel

	go h.runAttempt(attemptCtx, e.sess.ID, e.sess.Address, e.seq)
}

// liveEntry resolves the entry an event belongs to, dropping events
// from removed sessions or superseded attempts.
func (h *Hub) liveEntry(ev event) (*entry, bool) {
	e, exists := h.sessions.Get(ev.deviceID)
	if !exists || ev.seq != e.seq {
		return nil, false
	}
	return e, true
}

// transition applies a state machine edge and publishes it on the feed.
func (h *Hub) transition(e *entry, to session.State, errText string) {
	if err := e.sess.Transition(to); err != nil {
		h.logger.WithFields(logrus.Fields{
			"device_id": e.sess.ID,
			"error":     err,
		}).Error("Rejected session transition")
		return
	}
	if errText != "" {
		e.sess.SetError(errText)
	}
	h.feed.Send(FeedEvent{
		Kind:     FeedStateChanged,
		DeviceID: e.sess.ID,
		Name:     e.sess.Name,
		State:    to,
		Err:      errText,
	})
}

func (h *Hub) removeSession(e *entry, reason string) {
	h.sessions.Delete(e.sess.ID)
	h.feed.Send(FeedEvent{
		Kind:     FeedSessionRemoved,
		DeviceID: e.sess.ID,
		Name:     e.sess.Name,
		State:    e.sess.State(),
	})
	h.logger.WithFields(logrus.Fields{
		"device_id": e.sess.ID,
		"reason":    reason,
	}).Info("Session removed from registry")
}

// invalidateAttempt cancels the in-flight lifecycle goroutine (if any)
// and bumps the sequence so its late results are dropped.
func (h *Hub) invalidateAttempt(e *entry) {
	if e.attemptCancel != nil {
		e.attemptCancel()
		e.attemptCancel = nil
	}
	e.seq++
}

func (h *Hub) releasePeripheral(e *entry) {
	if e.peripheral == nil {
		return
	}
	h.disconnectAsync(e.peripheral)
	e.peripheral = nil
}

// disconnectAsync runs the blocking transport teardown off the loop.
func (h *Hub) disconnectAsync(per transport.Peripheral) {
	go func() {
		if err := per.Disconnect(); err != nil {
			h.logger.WithFields(logrus.Fields{
				"address": per.Address(),
				"error":   err,
			}).Debug("Peripheral teardown reported an error")
		}
	}()
}

// armTimer schedules a timer that reports back through the mailbox,
// carrying the current attempt sequence.
func (h *Hub) armTimer(e *entry, kind timerKind, d time.Duration) {
	id, seq := e.sess.ID, e.seq
	t := time.AfterFunc(d, func() {
		h.post(event{kind: evTimerFired, deviceID: id, seq: seq, timer: kind})
	})
	switch kind {
	case timerConnect:
		e.connectTimer = t
	case timerRetry:
		e.retryTimer = t
	case timerRemoval:
		e.removalTimer = t
	}
}

func (h *Hub) stopConnectTimer(e *entry) {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
}

// stopTimers cancels every scheduled operation of a session. Always
// called on the success and teardown paths so timers never leak.
func (h *Hub) stopTimers(e *entry) {
	h.stopConnectTimer(e)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.removalTimer != nil {
		e.removalTimer.Stop()
		e.removalTimer = nil
	}
}

func (h *Hub) teardown() {
	for pair := h.sessions.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		h.invalidateAttempt(e)
		h.stopTimers(e)
		h.releasePeripheral(e)
	}
	h.logger.Info("Hub stopped")
}
