// Package session holds the per-peripheral connection and data state
// owned by the hub registry. Sessions are mutated only from the hub
// event loop; none of the methods here are safe for concurrent use.
package session

import (
	"fmt"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/freshsense/gasmon/internal/reading"
)

// State is the connection state of one peripheral session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReady:        "ready",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// validTransitions enumerates the allowed state machine edges. Error is
// reachable from every non-terminal state; ready is reachable only from
// connected, which is reachable only from connecting.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateReady, StateError, StateDisconnected},
	StateReady:        {StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// TransitionError reports a state machine edge that does not exist.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Session is the in-memory record of one peripheral: identity,
// connection state, latest reading and bounded history, last error and
// retry bookkeeping.
type Session struct {
	ID      int    // numeric id parsed from the advertised name
	Name    string // human-readable advertised name
	Address string // platform transport handle

	state      State
	reading    *reading.Reading
	history    *reading.History
	lastUpdate time.Time
	lastError  string
	attempts   int

	rawTap *ringbuffer.RingBuffer
}

// New creates a session in the disconnected state with a history
// bounded at historyCap and a raw frame tap of rawTapBytes.
func New(id int, name, address string, historyCap, rawTapBytes int) *Session {
	return &Session{
		ID:      id,
		Name:    name,
		Address: address,
		state:   StateDisconnected,
		history: reading.NewHistory(historyCap),
		rawTap:  ringbuffer.New(rawTapBytes),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state
}

// Transition moves the session along a state machine edge, enforcing
// the allowed transitions. The retry counter increments only on entry
// to error and resets only on entry to ready.
func (s *Session) Transition(to State) error {
	if !s.canTransition(to) {
		return &TransitionError{From: s.state, To: to}
	}

	s.state = to
	s.lastUpdate = time.Now()

	switch to {
	case StateError:
		s.attempts++
	case StateReady:
		s.attempts = 0
		s.lastError = ""
	}
	return nil
}

func (s *Session) canTransition(to State) bool {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Attempts returns the number of consecutive failed connect attempts.
func (s *Session) Attempts() int {
	return s.attempts
}

// LastError returns the persistent per-session error text, empty when
// the last event succeeded.
func (s *Session) LastError() string {
	return s.lastError
}

// SetError records session-scoped error text without touching the
// connection state. Used for non-fatal data errors.
func (s *Session) SetError(msg string) {
	s.lastError = msg
	s.lastUpdate = time.Now()
}

// ApplyReading stores a decoded reading, appends it to the history and
// clears any lingering data error.
func (s *Session) ApplyReading(r reading.Reading) {
	cp := r
	s.reading = &cp
	s.history.Push(r)
	s.lastError = ""
	s.lastUpdate = time.Now()
}

// Reading returns the most recent reading, or false when none has been
// received yet.
func (s *Session) Reading() (reading.Reading, bool) {
	if s.reading == nil {
		return reading.Reading{}, false
	}
	return *s.reading, true
}

// History returns a copy of the buffered readings, oldest first.
func (s *Session) History() []reading.Reading {
	return s.history.Items()
}

// LastUpdate returns the time of the most recent state or data event.
func (s *Session) LastUpdate() time.Time {
	return s.lastUpdate
}

// TapRaw appends notification bytes to the bounded raw frame tap,
// evicting the oldest bytes when full. Only the trailing tap-capacity
// bytes of an oversized frame are kept.
func (s *Session) TapRaw(data []byte) {
	if len(data) > s.rawTap.Capacity() {
		data = data[len(data)-s.rawTap.Capacity():]
	}
	if free := s.rawTap.Free(); free < len(data) {
		scratch := make([]byte, len(data)-free)
		_, _ = s.rawTap.TryRead(scratch)
	}
	_, _ = s.rawTap.TryWrite(data)
}

// RawTail returns a copy of the buffered raw notification bytes. The
// tap is drained and refilled so repeated calls see the same data.
func (s *Session) RawTail() []byte {
	buf := make([]byte, s.rawTap.Length())
	n, err := s.rawTap.TryRead(buf)
	if err != nil || n == 0 {
		return nil
	}
	buf = buf[:n]
	_, _ = s.rawTap.TryWrite(buf)
	return buf
}
