package hub

import (
	"github.com/freshsense/gasmon/internal/reading"
	"github.com/freshsense/gasmon/internal/session"
	"github.com/freshsense/gasmon/internal/transport"
)

// eventKind enumerates the internal mailbox events. Everything that
// mutates the registry arrives here and is processed by the run loop,
// one event at a time.
type eventKind int

const (
	evConnectRequest eventKind = iota
	evDisconnectRequest
	evLinkUp
	evSubscriptionArmed
	evAttemptFailed
	evNotification
	evLinkLost
	evTimerFired
	evSnapshotRequest
)

// timerKind distinguishes the three scheduled operations of a session.
type timerKind int

const (
	timerConnect timerKind = iota
	timerRetry
	timerRemoval
)

func (k timerKind) String() string {
	switch k {
	case timerConnect:
		return "connect-timeout"
	case timerRetry:
		return "retry-delay"
	case timerRemoval:
		return "removal-grace"
	default:
		return "timer(?)"
	}
}

// event is one internal mailbox entry. seq carries the attempt sequence
// the event belongs to; handlers drop events from superseded attempts.
type event struct {
	kind     eventKind
	deviceID int
	seq      uint64

	name    string // connect request
	address string // connect request

	peripheral transport.Peripheral // link up
	data       []byte               // notification
	err        error                // attempt failure
	timer      timerKind            // timer fired

	reply chan []SessionView // snapshot request
}

// FeedKind classifies events published on the external feed.
type FeedKind int

const (
	// FeedStateChanged reports a connection state transition.
	FeedStateChanged FeedKind = iota
	// FeedReading reports an accepted sensor reading.
	FeedReading
	// FeedDataError reports a malformed payload (non-fatal).
	FeedDataError
	// FeedSessionRemoved reports a session leaving the registry.
	FeedSessionRemoved
)

// FeedEvent is published on the hub's overwrite-oldest event feed for
// consumers such as the CLI display.
type FeedEvent struct {
	Kind     FeedKind
	DeviceID int
	Name     string
	State    session.State
	Reading  *reading.Reading
	Err      string
}
