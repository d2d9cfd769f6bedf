package hub

import (
	"context"
	"time"
)

// runAttempt performs the blocking half of one connect attempt:
// dial, settle, verify the notification characteristic, settle again,
// arm the subscription. Results are reported through the mailbox; the
// run loop owns all state changes. A cancelled ctx means the attempt
// was superseded and the goroutine just returns.
func (h *Hub) runAttempt(ctx context.Context, deviceID int, address string, seq uint64) {
	conn := h.cfg.Connection

	per, err := h.tr.Dial(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.post(event{kind: evAttemptFailed, deviceID: deviceID, seq: seq, err: err})
		return
	}

	h.post(event{kind: evLinkUp, deviceID: deviceID, seq: seq, peripheral: per})

	// Watch for unsolicited transport disconnects for the rest of this
	// link's life. Stale notifications are dropped by the seq guard.
	go func() {
		<-per.Disconnected()
		h.post(event{kind: evLinkLost, deviceID: deviceID, seq: seq})
	}()

	// The sensor-side stack needs a moment after the link comes up
	// before it answers discovery requests.
	if !sleep(ctx, conn.DiscoverySettle) {
		return
	}

	if err := per.EnsureCharacteristic(conn.ServiceUUID, conn.NotifyCharUUID); err != nil {
		h.post(event{kind: evAttemptFailed, deviceID: deviceID, seq: seq, err: err})
		return
	}

	if !sleep(ctx, conn.SubscribeSettle) {
		return
	}

	err = per.Subscribe(conn.ServiceUUID, conn.NotifyCharUUID, func(data []byte) {
		// The transport may reuse the buffer after the callback.
		cp := make([]byte, len(data))
		copy(cp, data)
		h.post(event{kind: evNotification, deviceID: deviceID, seq: seq, data: cp})
	})
	if err != nil {
		h.post(event{kind: evAttemptFailed, deviceID: deviceID, seq: seq, err: err})
		return
	}

	h.post(event{kind: evSubscriptionArmed, deviceID: deviceID, seq: seq})
}

// sleep waits for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
