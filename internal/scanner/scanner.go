// Package scanner performs fixed-duration BLE discovery, filtering
// advertisements down to spoilage-sensor peripherals by name and
// service heuristics and deduplicating by platform identity.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/freshsense/gasmon/internal/ident"
	"github.com/freshsense/gasmon/internal/ringchan"
	"github.com/freshsense/gasmon/internal/transport"
)

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is emitted on the event feed for every accepted
// advertisement.
type DeviceEvent struct {
	Type      DeviceEventType
	Discovery Discovery
}

// Discovery describes one filtered, deduplicated peripheral.
type Discovery struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	ID          int       `json:"id"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"last_seen"`
}

// ScanOptions configures discovery behavior.
type ScanOptions struct {
	Duration time.Duration

	// NameHints are case-insensitive substrings; an advertisement is
	// accepted when its local name matches any hint or it advertises
	// ServiceUUID.
	NameHints   []string
	ServiceUUID string

	// Unfiltered disables the heuristics (operator debug toggle).
	Unfiltered bool

	// BlockList holds platform addresses to skip, e.g. peripherals the
	// hub already holds a session for.
	BlockList []string
}

// DefaultScanOptions returns default discovery options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:    10 * time.Second,
		NameHints:   []string{"ESP32", "SPOILAGE", "GAS"},
		ServiceUUID: transport.SpoilageServiceUUID,
	}
}

// Scanner handles sensor peripheral discovery.
type Scanner struct {
	devices *hashmap.Map[string, Discovery]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
}

// NewScanner creates a scanner publishing accepted advertisements on an
// overwrite-oldest event feed.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}
}

// Scan runs discovery for the configured duration and returns the
// accepted peripherals sorted by numeric id.
func (s *Scanner) Scan(ctx context.Context, tr transport.Scanner, opts *ScanOptions) ([]Discovery, error) {
	s.devices = hashmap.New[string, Discovery]()

	if opts == nil {
		opts = DefaultScanOptions()
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting sensor discovery...")

	// The options travel with the handler: a callback the transport
	// delivers after Scan has returned still sees them.
	err := tr.Scan(scanCtx, true, func(adv transport.Advertisement) {
		s.handleAdvertisement(adv, opts)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Sensor discovery completed")

	found := make([]Discovery, 0, s.devices.Len())
	s.devices.Range(func(_ string, d Discovery) bool {
		found = append(found, d)
		return true
	})
	sort.Slice(found, func(i, j int) bool {
		if found[i].ID != found[j].ID {
			return found[i].ID < found[j].ID
		}
		return found[i].Address < found[j].Address
	})
	return found, nil
}

// handleAdvertisement updates an existing entry or adds a new device.
func (s *Scanner) handleAdvertisement(adv transport.Advertisement, opts *ScanOptions) {
	addr := adv.Addr()

	existing, known := s.devices.Get(addr)
	if !known && !s.shouldInclude(adv, opts) {
		return
	}

	d := Discovery{
		Address:     addr,
		Name:        adv.LocalName(),
		ID:          ident.ParseDeviceID(adv.LocalName()),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    time.Now(),
	}
	if known && d.Name == "" {
		// Scan responses may omit the name; keep the one we saw first.
		d.Name = existing.Name
		d.ID = existing.ID
	}
	s.devices.Set(addr, d)

	event := DeviceEvent{Type: EventUpdated, Discovery: d}
	if !known {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  d.Name,
			"id":      d.ID,
			"address": d.Address,
			"rssi":    d.RSSI,
		}).Info("Discovered sensor peripheral")
	}
	s.events.Send(event)
}

// shouldInclude applies block list and name/service heuristics.
func (s *Scanner) shouldInclude(adv transport.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()
	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if opts.Unfiltered {
		return true
	}

	name := strings.ToUpper(adv.LocalName())
	for _, hint := range opts.NameHints {
		if hint != "" && strings.Contains(name, strings.ToUpper(hint)) {
			return true
		}
	}

	if opts.ServiceUUID != "" {
		want := transport.NormalizeUUID(opts.ServiceUUID)
		for _, svc := range adv.Services() {
			if transport.NormalizeUUID(svc) == want {
				return true
			}
		}
	}

	return false
}

// Events returns the read-only feed of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
