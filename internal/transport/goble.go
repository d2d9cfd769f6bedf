package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Factory creates the Transport the hub runs on. It is a variable so
// tests and alternative stacks can replace it.
var Factory = func(logger *logrus.Logger) (Transport, error) {
	dev, err := newNativeDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return &bleTransport{dev: dev, logger: logger}, nil
}

type bleTransport struct {
	dev    ble.Device
	logger *logrus.Logger
}

func (t *bleTransport) Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error {
	err := t.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(&bleAdvertisement{adv: adv})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	return nil
}

func (t *bleTransport) Dial(ctx context.Context, address string) (Peripheral, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", address, NormalizeError(err))
	}

	t.logger.WithField("address", address).Debug("BLE link established")
	return &blePeripheral{client: client, logger: t.logger}, nil
}

type bleAdvertisement struct {
	adv ble.Advertisement
}

func (a *bleAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *bleAdvertisement) Addr() string             { return a.adv.Addr().String() }
func (a *bleAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *bleAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *bleAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }

func (a *bleAdvertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u.String()))
	}
	return out
}

type blePeripheral struct {
	client ble.Client
	logger *logrus.Logger

	mu      sync.Mutex
	profile *ble.Profile
}

func (p *blePeripheral) Address() string {
	return p.client.Addr().String()
}

func (p *blePeripheral) EnsureCharacteristic(serviceUUID, charUUID string) error {
	if _, err := p.findCharacteristic(serviceUUID, charUUID); err != nil {
		return err
	}
	return nil
}

func (p *blePeripheral) findCharacteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.profile == nil {
		profile, err := p.client.DiscoverProfile(true)
		if err != nil {
			return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
		}
		p.profile = profile
	}

	wantSvc := NormalizeUUID(serviceUUID)
	wantChar := NormalizeUUID(charUUID)

	for _, svc := range p.profile.Services {
		if NormalizeUUID(svc.UUID.String()) != wantSvc {
			continue
		}
		for _, char := range svc.Characteristics {
			if NormalizeUUID(char.UUID.String()) == wantChar {
				return char, nil
			}
		}
		return nil, &NotFoundError{Resource: "characteristic", UUID: charUUID}
	}
	return nil, &NotFoundError{Resource: "service", UUID: serviceUUID}
}

func (p *blePeripheral) Subscribe(serviceUUID, charUUID string, handler func(data []byte)) error {
	char, err := p.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	if char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %q does not support notifications", charUUID)
	}

	if err := p.client.Subscribe(char, false, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", charUUID, NormalizeError(err))
	}

	p.logger.WithFields(logrus.Fields{
		"address": p.Address(),
		"char":    charUUID,
	}).Debug("Notification subscription armed")
	return nil
}

func (p *blePeripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *blePeripheral) Disconnect() error {
	if err := p.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}
