// Package bt is the radio link boundary: discovery, connection and raw GATT
// attribute access for a BLE peripheral. Higher layers only see Radio and Link.
package bt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by Link operations after the link was closed or dropped.
	ErrNotConnected = errors.New("bt: link not connected")
	// ErrAttributeNotFound is returned when a service or characteristic is missing on the peripheral.
	ErrAttributeNotFound = errors.New("bt: attribute not found")
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota // 0
	Connecting                        // 1
	Connected                         // 2
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// Attribute addresses one characteristic inside one service.
type Attribute struct {
	ServiceUUID        string
	CharacteristicUUID string
}

func (a Attribute) String() string {
	return fmt.Sprintf("%s/%s", a.ServiceUUID, a.CharacteristicUUID)
}

func (a Attribute) key() string {
	return strings.ToLower(a.ServiceUUID) + "_" + strings.ToLower(a.CharacteristicUUID)
}

// Peripheral is a discovery result.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int16
}

// Radio finds peripherals and opens links to them.
type Radio interface {
	// Discover returns peripherals advertising the given local name. Scanning
	// may stop as soon as a peripheral without an open link is seen, otherwise
	// it lasts until ctx expires. An empty result is not an error.
	Discover(ctx context.Context, name string) ([]Peripheral, error)
	// Open connects to p. The returned Link is exclusively owned by the caller.
	Open(ctx context.Context, p Peripheral) (Link, error)
}

// Link is one open connection to a peripheral.
type Link interface {
	Address() string
	// Write performs a write-with-response on attr.
	Write(attr Attribute, data []byte) error
	// Subscribe enables notifications on attr. Values are delivered on the
	// returned Subscription until it is cancelled or the link closes.
	Subscribe(attr Attribute) (*Subscription, error)
	// ListenStatus registers ch for connection status changes (true = connected).
	// The current status is replayed on registration.
	ListenStatus(ch chan<- bool) func()
	// Close disconnects and cancels all subscriptions. Safe to call twice.
	Close() error
}
