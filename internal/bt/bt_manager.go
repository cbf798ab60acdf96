package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/band-relay/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

var errScanInProgress = errors.New("bt: scan already in progress")

// Verify Manager implements Radio
var _ Radio = (*Manager)(nil)

// Manager is the Radio backed by the host bluetooth adapter.
type Manager struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu               sync.Mutex
	scanning         bool
	addressByString  map[string]bluetooth.Address
	linksByAddress   map[string]*btLink
	wg               sync.WaitGroup
	shutdownComplete bool
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger) *Manager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	return &Manager{
		adapter:         adapter,
		logger:          logger,
		addressByString: make(map[string]bluetooth.Address),
		linksByAddress:  make(map[string]*btLink),
	}
}

func (m *Manager) Enable() error {
	// Set up connection handler to track disconnections of open links
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
		}

		m.mu.Lock()
		link, ok := m.linksByAddress[addressStr]
		m.mu.Unlock()
		if ok {
			link.setConnected(connected)
		}
	})

	return m.adapter.Enable()
}

func (m *Manager) Discover(ctx context.Context, name string) ([]Peripheral, error) {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return nil, errScanInProgress
	}
	m.scanning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return nil, nil
	}
	m.logger.Printf("BTManager: Starting scan for %q", name)

	scanDone := make(chan struct{})
	defer close(scanDone)

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, "scan-timeout", func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			if err := m.adapter.StopScan(); err != nil {
				m.logger.Printf("BTManager: Error stopping scan: %v", err)
			}
		case <-scanDone:
		}
	})

	var (
		resultMu sync.Mutex
		found    []Peripheral
		seen     = make(map[string]struct{})
	)
	err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
		if ctx.Err() != nil {
			// ignore the result - StopScan is on its way
			return
		}
		if device.LocalName() != name {
			return
		}
		addressStr := device.Address.String()

		resultMu.Lock()
		if _, dup := seen[addressStr]; dup {
			resultMu.Unlock()
			return
		}
		seen[addressStr] = struct{}{}
		found = append(found, Peripheral{Address: addressStr, Name: device.LocalName(), RSSI: device.RSSI})
		resultMu.Unlock()

		m.mu.Lock()
		m.addressByString[addressStr] = device.Address
		_, linked := m.linksByAddress[addressStr]
		m.mu.Unlock()

		m.logger.Printf("BTManager: Found device: %s (%s) [RSSI: %d]", name, addressStr, device.RSSI)
		if !linked {
			if err := adapter.StopScan(); err != nil {
				m.logger.Printf("BTManager: Error stopping scan: %v", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	resultMu.Lock()
	defer resultMu.Unlock()
	return append([]Peripheral(nil), found...), nil
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

func (m *Manager) Open(ctx context.Context, p Peripheral) (Link, error) {
	m.mu.Lock()
	address, ok := m.addressByString[p.Address]
	_, linked := m.linksByAddress[p.Address]
	m.mu.Unlock()
	if linked {
		return nil, fmt.Errorf("link to %s already open", p.Address)
	}
	if !ok {
		// Not seen by this manager's scans; on macOS the string is a UUID, elsewhere a MAC.
		address.Set(p.Address)
	}

	m.logger.Printf("BTManager: Attempting to connect to device: %s", p.Address)

	// adapter.Connect has no context, so the result is handed over on a channel
	// and a late success after ctx expiry is disconnected again.
	resultCh := make(chan connectResult, 1)
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, "connect", func() {
		defer m.wg.Done()
		device, err := m.adapter.Connect(address, bluetooth.ConnectionParams{})
		resultCh <- connectResult{device: device, err: err}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			m.logger.Printf("BTManager: Connection error: %v", res.err)
			return nil, res.err
		}
		device := res.device
		link := newBtLink(m.logger, p.Name, &device, func() { m.forget(p.Address) })

		m.mu.Lock()
		m.linksByAddress[p.Address] = link
		m.mu.Unlock()

		m.logger.Printf("BTManager: Connected to device: %s", p.Address)
		return link, nil
	case <-ctx.Done():
		m.wg.Add(1)
		go_func_utils.SafeGo(m.logger, "connect-abandon", func() {
			defer m.wg.Done()
			res := <-resultCh
			if res.err == nil {
				_ = res.device.Disconnect()
			}
		})
		return nil, ctx.Err()
	}
}

func (m *Manager) forget(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.linksByAddress, address)
}

// Shutdown closes every open link and waits for background goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdownComplete {
		m.mu.Unlock()
		return
	}
	m.shutdownComplete = true
	links := make([]*btLink, 0, len(m.linksByAddress))
	for _, link := range m.linksByAddress {
		links = append(links, link)
	}
	m.mu.Unlock()

	m.logger.Println("BTManager: Shutting down")
	m.logger.Printf("Number of connected devices %v", len(links))
	for _, link := range links {
		if err := link.Close(); err != nil {
			m.logger.Printf("Error disconnecting from %v: %v", link.Address(), err)
		} else {
			m.logger.Printf("Disconnected from %v", link.Address())
		}
	}
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}
