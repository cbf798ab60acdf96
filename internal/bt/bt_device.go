package bt

import (
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/band-relay/internal/events"
	"tinygo.org/x/bluetooth"
)

// btLink is a Link over a connected tinygo bluetooth device.
type btLink struct {
	logger  *log.Logger
	address bluetooth.Address
	name    string

	mu     sync.Mutex
	device *bluetooth.Device // nil once disconnected
	bleMu  sync.Mutex        // Serializes BLE characteristic operations (notifications, writes)

	serviceByUuid          map[string]*bluetooth.DeviceService
	characteristicByUuid   map[string]*bluetooth.DeviceCharacteristic
	serviceCharsDiscovered map[string]bool
	allServicesDiscovered  bool

	hub       *NotifyHub
	status    *events.ChannelEvent[bool]
	closeOnce sync.Once
	onClose   func()
}

var _ Link = (*btLink)(nil)

func newBtLink(logger *log.Logger, name string, device *bluetooth.Device, onClose func()) *btLink {
	if logger == nil {
		panic("btLink: logger must be non nil")
	}
	l := &btLink{
		logger:                 logger,
		address:                device.Address,
		name:                   name,
		device:                 device,
		serviceByUuid:          make(map[string]*bluetooth.DeviceService),
		characteristicByUuid:   make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsDiscovered: make(map[string]bool),
		status:                 events.NewChannelEvent[bool](true),
		onClose:                onClose,
	}
	l.hub = NewNotifyHub(logger, l.enableNotifications, l.disableNotifications)
	l.status.Notify(true)
	return l
}

func (l *btLink) Address() string {
	return l.address.String()
}

func (l *btLink) Write(attr Attribute, data []byte) error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	characteristic, err := l.getDeviceCharacteristic(attr)
	if err != nil {
		return err
	}
	if err := writeCharacteristic(characteristic, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", attr, err)
	}
	return nil
}

func (l *btLink) Subscribe(attr Attribute) (*Subscription, error) {
	return l.hub.Subscribe(attr)
}

func (l *btLink) ListenStatus(ch chan<- bool) func() {
	return l.status.Listen(ch)
}

func (l *btLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.logger.Printf("BTLink: closing link to %s (%s)", l.name, l.Address())
		l.hub.Close()

		l.mu.Lock()
		device := l.device
		l.device = nil
		l.mu.Unlock()

		if device != nil {
			err = device.Disconnect()
		}
		l.status.Notify(false)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return err
}

// setConnected is called from the adapter connect handler.
func (l *btLink) setConnected(connected bool) {
	if connected {
		return
	}
	l.mu.Lock()
	wasConnected := l.device != nil
	l.device = nil
	l.mu.Unlock()
	if !wasConnected {
		return
	}
	l.logger.Printf("BTLink: %s dropped", l.Address())
	l.hub.Close()
	l.status.Notify(false)
}

func (l *btLink) enableNotifications(attr Attribute, deliver func([]byte)) error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	characteristic, err := l.getDeviceCharacteristic(attr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(deliver); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", attr, err)
	}
	return nil
}

func (l *btLink) disableNotifications(attr Attribute) error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	characteristic, err := l.getDeviceCharacteristic(attr)
	if err != nil {
		return err
	}
	// Pass nil callback to disable notifications
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", attr, err)
	}
	return nil
}

func (l *btLink) connectedDevice() *bluetooth.Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device
}

// getDeviceService must be called with bleMu held.
func (l *btLink) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	device := l.connectedDevice()
	if device == nil {
		return nil, ErrNotConnected
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := l.serviceByUuid[serviceUuidStr]; ok {
		return service, nil
	}

	// Discovering single services repeatedly interrupts notifications on
	// services discovered earlier, so everything is discovered once.
	if !l.allServicesDiscovered {
		l.logger.Printf("BTLink: Discovering all services for %s", l.Address())
		deviceServices, err := device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			l.serviceByUuid[svc.UUID().String()] = svc
		}
		l.allServicesDiscovered = true
	}

	service, ok := l.serviceByUuid[serviceUuidStr]
	if !ok {
		return nil, fmt.Errorf("service %v: %w", serviceUuidStr, ErrAttributeNotFound)
	}
	return service, nil
}

// getDeviceCharacteristic must be called with bleMu held.
func (l *btLink) getDeviceCharacteristic(attr Attribute) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(attr.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", attr.ServiceUUID, err)
	}
	charUuid, err := bluetooth.ParseUUID(attr.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", attr.CharacteristicUUID, err)
	}

	if l.connectedDevice() == nil {
		return nil, ErrNotConnected
	}

	serviceUuidStr := serviceUuid.String()
	comboUuidStr := fmt.Sprintf("%s_%s", serviceUuidStr, charUuid.String())
	if characteristic, ok := l.characteristicByUuid[comboUuidStr]; ok {
		return characteristic, nil
	}

	if !l.serviceCharsDiscovered[serviceUuidStr] {
		service, err := l.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		l.logger.Printf("BTLink: Discovering all characteristics for service %s", serviceUuidStr)
		discovered, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discovered {
			char := &discovered[i]
			l.characteristicByUuid[fmt.Sprintf("%s_%s", serviceUuidStr, char.UUID().String())] = char
		}
		l.serviceCharsDiscovered[serviceUuidStr] = true
	}

	characteristic, ok := l.characteristicByUuid[comboUuidStr]
	if !ok {
		return nil, fmt.Errorf("characteristic %v in service %v: %w", charUuid.String(), serviceUuidStr, ErrAttributeNotFound)
	}
	return characteristic, nil
}
