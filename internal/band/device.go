package band

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/band-relay/internal/bt"
	"github.com/lowaak/band-relay/internal/events"
	"github.com/lowaak/band-relay/internal/go_func_utils"
)

// Device is the session for one band addressed by its index. It owns the
// link while connected and forwards operations to the auth and heart-rate
// sessions once their preconditions hold.
type Device struct {
	logger   *log.Logger
	index    int
	radio    bt.Radio
	registry *Registry
	opts     Options

	auth      *AuthSession
	heartRate *HeartRateSession

	heartRateEvent  *events.ChannelEvent[HeartRateSample]
	connectionEvent *events.ChannelEvent[bool]

	mu        sync.Mutex
	status    bt.BTDeviceState
	link      bt.Link
	address   string
	stopWatch func()
}

func newDevice(logger *log.Logger, index int, radio bt.Radio, registry *Registry, c *Cipher, opts Options) *Device {
	d := &Device{
		logger:          logger,
		index:           index,
		radio:           radio,
		registry:        registry,
		opts:            opts,
		auth:            NewAuthSession(logger, index, c, opts),
		heartRateEvent:  events.NewChannelEvent[HeartRateSample](false),
		connectionEvent: events.NewChannelEvent[bool](false),
		status:          bt.Disconnected,
	}
	d.heartRate = NewHeartRateSession(logger, index, opts, d.heartRateEvent.Notify)
	return d
}

func (d *Device) Index() int {
	return d.index
}

func (d *Device) Status() bt.BTDeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) IsConnected() bool {
	return d.Status() == bt.Connected
}

// IsAuthenticated never reports true for a disconnected device.
func (d *Device) IsAuthenticated() bool {
	return d.IsConnected() && d.auth.IsAuthenticated()
}

// Address is the physical address of the connected band, empty when disconnected.
func (d *Device) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

func (d *Device) AuthState() AuthState {
	return d.auth.State()
}

func (d *Device) HeartRateMode() HeartRateMode {
	return d.heartRate.Mode()
}

// ListenHeartRate registers ch for heart-rate samples. The registration
// survives reconnects of this index. Returns a deregistration function.
func (d *Device) ListenHeartRate(ch chan<- HeartRateSample) func() {
	return d.heartRateEvent.Listen(ch)
}

// ListenConnection registers ch for connection changes.
// Returns a deregistration function.
func (d *Device) ListenConnection(ch chan<- bool) func() {
	return d.connectionEvent.Listen(ch)
}

// Connect discovers a band by the configured name and opens a link to it.
// Connecting an already connected device succeeds without radio traffic.
func (d *Device) Connect(ctx context.Context) error {
	if !d.registry.beginConnect() {
		return newError(KindAccessDenied, nil, "another connection attempt is in progress")
	}
	defer d.registry.endConnect()

	d.mu.Lock()
	if d.status == bt.Connected {
		d.mu.Unlock()
		d.logger.Printf("Device[%d]: already connected", d.index)
		return nil
	}
	d.status = bt.Connecting
	d.mu.Unlock()

	link, address, err := d.open(ctx)
	if err != nil {
		d.mu.Lock()
		d.status = bt.Disconnected
		d.mu.Unlock()
		d.logger.Printf("Device[%d]: connect failed: %v", d.index, err)
		return err
	}

	d.attach(link, address)
	d.logger.Printf("Device[%d]: connected to %s", d.index, address)
	d.connectionEvent.Notify(true)
	return nil
}

func (d *Device) open(ctx context.Context) (bt.Link, string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d.opts.ScanTimeout)
	defer cancel()

	d.logger.Printf("Device[%d]: looking for %q", d.index, d.opts.DeviceName)
	peripherals, err := d.radio.Discover(scanCtx, d.opts.DeviceName)
	if err != nil {
		return nil, "", newError(KindPlatformFault, err, "discovery failed")
	}

	var chosen *bt.Peripheral
	for i := range peripherals {
		if d.registry.claim(peripherals[i].Address, d.index) {
			chosen = &peripherals[i]
			break
		}
	}
	if chosen == nil {
		return nil, "", newError(KindDeviceNotFound, nil, "no device named %q found", d.opts.DeviceName)
	}

	link, err := d.radio.Open(ctx, *chosen)
	if err == nil && link == nil {
		err = fmt.Errorf("radio returned no link for %s", chosen.Address)
	}
	if err != nil {
		d.registry.release(chosen.Address)
		return nil, "", newError(KindPlatformFault, err, "could not open %s", chosen.Address)
	}
	return link, chosen.Address, nil
}

func (d *Device) attach(link bt.Link, address string) {
	d.auth.Attach(link)
	d.heartRate.Attach(link)

	statusCh := make(chan bool, 4)
	unregister := link.ListenStatus(statusCh)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			unregister()
			close(done)
		})
	}

	d.mu.Lock()
	d.link = link
	d.address = address
	d.status = bt.Connected
	d.stopWatch = stop
	d.mu.Unlock()

	go_func_utils.SafeGo(d.logger, fmt.Sprintf("device-%d-status", d.index), func() {
		for {
			select {
			case connected := <-statusCh:
				if !connected {
					d.onLinkLost(link)
					return
				}
			case <-done:
				return
			}
		}
	})
}

func (d *Device) onLinkLost(link bt.Link) {
	d.mu.Lock()
	stale := d.link != link
	d.mu.Unlock()
	if stale {
		return
	}
	d.logger.Printf("Device[%d]: link lost", d.index)
	d.disconnect(false)
	d.connectionEvent.Notify(d.IsConnected())
}

// Disconnect releases the link and resets both sub-sessions. Safe to call
// on a disconnected device.
func (d *Device) Disconnect() {
	d.disconnect(true)
}

func (d *Device) disconnect(triggerEvent bool) {
	d.mu.Lock()
	link := d.link
	address := d.address
	stop := d.stopWatch
	wasConnected := link != nil
	d.link = nil
	d.address = ""
	d.stopWatch = nil
	d.status = bt.Disconnected
	d.mu.Unlock()

	d.heartRate.Dispose()
	d.auth.Reset()
	if !wasConnected {
		return
	}

	if stop != nil {
		stop()
	}
	if err := link.Close(); err != nil {
		d.logger.Printf("Device[%d]: error closing link: %v", d.index, err)
	}
	d.registry.release(address)
	d.logger.Printf("Device[%d]: disconnected", d.index)

	if triggerEvent {
		d.connectionEvent.Notify(false)
	}
}

func (d *Device) Authenticate(ctx context.Context) error {
	if !d.IsConnected() {
		return d.notConnected()
	}
	return d.auth.Authenticate(ctx)
}

func (d *Device) RequestTouch(ctx context.Context) error {
	if !d.IsConnected() {
		return d.notConnected()
	}
	return d.auth.RequestTouch(ctx)
}

// StartMeasurement starts acquisition in the configured mode.
func (d *Device) StartMeasurement(ctx context.Context) error {
	if err := d.requireAuthenticated(); err != nil {
		return err
	}
	if d.opts.Mode == MeasurementSingle {
		return d.heartRate.StartSingle(ctx)
	}
	return d.heartRate.StartContinuous(ctx)
}

func (d *Device) StopMeasurement(ctx context.Context) error {
	if err := d.requireAuthenticated(); err != nil {
		return err
	}
	return d.heartRate.StopAll(ctx)
}

func (d *Device) requireAuthenticated() error {
	if !d.IsConnected() {
		return d.notConnected()
	}
	if !d.auth.IsAuthenticated() {
		return newError(KindNotAuthenticated, nil, "device %d is not authenticated", d.index)
	}
	return nil
}

func (d *Device) notConnected() error {
	return newError(KindDeviceDisconnected, nil, "device %d is not connected", d.index)
}
