package band

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/band-relay/internal/bt"
	"github.com/lowaak/band-relay/internal/events"
	"github.com/lowaak/band-relay/internal/go_func_utils"
)

// AuthBehavior selects how a MockBand answers the first handshake round.
type AuthBehavior int

const (
	AuthAccept  AuthBehavior = iota // Complete all three rounds
	AuthRefuse                      // Fail status on round 1
	AuthNoTouch                     // No user input status on round 1
	AuthSilent                      // Never answer
)

func (b AuthBehavior) String() string {
	switch b {
	case AuthAccept:
		return "accept"
	case AuthRefuse:
		return "refuse"
	case AuthNoTouch:
		return "no-touch"
	case AuthSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// MockWrite records a value written to a characteristic
type MockWrite struct {
	Timestamp time.Time    `json:"timestamp"`
	Attr      bt.Attribute `json:"attribute"`
	Data      []byte       `json:"data"`
}

// MockRadio implements bt.Radio with simulated bands, for tests and runs
// without Bluetooth hardware.
type MockRadio struct {
	logger *log.Logger

	mu          sync.Mutex
	bands       []*MockBand
	discoverErr error
	openErr     error
}

var _ bt.Radio = (*MockRadio)(nil)

func NewMockRadio(logger *log.Logger) *MockRadio {
	if logger == nil {
		panic("MockRadio: logger cannot be nil")
	}
	return &MockRadio{logger: logger}
}

// AddBand makes a new simulated band discoverable.
func (r *MockRadio) AddBand(name, address string) *MockBand {
	b := &MockBand{
		logger:    r.logger,
		name:      name,
		address:   address,
		cipher:    MustNewCipher(Secret),
		challenge: []byte{0x5a, 0x17, 0xc3, 0x08, 0x91, 0x2e, 0x44, 0xbd, 0x70, 0x0f, 0xe6, 0x39, 0xa2, 0x5b, 0x13, 0xd8},
		heartRate: 70,
	}
	r.mu.Lock()
	r.bands = append(r.bands, b)
	r.mu.Unlock()
	return b
}

func (r *MockRadio) Bands() []*MockBand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockBand(nil), r.bands...)
}

// SetDiscoverError makes every Discover call fail with err (nil clears it).
func (r *MockRadio) SetDiscoverError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoverErr = err
}

// SetOpenError makes every Open call fail with err (nil clears it).
func (r *MockRadio) SetOpenError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openErr = err
}

func (r *MockRadio) Discover(ctx context.Context, name string) ([]bt.Peripheral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discoverErr != nil {
		return nil, r.discoverErr
	}
	var found []bt.Peripheral
	for _, b := range r.bands {
		if b.name == name {
			found = append(found, bt.Peripheral{Address: b.address, Name: b.name, RSSI: -60})
		}
	}
	r.logger.Printf("MockRadio: discovered %d device(s) named %q", len(found), name)
	return found, nil
}

func (r *MockRadio) Open(ctx context.Context, p bt.Peripheral) (bt.Link, error) {
	r.mu.Lock()
	openErr := r.openErr
	var band *MockBand
	for _, b := range r.bands {
		if b.address == p.Address {
			band = b
			break
		}
	}
	r.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	if band == nil {
		return nil, fmt.Errorf("mock radio: no band at %s", p.Address)
	}
	return band.open(), nil
}

// MockBand is one simulated band. It answers handshake rounds, records writes
// and pushes heart-rate notifications.
type MockBand struct {
	logger    *log.Logger
	name      string
	address   string
	cipher    *Cipher
	challenge []byte

	mu           sync.Mutex
	auth         AuthBehavior
	writes       []MockWrite
	link         *mockLink
	opens        int
	heartRate    int
	autoInterval time.Duration
	autoStop     chan struct{}
}

func (b *MockBand) Name() string    { return b.name }
func (b *MockBand) Address() string { return b.address }

func (b *MockBand) SetAuthBehavior(behavior AuthBehavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = behavior
}

// SetHeartRate sets the value used by automatic measurements.
func (b *MockBand) SetHeartRate(value int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartRate = value
}

func (b *MockBand) HeartRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartRate
}

// AutoMeasure makes the band push its heart rate every interval while a
// measurement is running. Zero disables it.
func (b *MockBand) AutoMeasure(interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoInterval = interval
}

func (b *MockBand) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link != nil
}

// Opens returns how many links were opened to this band.
func (b *MockBand) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *MockBand) Writes() []MockWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MockWrite(nil), b.writes...)
}

// WritesTo returns the payloads written to attr, oldest first.
func (b *MockBand) WritesTo(attr bt.Attribute) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, w := range b.writes {
		if w.Attr == attr {
			out = append(out, w.Data)
		}
	}
	return out
}

// Subscribed reports whether the current link has subscribers on attr.
func (b *MockBand) Subscribed(attr bt.Attribute) bool {
	link := b.currentLink()
	return link != nil && link.hub.Subscribed(attr)
}

// PushHeartRate sends one measurement notification. It reports whether a
// subscriber was listening.
func (b *MockBand) PushHeartRate(value int) bool {
	return b.Notify(AttrHeartRateMeasurement, []byte{0x00, byte(value)})
}

// Notify delivers a raw notification on attr.
func (b *MockBand) Notify(attr bt.Attribute, payload []byte) bool {
	link := b.currentLink()
	if link == nil || !link.hub.Subscribed(attr) {
		return false
	}
	link.hub.Deliver(attr, payload)
	return true
}

// SimulateDisconnect drops the current link as if the band went out of range.
func (b *MockBand) SimulateDisconnect() {
	link := b.currentLink()
	if link == nil {
		return
	}
	b.logger.Printf("MockBand: %s simulating link loss", b.address)
	link.drop()
}

func (b *MockBand) currentLink() *mockLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

func (b *MockBand) open() *mockLink {
	if old := b.currentLink(); old != nil {
		old.drop()
	}
	link := &mockLink{
		band:      b,
		hub:       bt.NewNotifyHub(b.logger, nil, nil),
		status:    events.NewChannelEvent[bool](true),
		connected: true,
	}
	link.status.Notify(true)

	b.mu.Lock()
	b.link = link
	b.opens++
	b.mu.Unlock()

	b.logger.Printf("MockBand: %s link opened", b.address)
	return link
}

func (b *MockBand) detach(link *mockLink) {
	b.mu.Lock()
	if b.link == link {
		b.link = nil
	}
	b.mu.Unlock()
	b.stopAuto()
}

func (b *MockBand) onWrite(link *mockLink, attr bt.Attribute, data []byte) {
	b.mu.Lock()
	b.writes = append(b.writes, MockWrite{Timestamp: time.Now(), Attr: attr, Data: append([]byte(nil), data...)})
	auth := b.auth
	b.mu.Unlock()

	switch attr {
	case AttrAuth:
		b.answerAuth(link, auth, data)
	case AttrHeartRateControlPoint:
		b.onControlPoint(link, data)
	}
}

func (b *MockBand) answerAuth(link *mockLink, behavior AuthBehavior, data []byte) {
	if len(data) < 2 {
		return
	}
	reply := func(round, status byte, extra ...byte) {
		msg := append([]byte{authResponseHeader, round, status}, extra...)
		link.hub.Deliver(AttrAuth, msg)
	}

	switch data[0] {
	case authRoundSendKey:
		switch behavior {
		case AuthAccept:
			reply(authRoundSendKey, authStatusSuccess)
		case AuthRefuse:
			reply(authRoundSendKey, authStatusFail)
		case AuthNoTouch:
			reply(authRoundSendKey, authStatusNoUserInput)
		case AuthSilent:
		}
	case authRoundRequestChallenge:
		reply(authRoundRequestChallenge, authStatusSuccess, b.challenge...)
	case authRoundSendEncrypted:
		expected, err := b.cipher.Encrypt(b.challenge)
		if err == nil && bytes.Equal(data[2:], expected) {
			reply(authRoundSendEncrypted, authStatusSuccess)
		} else {
			reply(authRoundSendEncrypted, authStatusFail)
		}
	}
}

func (b *MockBand) onControlPoint(link *mockLink, data []byte) {
	switch {
	case bytes.Equal(data, cmdStartContinuous):
		b.startAuto(link, false)
	case bytes.Equal(data, cmdStartSingle):
		b.startAuto(link, true)
	case bytes.Equal(data, cmdStopContinuous), bytes.Equal(data, cmdStopSingle):
		b.stopAuto()
	}
}

func (b *MockBand) startAuto(link *mockLink, single bool) {
	b.mu.Lock()
	interval := b.autoInterval
	if interval <= 0 || b.autoStop != nil {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.autoStop = stop
	b.mu.Unlock()

	go_func_utils.SafeGo(b.logger, "mock-band-measure", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !link.isConnected() {
					return
				}
				link.hub.Deliver(AttrHeartRateMeasurement, []byte{0x00, byte(b.HeartRate())})
				if single {
					b.stopAuto()
					return
				}
			}
		}
	})
}

func (b *MockBand) stopAuto() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.autoStop != nil {
		close(b.autoStop)
		b.autoStop = nil
	}
}

// mockLink is a bt.Link onto a MockBand.
type mockLink struct {
	band   *MockBand
	hub    *bt.NotifyHub
	status *events.ChannelEvent[bool]

	mu        sync.Mutex
	connected bool
}

var _ bt.Link = (*mockLink)(nil)

func (l *mockLink) Address() string {
	return l.band.address
}

func (l *mockLink) Write(attr bt.Attribute, data []byte) error {
	if !l.isConnected() {
		return bt.ErrNotConnected
	}
	l.band.onWrite(l, attr, data)
	return nil
}

func (l *mockLink) Subscribe(attr bt.Attribute) (*bt.Subscription, error) {
	if !l.isConnected() {
		return nil, bt.ErrNotConnected
	}
	return l.hub.Subscribe(attr)
}

func (l *mockLink) ListenStatus(ch chan<- bool) func() {
	return l.status.Listen(ch)
}

func (l *mockLink) Close() error {
	l.drop()
	return nil
}

func (l *mockLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *mockLink) drop() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	l.mu.Unlock()

	l.hub.Close()
	l.band.detach(l)
	l.status.Notify(false)
}
