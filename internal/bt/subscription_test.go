package bt

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAttr = Attribute{
	ServiceUUID:        "0000180d-0000-1000-8000-00805f9b34fb",
	CharacteristicUUID: "00002a37-0000-1000-8000-00805f9b34fb",
}

type fakeGatt struct {
	mu       sync.Mutex
	enabled  map[string]func([]byte)
	enables  int
	disables int
	failWith error

	// When set, disable signals disableStarted and blocks until disableGate closes.
	disableStarted chan struct{}
	disableGate    chan struct{}
}

func newFakeGatt() *fakeGatt {
	return &fakeGatt{enabled: make(map[string]func([]byte))}
}

func (f *fakeGatt) enable(attr Attribute, deliver func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.enables++
	f.enabled[attr.key()] = deliver
	return nil
}

func (f *fakeGatt) disable(attr Attribute) error {
	if f.disableGate != nil {
		f.disableStarted <- struct{}{}
		<-f.disableGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
	delete(f.enabled, attr.key())
	return nil
}

func (f *fakeGatt) push(attr Attribute, buf []byte) {
	f.mu.Lock()
	deliver := f.enabled[attr.key()]
	f.mu.Unlock()
	if deliver != nil {
		deliver(buf)
	}
}

func (f *fakeGatt) isEnabled(attr Attribute) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.enabled[attr.key()]
	return ok
}

func (f *fakeGatt) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables, f.disables
}

func newTestHub(g *fakeGatt) *NotifyHub {
	return NewNotifyHub(log.New(&bytes.Buffer{}, "", 0), g.enable, g.disable)
}

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case v := <-sub.C:
		return v
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notification")
		return nil
	}
}

func TestNewNotifyHub_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewNotifyHub(nil, nil, nil)
	})
}

func TestNotifyHub_SubscribeEnablesOnce(t *testing.T) {
	g := newFakeGatt()
	hub := newTestHub(g)

	sub1, err := hub.Subscribe(testAttr)
	require.NoError(t, err)
	sub2, err := hub.Subscribe(testAttr)
	require.NoError(t, err)

	enables, _ := g.counts()
	assert.Equal(t, 1, enables)
	assert.True(t, hub.Subscribed(testAttr))

	g.push(testAttr, []byte{0x00, 72})
	assert.Equal(t, []byte{0x00, 72}, receive(t, sub1))
	assert.Equal(t, []byte{0x00, 72}, receive(t, sub2))
}

func TestNotifyHub_DeliveredBufferIsCopied(t *testing.T) {
	g := newFakeGatt()
	hub := newTestHub(g)
	sub, err := hub.Subscribe(testAttr)
	require.NoError(t, err)

	buf := []byte{0x00, 60}
	g.push(testAttr, buf)
	buf[1] = 99

	assert.Equal(t, []byte{0x00, 60}, receive(t, sub))
}

func TestNotifyHub_LastCancelDisables(t *testing.T) {
	g := newFakeGatt()
	hub := newTestHub(g)

	sub1, err := hub.Subscribe(testAttr)
	require.NoError(t, err)
	sub2, err := hub.Subscribe(testAttr)
	require.NoError(t, err)

	sub1.Cancel()
	_, disables := g.counts()
	assert.Equal(t, 0, disables)
	assert.True(t, hub.Subscribed(testAttr))

	sub2.Cancel()
	sub2.Cancel()
	_, disables = g.counts()
	assert.Equal(t, 1, disables)
	assert.False(t, hub.Subscribed(testAttr))

	select {
	case <-sub2.Done():
	default:
		t.Fatal("Done should be closed after Cancel")
	}
}

func TestNotifyHub_SubscribeDuringDisableReenables(t *testing.T) {
	g := newFakeGatt()
	g.disableStarted = make(chan struct{}, 1)
	g.disableGate = make(chan struct{})
	hub := newTestHub(g)

	first, err := hub.Subscribe(testAttr)
	require.NoError(t, err)

	cancelled := make(chan struct{})
	go func() {
		first.Cancel()
		close(cancelled)
	}()
	select {
	case <-g.disableStarted:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for disable")
	}

	subscribed := make(chan *Subscription, 1)
	go func() {
		sub, err := hub.Subscribe(testAttr)
		assert.NoError(t, err)
		subscribed <- sub
	}()

	select {
	case <-subscribed:
		t.Fatal("Subscribe must wait for the pending disable")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.disableGate)
	<-cancelled

	var second *Subscription
	select {
	case second = <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for Subscribe")
	}
	require.NotNil(t, second)

	enables, disables := g.counts()
	assert.Equal(t, 2, enables)
	assert.Equal(t, 1, disables)
	assert.True(t, hub.Subscribed(testAttr))
	assert.True(t, g.isEnabled(testAttr))

	g.push(testAttr, []byte{0x00, 64})
	assert.Equal(t, []byte{0x00, 64}, receive(t, second))
}

func TestNotifyHub_EnableErrorIsReturned(t *testing.T) {
	g := newFakeGatt()
	g.failWith = errors.New("gatt busy")
	hub := newTestHub(g)

	sub, err := hub.Subscribe(testAttr)
	assert.Nil(t, sub)
	assert.EqualError(t, err, "gatt busy")
	assert.False(t, hub.Subscribed(testAttr))
}

func TestNotifyHub_CloseCancelsSubscriptions(t *testing.T) {
	g := newFakeGatt()
	hub := newTestHub(g)

	sub, err := hub.Subscribe(testAttr)
	require.NoError(t, err)

	hub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Subscription should end when hub closes")
	}

	_, disables := g.counts()
	assert.Equal(t, 0, disables, "closed hub must not touch the radio")

	_, err = hub.Subscribe(testAttr)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNotifyHub_DeliverWithoutGatt(t *testing.T) {
	hub := NewNotifyHub(log.New(&bytes.Buffer{}, "", 0), nil, nil)

	hub.Deliver(testAttr, []byte{1})

	sub, err := hub.Subscribe(testAttr)
	require.NoError(t, err)
	hub.Deliver(testAttr, []byte{0x10, 0x01, 0x01})

	assert.Equal(t, []byte{0x10, 0x01, 0x01}, receive(t, sub))
	select {
	case v := <-sub.C:
		t.Fatalf("unexpected extra notification %v", v)
	default:
	}
}

func TestAttribute_KeyIsCaseInsensitive(t *testing.T) {
	upper := Attribute{ServiceUUID: "0000FEE1-0000-1000-8000-00805F9B34FB", CharacteristicUUID: "00000009-0000-3512-2118-0009AF100700"}
	lower := Attribute{ServiceUUID: "0000fee1-0000-1000-8000-00805f9b34fb", CharacteristicUUID: "00000009-0000-3512-2118-0009af100700"}
	assert.Equal(t, lower.key(), upper.key())
}

func TestBTDeviceState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Unknown", BTDeviceState(42).String())
}
