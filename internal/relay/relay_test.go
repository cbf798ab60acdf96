package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/band-relay/internal/band"
)

const testBandAddress = "C8:0F:10:00:00:01"

type testRelay struct {
	relay    *Relay
	registry *band.Registry
	radio    *band.MockRadio
	band     *band.MockBand
	done     chan error
	cancel   context.CancelFunc
}

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// syncBuffer is a log sink safe to read while the relay writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T, bandOpts band.Options, opts Options) *testRelay {
	t.Helper()
	return startRelayWithLogger(t, newTestLogger(), bandOpts, opts)
}

func startRelayWithLogger(t *testing.T, logger *log.Logger, bandOpts band.Options, opts Options) *testRelay {
	t.Helper()
	radio := band.NewMockRadio(newTestLogger())
	mb := radio.AddBand(band.DefaultDeviceName, testBandAddress)
	reg := band.NewRegistry(newTestLogger(), radio, bandOpts)

	opts.ListenAddress = "127.0.0.1:0"
	r := New(logger, reg, opts)
	require.NoError(t, r.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	tr := &testRelay{relay: r, registry: reg, radio: radio, band: mb, done: make(chan error, 1), cancel: cancel}
	go func() { tr.done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-tr.done:
		case <-time.After(5 * time.Second):
			t.Error("Relay did not stop")
		}
	})
	return tr
}

func (tr *testRelay) dial(t *testing.T, format CommandFormat) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, tr.relay.Addr().String(), format)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, c *Client, cmd ServerCommand) *ServerResponse {
	t.Helper()
	require.NoError(t, c.Send(cmd))
	resp, err := c.Receive()
	require.NoError(t, err)
	return resp
}

func requireSuccess(t *testing.T, resp *ServerResponse, index int) {
	t.Helper()
	require.True(t, resp.Succeeded(), "unexpected failure %s: %s", resp.DataType, resp.Data)
	require.Equal(t, "SuccessResponse", resp.DataType)
	var s SuccessResponse
	require.NoError(t, resp.Decode(&s))
	assert.Equal(t, index, s.DeviceIndex)
}

func requireFailure(t *testing.T, resp *ServerResponse, tag string) {
	t.Helper()
	require.False(t, resp.Succeeded())
	ex, err := resp.Exception()
	require.NoError(t, err)
	assert.Equal(t, tag, ex.Type)
	assert.Equal(t, tag, resp.DataType)
}

func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("Timeout waiting for relay state %s", want)
		}
	}
}

func TestRelay_DeviceNotFound(t *testing.T) {
	tr := startRelay(t, band.Options{DeviceName: "Nothing Here"}, Options{})
	c := tr.dial(t, FormatText)

	resp := request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand})
	requireFailure(t, resp, "DeviceNotFound")
	assert.False(t, tr.registry.Get(0).IsConnected())
}

func TestRelay_UserDidNotTouch(t *testing.T) {
	tr := startRelay(t, band.Options{AuthRoundTimeout: 100 * time.Millisecond}, Options{})
	tr.band.SetAuthBehavior(band.AuthSilent)
	c := tr.dial(t, FormatText)

	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)
	requireFailure(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: AuthenticateBand}), "UserDidNotTouch")
	assert.False(t, tr.registry.Get(0).IsAuthenticated())
}

func TestRelay_MeasurementNeedsAuthenticatedLink(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{})
	c := tr.dial(t, FormatText)

	requireFailure(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: StartMeasurement}), "DeviceDisconnected")
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)
	requireFailure(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: StartMeasurement}), "NotAuthenticated")
}

func TestRelay_HeartRateStream(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := startRelay(t, band.Options{Now: clock.Now}, Options{})
	c := tr.dial(t, FormatText)

	for _, kind := range []CommandKind{ConnectBand, AuthenticateBand, SubscribeToHeartRateChange, StartMeasurement} {
		requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: kind}), 0)
	}

	// Subscribing twice does not duplicate pushes.
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: SubscribeToHeartRateChange}), 0)

	var repeating []bool
	var measureTimes []int64
	for i := 0; i < 3; i++ {
		if i > 0 {
			clock.Advance(5 * time.Second)
		}
		require.True(t, tr.band.PushHeartRate(70))
		resp, err := c.Receive()
		require.NoError(t, err)
		require.True(t, resp.Succeeded())
		require.Equal(t, "HeartRateResponse", resp.DataType)

		var hr HeartRateResponse
		require.NoError(t, resp.Decode(&hr))
		assert.Equal(t, 0, hr.DeviceIndex)
		assert.Equal(t, 70, hr.HeartRate)
		repeating = append(repeating, hr.IsRepeating)
		measureTimes = append(measureTimes, hr.MeasureTime)
	}
	assert.Equal(t, []bool{false, true, true}, repeating)
	assert.Equal(t, []int64{0, 5000, 5000}, measureTimes)

	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: StopMeasurement}), 0)
	assert.False(t, tr.band.Subscribed(band.AttrHeartRateMeasurement))
}

func TestRelay_ConnectionPushes(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{})
	c := tr.dial(t, FormatText)

	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: SubscribeToDeviceConnectionStatusChanged}), 0)
	require.NoError(t, c.Send(ServerCommand{DeviceIndex: 0, Kind: ConnectBand}))

	// The push and the command result may arrive in either order.
	var gotSuccess, gotPush bool
	for i := 0; i < 2; i++ {
		resp, err := c.Receive()
		require.NoError(t, err)
		switch resp.DataType {
		case "SuccessResponse":
			gotSuccess = true
		case "DeviceConnectionResponse":
			var dc DeviceConnectionResponse
			require.NoError(t, resp.Decode(&dc))
			assert.True(t, dc.IsConnected)
			gotPush = true
		default:
			t.Fatalf("unexpected response %s", resp.DataType)
		}
	}
	assert.True(t, gotSuccess)
	assert.True(t, gotPush)

	tr.band.SimulateDisconnect()
	resp, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, "DeviceConnectionResponse", resp.DataType)
	var dc DeviceConnectionResponse
	require.NoError(t, resp.Decode(&dc))
	assert.Equal(t, DeviceConnectionResponse{DeviceIndex: 0, IsConnected: false}, dc)
}

func TestRelay_BadCommands(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{})
	c := tr.dial(t, FormatText)

	require.NoError(t, c.SendText("garbage"))
	resp, err := c.Receive()
	require.NoError(t, err)
	requireFailure(t, resp, TagInvalidCommand)

	require.NoError(t, c.SendText("0-42"))
	resp, err = c.Receive()
	require.NoError(t, err)
	requireFailure(t, resp, TagArgumentOutOfRange)

	// The session survives bad commands.
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)
}

func TestRelay_Int32Format(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{CommandFormat: FormatInt32})
	c := tr.dial(t, FormatInt32)

	requireSuccess(t, request(t, c, ServerCommand{Kind: ConnectBand}), 0)
	assert.True(t, tr.band.Connected())

	require.NoError(t, c.SendRaw(99))
	resp, err := c.Receive()
	require.NoError(t, err)
	requireFailure(t, resp, TagArgumentOutOfRange)

	assert.Error(t, c.Send(ServerCommand{DeviceIndex: 1, Kind: ConnectBand}))
}

func TestRelay_OversizedFrameEndsSession(t *testing.T) {
	logs := &syncBuffer{}
	tr := startRelayWithLogger(t, log.New(logs, "", 0), band.Options{}, Options{})
	states := make(chan State, 64)
	defer tr.relay.ListenState(states)()

	c := tr.dial(t, FormatText)
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)

	header := binary.AppendUvarint(nil, MaxStringLength+1)
	_, err := c.conn.Write(header)
	require.NoError(t, err)

	resp, err := c.Receive()
	require.NoError(t, err)
	requireFailure(t, resp, TagInvalidCommand)
	ex, err := resp.Exception()
	require.NoError(t, err)
	assert.Contains(t, ex.Message, "too long")

	_, err = c.Receive()
	assert.Error(t, err, "the session is closed after the rejected frame")

	waitState(t, states, StateConnectionLost)
	waitState(t, states, StateAwaitConnection)
	assert.False(t, tr.band.Connected())
	assert.Contains(t, logs.String(), "protocol violation")
	assert.NotContains(t, logs.String(), "session ended")
}

func TestRelay_ClientLossResetsSessionsThenStopServer(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{})
	states := make(chan State, 64)
	defer tr.relay.ListenState(states)()

	c := tr.dial(t, FormatText)
	for _, kind := range []CommandKind{ConnectBand, AuthenticateBand, SubscribeToHeartRateChange, StartMeasurement} {
		requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: kind}), 0)
	}
	require.True(t, tr.band.Subscribed(band.AttrHeartRateMeasurement))

	require.NoError(t, c.Close())
	waitState(t, states, StateConnectionLost)
	waitState(t, states, StateAwaitConnection)
	assert.False(t, tr.band.Connected())
	assert.False(t, tr.band.Subscribed(band.AttrHeartRateMeasurement))

	c = tr.dial(t, FormatText)
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)
	assert.True(t, tr.registry.Get(0).IsConnected())
	assert.False(t, tr.registry.Get(0).IsAuthenticated())

	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: StopServer}), 0)
	select {
	case err := <-tr.done:
		assert.NoError(t, err)
		tr.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Relay did not stop after StopServer")
	}
	assert.Equal(t, StateStopped, tr.relay.State())
	assert.False(t, tr.band.Connected())
	assert.Nil(t, tr.relay.Addr())
}

func TestRelay_CancelStopsRun(t *testing.T) {
	tr := startRelay(t, band.Options{}, Options{})
	c := tr.dial(t, FormatText)
	requireSuccess(t, request(t, c, ServerCommand{DeviceIndex: 0, Kind: ConnectBand}), 0)

	tr.cancel()
	select {
	case err := <-tr.done:
		assert.NoError(t, err)
		tr.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Relay did not stop after cancel")
	}
	assert.False(t, tr.band.Connected())
}

func TestRelay_StateString(t *testing.T) {
	assert.Equal(t, "AwaitConnection", StateAwaitConnection.String())
	assert.Equal(t, "Dispatching", StateDispatching.String())
	assert.Equal(t, "Unknown", State(42).String())
}
