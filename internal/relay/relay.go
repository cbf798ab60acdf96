package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lowaak/band-relay/internal/band"
	"github.com/lowaak/band-relay/internal/events"
	"github.com/lowaak/band-relay/internal/go_func_utils"
)

const DefaultListenAddress = ":4000"

const (
	outboundQueue = 64
	pushBuffer    = 16
)

var (
	errStopRequested = errors.New("relay: stop requested")
	errClientGone    = errors.New("relay: client disconnected")
	errProtocol      = errors.New("relay: protocol violation")
)

type State int

const (
	StateAwaitConnection State = iota
	StateListening
	StateDispatching
	StateConnectionLost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitConnection:
		return "AwaitConnection"
	case StateListening:
		return "Listening"
	case StateDispatching:
		return "Dispatching"
	case StateConnectionLost:
		return "ConnectionLost"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type Options struct {
	ListenAddress string
	CommandFormat CommandFormat
}

// Relay accepts one client at a time and dispatches its commands to the
// device sessions of a registry. Losing the client resets every session and
// waits for the next one.
type Relay struct {
	logger   *log.Logger
	registry *band.Registry
	opts     Options

	mu         sync.Mutex
	listener   net.Listener
	state      State
	stateEvent *events.ChannelEvent[State]
}

func New(logger *log.Logger, registry *band.Registry, opts Options) *Relay {
	if logger == nil {
		panic("Relay: logger cannot be nil")
	}
	if registry == nil {
		panic("Relay: registry cannot be nil")
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = DefaultListenAddress
	}
	if opts.CommandFormat == "" {
		opts.CommandFormat = FormatText
	}
	r := &Relay{
		logger:     logger,
		registry:   registry,
		opts:       opts,
		stateEvent: events.NewChannelEvent[State](true),
	}
	r.stateEvent.Notify(StateAwaitConnection)
	return r
}

// Listen binds the listen address. Run calls it when needed; calling it
// first makes Addr available before Run.
func (r *Relay) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", r.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.opts.ListenAddress, err)
	}
	r.listener = ln
	return nil
}

// Addr is the bound address, nil before Listen.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ListenState registers ch for state changes; the current state is replayed.
// Returns a deregistration function.
func (r *Relay) ListenState(ch chan<- State) func() {
	return r.stateEvent.Listen(ch)
}

func (r *Relay) setState(state State) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	r.mu.Unlock()
	if changed {
		r.stateEvent.Notify(state)
	}
}

// Run serves clients until a client sends StopServer or ctx is cancelled.
// Both end with every device session disconnected and a nil error.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()

	runDone := make(chan struct{})
	defer close(runDone)
	go_func_utils.SafeGo(r.logger, "relay-cancel", func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-runDone:
		}
	})
	defer r.shutdown(ln)

	for {
		r.setState(StateAwaitConnection)
		r.logger.Printf("Relay: awaiting client on %s", ln.Addr())

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Printf("Relay: accept failed: %v", err)
			return fmt.Errorf("accept: %w", err)
		}

		if stop := r.serve(ctx, conn); stop {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		r.setState(StateConnectionLost)
		r.registry.Reset()
	}
}

func (r *Relay) shutdown(ln net.Listener) {
	r.logger.Println("Relay: Shutting down")
	r.registry.Shutdown()
	ln.Close()

	r.mu.Lock()
	r.listener = nil
	r.mu.Unlock()

	r.setState(StateStopped)
	r.logger.Println("Relay: Shutdown complete")
}

// serve runs one client session and reports whether the client asked the
// relay to stop.
func (r *Relay) serve(ctx context.Context, conn net.Conn) bool {
	s := &clientSession{
		relay:    r,
		id:       uuid.New(),
		conn:     conn,
		out:      make(chan outbound, outboundQueue),
		hrSubs:   make(map[int]struct{}),
		connSubs: make(map[int]struct{}),
	}
	s.logf("client connected from %s", conn.RemoteAddr())
	r.setState(StateListening)

	err := s.run(ctx)
	switch {
	case errors.Is(err, errStopRequested):
		s.logf("stop requested by client")
		return true
	case errors.Is(err, errProtocol):
		s.logf("closing session after protocol violation: %v", err)
	default:
		s.logf("session ended: %v", err)
	}
	return false
}

type outbound struct {
	data []byte
	ack  chan error // optional, receives the write result
}

type inbound struct {
	cmd ServerCommand
	err error
}

// clientSession is the state of one accepted connection.
type clientSession struct {
	relay *Relay
	id    uuid.UUID
	conn  net.Conn
	out   chan outbound

	group *errgroup.Group
	ctx   context.Context

	// Only touched by the dispatch goroutine.
	hrSubs   map[int]struct{}
	connSubs map[int]struct{}
}

func (s *clientSession) logf(format string, args ...any) {
	s.relay.logger.Printf("Relay[%s]: "+format, append([]any{s.id.String()[:8]}, args...)...)
}

func (s *clientSession) run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	s.group, s.ctx = g, ctx
	// Buffered so the reader keeps watching the connection while a command runs.
	in := make(chan inbound, outboundQueue)

	g.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return nil
	})
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.readLoop(ctx, in) })
	g.Go(func() error { return s.dispatchLoop(ctx, in) })

	return g.Wait()
}

func clientGone(err error) error {
	return fmt.Errorf("%w: %v", errClientGone, err)
}

func (s *clientSession) readLoop(ctx context.Context, in chan<- inbound) error {
	reader := bufio.NewReader(s.conn)
	for {
		var item inbound
		if s.relay.opts.CommandFormat == FormatInt32 {
			code, err := ReadInt32(reader)
			if err != nil {
				return clientGone(err)
			}
			item.cmd, item.err = newCommand(0, code)
		} else {
			text, err := ReadString(reader)
			if errors.Is(err, ErrStringTooLong) {
				return s.rejectFrame(ctx, err)
			}
			if err != nil {
				return clientGone(err)
			}
			item.cmd, item.err = ParseCommand(text)
		}

		select {
		case in <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rejectFrame answers a frame the reader cannot skip and ends the session.
func (s *clientSession) rejectFrame(ctx context.Context, err error) error {
	resp := FailureFromError(&CommandError{Tag: TagInvalidCommand, Message: err.Error()})
	if sendErr := s.send(ctx, resp, true); sendErr != nil {
		s.logf("could not report rejected frame: %v", sendErr)
	}
	return fmt.Errorf("%w: %v", errProtocol, err)
}

func (s *clientSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.out:
			_, err := s.conn.Write(o.data)
			if o.ack != nil {
				o.ack <- err
			}
			if err != nil {
				return clientGone(err)
			}
		}
	}
}

func (s *clientSession) dispatchLoop(ctx context.Context, in <-chan inbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-in:
			s.relay.setState(StateDispatching)

			if item.err != nil {
				s.logf("rejecting command: %v", item.err)
				if err := s.send(ctx, FailureFromError(item.err), false); err != nil {
					return err
				}
				s.relay.setState(StateListening)
				continue
			}

			s.logf("dispatching %s to device %d", item.cmd.Kind, item.cmd.DeviceIndex)
			if item.cmd.Kind == StopServer {
				resp, err := NewSuccess(SuccessResponse{DeviceIndex: item.cmd.DeviceIndex})
				if err != nil {
					return err
				}
				// The response must reach the client before the connection closes.
				if err := s.send(ctx, resp, true); err != nil {
					return err
				}
				return errStopRequested
			}

			if err := s.send(ctx, s.dispatch(ctx, item.cmd), false); err != nil {
				return err
			}
			s.relay.setState(StateListening)
		}
	}
}

func (s *clientSession) dispatch(ctx context.Context, cmd ServerCommand) *ServerResponse {
	d := s.relay.registry.Get(cmd.DeviceIndex)

	var err error
	switch cmd.Kind {
	case ConnectBand:
		err = d.Connect(ctx)
	case DisconnectBand:
		d.Disconnect()
	case AuthenticateBand:
		err = d.Authenticate(ctx)
	case StartMeasurement:
		err = d.StartMeasurement(ctx)
	case StopMeasurement:
		err = d.StopMeasurement(ctx)
	case SubscribeToHeartRateChange:
		s.subscribeHeartRate(d)
	case SubscribeToDeviceConnectionStatusChanged:
		s.subscribeConnection(d)
	case AskUserForTouch:
		err = d.RequestTouch(ctx)
	default:
		err = &CommandError{Tag: TagArgumentOutOfRange, Message: fmt.Sprintf("command %d is out of range", int32(cmd.Kind))}
	}
	if err != nil {
		s.logf("%s on device %d failed: %v", cmd.Kind, cmd.DeviceIndex, err)
		return FailureFromError(err)
	}

	resp, err := NewSuccess(SuccessResponse{DeviceIndex: cmd.DeviceIndex})
	if err != nil {
		return FailureFromError(err)
	}
	return resp
}

// send queues resp for the writer. With wait set it blocks until resp was written.
func (s *clientSession) send(ctx context.Context, resp *ServerResponse, wait bool) error {
	data, err := resp.frame()
	if err != nil {
		s.logf("could not encode %s response: %v", resp.DataType, err)
		data, err = FailureFromError(err).frame()
		if err != nil {
			return err
		}
	}

	o := outbound{data: data}
	if wait {
		o.ack = make(chan error, 1)
	}
	select {
	case s.out <- o:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !wait {
		return nil
	}
	select {
	case err := <-o.ack:
		if err != nil {
			return clientGone(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *clientSession) subscribeHeartRate(d *band.Device) {
	index := d.Index()
	if _, ok := s.hrSubs[index]; ok {
		return
	}
	s.hrSubs[index] = struct{}{}

	ch := make(chan band.HeartRateSample, pushBuffer)
	unregister := d.ListenHeartRate(ch)
	s.group.Go(func() error {
		defer unregister()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case sample := <-ch:
				resp, err := NewSuccess(HeartRateFromSample(sample))
				if err != nil {
					continue
				}
				if err := s.send(s.ctx, resp, false); err != nil {
					return nil
				}
			}
		}
	})
}

func (s *clientSession) subscribeConnection(d *band.Device) {
	index := d.Index()
	if _, ok := s.connSubs[index]; ok {
		return
	}
	s.connSubs[index] = struct{}{}

	ch := make(chan bool, pushBuffer)
	unregister := d.ListenConnection(ch)
	s.group.Go(func() error {
		defer unregister()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case connected := <-ch:
				resp, err := NewSuccess(DeviceConnectionResponse{DeviceIndex: index, IsConnected: connected})
				if err != nil {
					continue
				}
				if err := s.send(s.ctx, resp, false); err != nil {
					return nil
				}
			}
		}
	})
}
