package band

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lowaak/band-relay/internal/bt"
)

type AuthState int

const (
	AuthIdle AuthState = iota
	AuthKeySent
	AuthSecondKeySent
	AuthEncryptedKeySent
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "Idle"
	case AuthKeySent:
		return "KeySent"
	case AuthSecondKeySent:
		return "SecondKeySent"
	case AuthEncryptedKeySent:
		return "EncryptedKeySent"
	case AuthAuthenticated:
		return "Authenticated"
	case AuthFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var errRoundTimeout = errors.New("band: no response from device")

// authOp identifies one in-flight handshake or touch request.
type authOp struct {
	cancel context.CancelFunc
}

// AuthSession drives the three round handshake on the band's auth attribute.
// At most one handshake or touch request runs at a time.
type AuthSession struct {
	logger       *log.Logger
	index        int
	cipher       *Cipher
	roundTimeout time.Duration
	touchTimeout time.Duration

	mu            sync.Mutex
	link          bt.Link
	state         AuthState
	authenticated bool
	current       *authOp
}

func NewAuthSession(logger *log.Logger, index int, c *Cipher, opts Options) *AuthSession {
	if logger == nil {
		panic("AuthSession: logger cannot be nil")
	}
	if c == nil {
		panic("AuthSession: cipher cannot be nil")
	}
	opts = opts.withDefaults()
	return &AuthSession{
		logger:       logger,
		index:        index,
		cipher:       c,
		roundTimeout: opts.AuthRoundTimeout,
		touchTimeout: opts.TouchTimeout,
	}
}

// Attach binds the session to an open link. Any previous state is discarded.
func (a *AuthSession) Attach(link bt.Link) {
	a.Reset()
	a.mu.Lock()
	a.link = link
	a.mu.Unlock()
}

func (a *AuthSession) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AuthSession) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// InFlight reports whether a handshake or touch request is running.
func (a *AuthSession) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Reset abandons any in-flight operation, clears the authenticated flag and
// drops the link.
func (a *AuthSession) Reset() {
	a.mu.Lock()
	op := a.current
	a.current = nil
	a.state = AuthIdle
	a.authenticated = false
	a.link = nil
	a.mu.Unlock()

	if op != nil {
		op.cancel()
	}
}

func (a *AuthSession) begin(ctx context.Context) (*authOp, bt.Link, context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return nil, nil, nil, newError(KindAccessDenied, nil, "authentication already in progress on device %d", a.index)
	}
	if a.link == nil {
		return nil, nil, nil, newError(KindDeviceDisconnected, bt.ErrNotConnected, "device %d is not connected", a.index)
	}
	opCtx, cancel := context.WithCancel(ctx)
	op := &authOp{cancel: cancel}
	a.current = op
	return op, a.link, opCtx, nil
}

func (a *AuthSession) end(op *authOp) {
	op.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == op {
		a.current = nil
	}
}

// transition updates the state unless op was abandoned by Reset. Once set,
// the authenticated flag is only cleared by Reset; a failed repeat handshake
// leaves an authenticated link usable.
func (a *AuthSession) transition(op *authOp, state AuthState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != op {
		return
	}
	a.state = state
	if state == AuthAuthenticated {
		a.authenticated = true
	}
}

func (a *AuthSession) fail(op *authOp, err error) error {
	a.logger.Printf("Auth[%d]: handshake failed: %v", a.index, err)
	a.transition(op, AuthFailed)
	return err
}

// Authenticate runs the full handshake and blocks until it reaches a terminal state.
func (a *AuthSession) Authenticate(ctx context.Context) error {
	op, link, ctx, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer a.end(op)

	a.logger.Printf("Auth[%d]: starting handshake", a.index)
	a.transition(op, AuthIdle)

	sub, err := link.Subscribe(AttrAuth)
	if err != nil {
		return a.fail(op, subscribeError(err, AttrAuth))
	}
	defer sub.Cancel()

	if err := link.Write(AttrAuth, keyMessage()); err != nil {
		return a.fail(op, writeError(err, AttrAuth))
	}
	a.transition(op, AuthKeySent)
	state := AuthKeySent

	timer := time.NewTimer(a.roundTimeout)
	defer timer.Stop()

	for {
		msg, err := awaitAuthResponse(ctx, sub, timer.C)
		if errors.Is(err, errRoundTimeout) {
			if state == AuthKeySent {
				return a.fail(op, newError(KindUserDidNotTouch, err, "user did not touch device %d", a.index))
			}
			return a.fail(op, newError(KindAuthenticationRefused, err, "device %d stopped responding in %s", a.index, state))
		}
		if err != nil {
			return a.fail(op, err)
		}

		round, status := msg[1], msg[2]
		switch status {
		case authStatusSuccess:
		case authStatusNoUserInput:
			return a.fail(op, newError(KindUserDidNotTouch, nil, "user did not touch device %d", a.index))
		case authStatusFail:
			return a.fail(op, newError(KindAuthenticationRefused, nil, "device %d refused round %d", a.index, round))
		default:
			a.logger.Printf("Auth[%d]: ignoring status 0x%02x for round %d", a.index, status, round)
			continue
		}

		switch {
		case round == authRoundSendKey && state == AuthKeySent:
			if err := link.Write(AttrAuth, []byte{authRoundRequestChallenge, authKeyFlag}); err != nil {
				return a.fail(op, writeError(err, AttrAuth))
			}
			state = AuthSecondKeySent

		case round == authRoundRequestChallenge && state == AuthSecondKeySent:
			encrypted, err := a.cipher.Encrypt(msg[authResponseHeaderLen:])
			if err != nil {
				return a.fail(op, newError(KindAuthenticationRefused, err, "bad challenge from device %d", a.index))
			}
			payload := append([]byte{authRoundSendEncrypted, authKeyFlag}, encrypted...)
			if err := link.Write(AttrAuth, payload); err != nil {
				return a.fail(op, writeError(err, AttrAuth))
			}
			state = AuthEncryptedKeySent

		case round == authRoundSendEncrypted && state == AuthEncryptedKeySent:
			a.transition(op, AuthAuthenticated)
			a.logger.Printf("Auth[%d]: authenticated", a.index)
			return nil

		default:
			a.logger.Printf("Auth[%d]: unexpected round %d in %s", a.index, round, state)
			continue
		}

		a.transition(op, state)
		timer.Reset(a.roundTimeout)
	}
}

// RequestTouch sends the first handshake round and waits for the user to
// confirm on the device. The authenticated flag is left untouched.
func (a *AuthSession) RequestTouch(ctx context.Context) error {
	op, link, ctx, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer a.end(op)

	a.mu.Lock()
	prevState := a.state
	a.state = AuthKeySent
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.current == op {
			a.state = prevState
		}
		a.mu.Unlock()
	}()

	sub, err := link.Subscribe(AttrAuth)
	if err != nil {
		return subscribeError(err, AttrAuth)
	}
	defer sub.Cancel()

	a.logger.Printf("Auth[%d]: asking user for touch", a.index)
	if err := link.Write(AttrAuth, keyMessage()); err != nil {
		return writeError(err, AttrAuth)
	}

	timer := time.NewTimer(a.touchTimeout)
	defer timer.Stop()

	for {
		msg, err := awaitAuthResponse(ctx, sub, timer.C)
		if errors.Is(err, errRoundTimeout) {
			return newError(KindUserDidNotTouch, err, "user did not touch device %d", a.index)
		}
		if err != nil {
			return err
		}
		switch msg[2] {
		case authStatusSuccess:
			a.logger.Printf("Auth[%d]: touch confirmed", a.index)
			return nil
		case authStatusNoUserInput:
			return newError(KindUserDidNotTouch, nil, "user did not touch device %d", a.index)
		case authStatusFail:
			return newError(KindAuthenticationRefused, nil, "device %d refused touch request", a.index)
		}
	}
}

// awaitAuthResponse resolves with the next well-formed auth response, the
// round deadline, link loss or ctx cancellation, whichever comes first.
func awaitAuthResponse(ctx context.Context, sub *bt.Subscription, deadline <-chan time.Time) ([]byte, error) {
	for {
		select {
		case msg := <-sub.C:
			if len(msg) < authResponseHeaderLen || msg[0] != authResponseHeader {
				continue
			}
			return msg, nil
		case <-sub.Done():
			return nil, newError(KindDeviceDisconnected, bt.ErrNotConnected, "device disconnected during authentication")
		case <-ctx.Done():
			return nil, newError(KindDeviceDisconnected, ctx.Err(), "authentication abandoned")
		case <-deadline:
			return nil, errRoundTimeout
		}
	}
}

func keyMessage() []byte {
	msg := make([]byte, 0, 2+len(Secret))
	msg = append(msg, authRoundSendKey, authKeyFlag)
	return append(msg, Secret...)
}
