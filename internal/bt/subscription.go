package bt

import (
	"log"
	"sync"

	"github.com/lowaak/band-relay/internal/events"
)

// SubscriptionBuffer is the per-subscription queue depth. A consumer that falls
// further behind than this loses notifications rather than stalling the radio stack.
const SubscriptionBuffer = 16

// Subscription is a cancellable handle on an attribute's notifications.
// Values arrive on C; Done is closed once the subscription ends, either by
// Cancel or because the link closed. C itself is never closed.
type Subscription struct {
	C    <-chan []byte
	Attr Attribute

	done    chan struct{}
	once    sync.Once
	release func()
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel ends the subscription. Safe to call more than once and from any goroutine.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}

// NotifyHub multiplexes notifications of a link onto Subscriptions. The first
// subscriber of an attribute triggers enable, the last one leaving triggers disable.
type NotifyHub struct {
	logger  *log.Logger
	enable  func(attr Attribute, deliver func([]byte)) error
	disable func(attr Attribute) error

	// gattMu orders enable and disable calls; taken before mu.
	gattMu sync.Mutex
	mu     sync.Mutex
	events map[string]*events.ChannelEvent[[]byte]
	subs   map[*Subscription]struct{}
	closed bool
}

// NewNotifyHub creates a hub. enable and disable may be nil for links that
// push notifications themselves through Deliver.
func NewNotifyHub(
	logger *log.Logger,
	enable func(attr Attribute, deliver func([]byte)) error,
	disable func(attr Attribute) error,
) *NotifyHub {
	if logger == nil {
		panic("NotifyHub: logger cannot be nil")
	}
	return &NotifyHub{
		logger:  logger,
		enable:  enable,
		disable: disable,
		events:  make(map[string]*events.ChannelEvent[[]byte]),
		subs:    make(map[*Subscription]struct{}),
	}
}

func (h *NotifyHub) Subscribe(attr Attribute) (*Subscription, error) {
	h.gattMu.Lock()
	defer h.gattMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrNotConnected
	}

	key := attr.key()
	ev, ok := h.events[key]
	if !ok {
		ev = events.NewChannelEvent[[]byte](false)
		if h.enable != nil {
			deliver := func(buf []byte) {
				ev.Notify(append([]byte(nil), buf...))
			}
			if err := h.enable(attr, deliver); err != nil {
				return nil, err
			}
		}
		h.events[key] = ev
		h.logger.Printf("NotifyHub: notifications enabled for %s", attr)
	}

	ch := make(chan []byte, SubscriptionBuffer)
	unregister := ev.Listen(ch)
	sub := &Subscription{C: ch, Attr: attr, done: make(chan struct{})}
	sub.release = func() {
		unregister()
		h.release(sub)
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

func (h *NotifyHub) release(sub *Subscription) {
	// A Subscribe racing this release either joins the event before the count
	// below or enables afresh after disable returned.
	h.gattMu.Lock()
	defer h.gattMu.Unlock()

	h.mu.Lock()
	delete(h.subs, sub)
	key := sub.Attr.key()
	ev, ok := h.events[key]
	last := ok && ev.ListenerCount() == 0
	if last {
		delete(h.events, key)
	}
	closed := h.closed
	h.mu.Unlock()

	if !last || closed || h.disable == nil {
		return
	}
	if err := h.disable(sub.Attr); err != nil {
		h.logger.Printf("NotifyHub: disable notifications for %s failed: %v", sub.Attr, err)
		return
	}
	h.logger.Printf("NotifyHub: notifications disabled for %s", sub.Attr)
}

// Deliver pushes buf to every subscriber of attr.
func (h *NotifyHub) Deliver(attr Attribute, buf []byte) {
	h.mu.Lock()
	ev, ok := h.events[attr.key()]
	h.mu.Unlock()
	if ok {
		ev.Notify(append([]byte(nil), buf...))
	}
}

// Subscribed reports whether attr currently has at least one subscriber.
func (h *NotifyHub) Subscribed(attr Attribute) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.events[attr.key()]
	return ok
}

// Close cancels every subscription and rejects new ones.
func (h *NotifyHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}

	h.mu.Lock()
	h.events = make(map[string]*events.ChannelEvent[[]byte])
	h.mu.Unlock()
}
