package band

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lowaak/band-relay/internal/bt"
)

// Registry maps device indices to sessions and creates them on first use.
// It also owns the resources shared between sessions: the connect guard,
// since discovery is not reentrant, and the set of claimed band addresses.
type Registry struct {
	logger *log.Logger
	radio  bt.Radio
	cipher *Cipher
	opts   Options

	mu      sync.Mutex
	devices map[int]*Device
	claims  map[string]int

	connecting atomic.Bool
}

func NewRegistry(logger *log.Logger, radio bt.Radio, opts Options) *Registry {
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	if radio == nil {
		panic("Registry: radio cannot be nil")
	}
	return &Registry{
		logger:  logger,
		radio:   radio,
		cipher:  MustNewCipher(Secret),
		opts:    opts.withDefaults(),
		devices: make(map[int]*Device),
		claims:  make(map[string]int),
	}
}

// Get returns the session for index, creating it if needed. index must not be negative.
func (r *Registry) Get(index int) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[index]
	if !ok {
		r.logger.Printf("Registry: creating session for device %d", index)
		d = newDevice(r.logger, index, r.radio, r, r.cipher, r.opts)
		r.devices[index] = d
	}
	return d
}

// Lookup returns the session for index without creating one.
func (r *Registry) Lookup(index int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[index]
	return d, ok
}

// Devices returns all sessions ordered by index.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	result := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		result = append(result, d)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].index < result[j].index })
	return result
}

// Reset disconnects every session and forgets them.
func (r *Registry) Reset() {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[int]*Device)
	r.mu.Unlock()

	for _, d := range devices {
		d.disconnect(false)
	}
	if len(devices) > 0 {
		r.logger.Printf("Registry: reset %d session(s)", len(devices))
	}
}

func (r *Registry) Shutdown() {
	r.logger.Println("Registry: Shutting down")
	r.Reset()
	r.logger.Println("Registry: Shutdown complete")
}

func (r *Registry) beginConnect() bool {
	return r.connecting.CompareAndSwap(false, true)
}

func (r *Registry) endConnect() {
	r.connecting.Store(false)
}

// claim reserves address for index. It fails if another index holds it.
func (r *Registry) claim(address string, index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, taken := r.claims[address]
	if taken && owner != index {
		return false
	}
	r.claims[address] = index
	return true
}

func (r *Registry) release(address string) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, address)
}
