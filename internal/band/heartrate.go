package band

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/band-relay/internal/bt"
	"github.com/lowaak/band-relay/internal/go_func_utils"
)

type HeartRateMode int

const (
	HeartRateIdle HeartRateMode = iota
	HeartRateStarting
	HeartRateSingle
	HeartRateContinuous
)

func (m HeartRateMode) String() string {
	switch m {
	case HeartRateIdle:
		return "Idle"
	case HeartRateStarting:
		return "Starting"
	case HeartRateSingle:
		return "Single"
	case HeartRateContinuous:
		return "Continuous"
	default:
		return "Unknown"
	}
}

// HeartRateSample is one reading pushed by the band.
type HeartRateSample struct {
	DeviceIndex int
	HeartRate   int
	IsRepeating bool
	// MeasureTime is the time since the previous sample in milliseconds, 0 for the first one.
	MeasureTime int64
}

type attrWrite struct {
	attr bt.Attribute
	data []byte
}

// HeartRateSession starts and stops acquisition on the band and turns
// measurement notifications into samples.
type HeartRateSession struct {
	logger       *log.Logger
	index        int
	repeatWindow time.Duration
	rearmDelay   time.Duration
	now          func() time.Time
	emit         func(HeartRateSample)

	opMu sync.Mutex // Serializes Start and StopAll

	mu        sync.Mutex
	link      bt.Link
	mode      HeartRateMode
	sub       *bt.Subscription
	rearm     *time.Timer
	lastValue int
	lastTime  time.Time
	hasLast   bool
}

func NewHeartRateSession(logger *log.Logger, index int, opts Options, emit func(HeartRateSample)) *HeartRateSession {
	if logger == nil {
		panic("HeartRateSession: logger cannot be nil")
	}
	if emit == nil {
		emit = func(HeartRateSample) {}
	}
	opts = opts.withDefaults()
	return &HeartRateSession{
		logger:       logger,
		index:        index,
		repeatWindow: opts.RepeatWindow,
		rearmDelay:   opts.RearmDelay,
		now:          opts.Now,
		emit:         emit,
	}
}

func (h *HeartRateSession) Attach(link bt.Link) {
	h.Dispose()
	h.mu.Lock()
	h.link = link
	h.mu.Unlock()
}

func (h *HeartRateSession) Mode() HeartRateMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *HeartRateSession) StartSingle(ctx context.Context) error {
	return h.start(ctx, HeartRateSingle)
}

func (h *HeartRateSession) StartContinuous(ctx context.Context) error {
	return h.start(ctx, HeartRateContinuous)
}

func (h *HeartRateSession) start(ctx context.Context, mode HeartRateMode) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return newError(KindDeviceDisconnected, err, "measurement start abandoned")
	}
	if err := h.stopAll(); err != nil {
		return err
	}

	h.mu.Lock()
	link := h.link
	if link == nil {
		h.mu.Unlock()
		return newError(KindDeviceDisconnected, bt.ErrNotConnected, "device %d is not connected", h.index)
	}
	h.mode = HeartRateStarting
	h.mu.Unlock()

	h.logger.Printf("HeartRate[%d]: starting %s measurement", h.index, mode)

	sub, err := link.Subscribe(AttrHeartRateMeasurement)
	if err != nil {
		h.setMode(HeartRateIdle)
		return subscribeError(err, AttrHeartRateMeasurement)
	}

	writes := []attrWrite{{AttrHeartRateControlPoint, cmdStartSingle}}
	if mode == HeartRateContinuous {
		writes = []attrWrite{{AttrHeartRateControlPoint, cmdStartContinuous}, {AttrSensor, cmdSensorEnable}}
	}
	for _, w := range writes {
		if err := link.Write(w.attr, w.data); err != nil {
			sub.Cancel()
			h.setMode(HeartRateIdle)
			return writeError(err, w.attr)
		}
	}

	h.mu.Lock()
	h.sub = sub
	h.mode = mode
	h.mu.Unlock()

	go_func_utils.SafeGo(h.logger, fmt.Sprintf("heart-rate-%d", h.index), func() {
		h.consume(sub)
	})
	return nil
}

// StopAll sends both stop commands and returns to Idle. Safe to call in any mode.
func (h *HeartRateSession) StopAll(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return newError(KindDeviceDisconnected, err, "measurement stop abandoned")
	}
	return h.stopAll()
}

func (h *HeartRateSession) stopAll() error {
	h.mu.Lock()
	link := h.link
	h.mu.Unlock()

	if link != nil {
		for _, cmd := range [][]byte{cmdStopSingle, cmdStopContinuous} {
			if err := link.Write(AttrHeartRateControlPoint, cmd); err != nil {
				return writeError(err, AttrHeartRateControlPoint)
			}
		}
	}
	h.teardown()
	return nil
}

// Dispose drops the subscription, pending re-arm and link without touching the radio.
func (h *HeartRateSession) Dispose() {
	h.teardown()
	h.mu.Lock()
	h.link = nil
	h.hasLast = false
	h.mu.Unlock()
}

func (h *HeartRateSession) teardown() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	if h.rearm != nil {
		h.rearm.Stop()
		h.rearm = nil
	}
	h.mode = HeartRateIdle
	h.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (h *HeartRateSession) setMode(mode HeartRateMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = mode
}

func (h *HeartRateSession) consume(sub *bt.Subscription) {
	for {
		select {
		case buf := <-sub.C:
			h.handle(sub, buf)
		case <-sub.Done():
			return
		}
	}
}

func (h *HeartRateSession) handle(sub *bt.Subscription, buf []byte) {
	if len(buf) < 2 {
		h.logger.Printf("HeartRate[%d]: dropping short payload %x", h.index, buf)
		return
	}

	h.mu.Lock()
	if h.sub != sub {
		h.mu.Unlock()
		return
	}
	sample := h.nextSampleLocked(int(buf[1]), h.now())

	single := h.mode == HeartRateSingle
	if single {
		h.sub = nil
		h.mode = HeartRateIdle
	} else if h.rearm == nil {
		h.rearm = time.AfterFunc(h.rearmDelay, func() { h.fireRearm(sub) })
	}
	h.mu.Unlock()

	if single {
		sub.Cancel()
	}
	h.emit(sample)
}

func (h *HeartRateSession) nextSampleLocked(value int, now time.Time) HeartRateSample {
	sample := HeartRateSample{DeviceIndex: h.index, HeartRate: value}
	if h.hasLast {
		elapsed := now.Sub(h.lastTime)
		sample.MeasureTime = elapsed.Milliseconds()
		sample.IsRepeating = elapsed > h.repeatWindow && value == h.lastValue
	}
	h.lastValue = value
	h.lastTime = now
	h.hasLast = true
	return sample
}

func (h *HeartRateSession) fireRearm(sub *bt.Subscription) {
	h.mu.Lock()
	if h.sub != sub {
		h.mu.Unlock()
		return
	}
	h.rearm = nil
	link := h.link
	h.mu.Unlock()

	if link == nil {
		return
	}
	if err := link.Write(AttrHeartRateControlPoint, cmdContinue); err != nil {
		h.logger.Printf("HeartRate[%d]: re-arm failed: %v", h.index, err)
	}
}
