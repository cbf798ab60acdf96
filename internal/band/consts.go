package band

import (
	"time"

	"github.com/lowaak/band-relay/internal/bt"
)

// DefaultDeviceName is the local name advertised by the band.
const DefaultDeviceName = "MI Band 2"

// Bluetooth Service and Characteristic UUIDs used by the band
const (
	// Heart Rate Service
	ServiceUUIDHeartRate          = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement  = "00002a37-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateControlPoint = "00002a39-0000-1000-8000-00805f9b34fb"

	// Vendor authentication service
	ServiceUUIDAuth = "0000fee1-0000-1000-8000-00805f9b34fb"
	CharUUIDAuth    = "00000009-0000-3512-2118-0009af100700"

	// Vendor sensor service
	ServiceUUIDSensor = "0000fee0-0000-1000-8000-00805f9b34fb"
	CharUUIDSensor    = "00000001-0000-3512-2118-0009af100700"
)

var (
	AttrAuth                  = bt.Attribute{ServiceUUID: ServiceUUIDAuth, CharacteristicUUID: CharUUIDAuth}
	AttrHeartRateMeasurement  = bt.Attribute{ServiceUUID: ServiceUUIDHeartRate, CharacteristicUUID: CharUUIDHeartRateMeasurement}
	AttrHeartRateControlPoint = bt.Attribute{ServiceUUID: ServiceUUIDHeartRate, CharacteristicUUID: CharUUIDHeartRateControlPoint}
	AttrSensor                = bt.Attribute{ServiceUUID: ServiceUUIDSensor, CharacteristicUUID: CharUUIDSensor}
)

// Authentication message layout
const (
	authResponseHeader byte = 0x10

	authRoundSendKey          byte = 0x01
	authRoundRequestChallenge byte = 0x02
	authRoundSendEncrypted    byte = 0x03

	authStatusSuccess     byte = 0x01
	authStatusNoUserInput byte = 0x02
	authStatusFail        byte = 0x04

	authKeyFlag byte = 0x08

	// header, round marker, status
	authResponseHeaderLen = 3
)

// Secret is the fixed 16-byte key shared with the band.
var Secret = []byte{
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x40, 0x41, 0x42, 0x43, 0x44, 0x45,
}

// Heart rate control point commands
var (
	cmdStartContinuous = []byte{0x15, 0x01, 0x01}
	cmdStopContinuous  = []byte{0x15, 0x01, 0x00}
	cmdStartSingle     = []byte{0x15, 0x02, 0x01}
	cmdStopSingle      = []byte{0x15, 0x02, 0x00}
	cmdContinue        = []byte{0x16}
	cmdSensorEnable    = []byte{0x02}
)

const (
	DefaultRepeatWindow     = 4500 * time.Millisecond
	DefaultRearmDelay       = 12 * time.Second
	DefaultScanTimeout      = 10 * time.Second
	DefaultAuthRoundTimeout = 30 * time.Second
	DefaultTouchTimeout     = 30 * time.Second
)

// MeasurementMode selects how StartMeasurement acquires samples.
type MeasurementMode string

const (
	MeasurementContinuous MeasurementMode = "continuous"
	MeasurementSingle     MeasurementMode = "single"
)

// Options tune a device session. Zero values fall back to the defaults above.
type Options struct {
	DeviceName       string
	ScanTimeout      time.Duration
	AuthRoundTimeout time.Duration
	TouchTimeout     time.Duration
	Mode             MeasurementMode
	RepeatWindow     time.Duration
	RearmDelay       time.Duration
	// Now is the clock used for sample timing; time.Now when nil.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DeviceName == "" {
		o.DeviceName = DefaultDeviceName
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = DefaultScanTimeout
	}
	if o.AuthRoundTimeout <= 0 {
		o.AuthRoundTimeout = DefaultAuthRoundTimeout
	}
	if o.TouchTimeout <= 0 {
		o.TouchTimeout = DefaultTouchTimeout
	}
	if o.Mode == "" {
		o.Mode = MeasurementContinuous
	}
	if o.RepeatWindow <= 0 {
		o.RepeatWindow = DefaultRepeatWindow
	}
	if o.RearmDelay <= 0 {
		o.RearmDelay = DefaultRearmDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
