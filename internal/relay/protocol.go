// Package relay serves device sessions to one remote client at a time over a
// length-prefixed TCP command channel.
package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind is the command code sent by clients. The numeric values are
// part of the wire protocol.
type CommandKind int32

const (
	ConnectBand CommandKind = iota
	DisconnectBand
	AuthenticateBand
	StartMeasurement
	StopMeasurement
	SubscribeToHeartRateChange
	SubscribeToDeviceConnectionStatusChanged
	AskUserForTouch
	StopServer
)

var commandNames = [...]string{
	ConnectBand:                              "ConnectBand",
	DisconnectBand:                           "DisconnectBand",
	AuthenticateBand:                         "AuthenticateBand",
	StartMeasurement:                         "StartMeasurement",
	StopMeasurement:                          "StopMeasurement",
	SubscribeToHeartRateChange:               "SubscribeToHeartRateChange",
	SubscribeToDeviceConnectionStatusChanged: "SubscribeToDeviceConnectionStatusChanged",
	AskUserForTouch:                          "AskUserForTouch",
	StopServer:                               "StopServer",
}

func (k CommandKind) Valid() bool {
	return k >= ConnectBand && k <= StopServer
}

func (k CommandKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("CommandKind(%d)", int32(k))
	}
	return commandNames[k]
}

// CommandFormat selects how commands are framed on the wire.
type CommandFormat string

const (
	// FormatText frames each command as the string "<deviceIndex>-<command>".
	FormatText CommandFormat = "text"
	// FormatInt32 frames each command as a little-endian int32 code for device 0.
	FormatInt32 CommandFormat = "int32"
)

func (f CommandFormat) Valid() bool {
	return f == FormatText || f == FormatInt32
}

// CommandSeparator separates the device index from the command code.
const CommandSeparator = "-"

// Failure tags for commands that never reach a device.
const (
	TagInvalidCommand     = "InvalidCommand"
	TagArgumentOutOfRange = "ArgumentOutOfRange"
)

// CommandError is a decoding failure reported to the client.
type CommandError struct {
	Tag     string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// ServerCommand is one decoded client request.
type ServerCommand struct {
	DeviceIndex int
	Kind        CommandKind
}

func (c ServerCommand) String() string {
	return strconv.Itoa(c.DeviceIndex) + CommandSeparator + strconv.Itoa(int(c.Kind))
}

// ParseCommand decodes the text form "<deviceIndex>-<command>".
func ParseCommand(text string) (ServerCommand, error) {
	indexPart, kindPart, ok := strings.Cut(strings.TrimSpace(text), CommandSeparator)
	if !ok {
		return ServerCommand{}, &CommandError{Tag: TagInvalidCommand, Message: fmt.Sprintf("malformed command %q", text)}
	}
	index, err := strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		return ServerCommand{}, &CommandError{Tag: TagInvalidCommand, Message: fmt.Sprintf("invalid device index %q", indexPart)}
	}
	code, err := strconv.ParseInt(kindPart, 10, 32)
	if err != nil {
		return ServerCommand{}, &CommandError{Tag: TagInvalidCommand, Message: fmt.Sprintf("invalid command code %q", kindPart)}
	}
	return newCommand(index, int32(code))
}

func newCommand(index int, code int32) (ServerCommand, error) {
	kind := CommandKind(code)
	if !kind.Valid() {
		return ServerCommand{}, &CommandError{Tag: TagArgumentOutOfRange, Message: fmt.Sprintf("command %d is out of range", code)}
	}
	return ServerCommand{DeviceIndex: index, Kind: kind}, nil
}

func commandErrorTag(err error) (string, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Tag, true
	}
	return "", false
}
