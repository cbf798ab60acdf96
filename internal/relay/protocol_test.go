package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want ServerCommand
		tag  string
	}{
		{name: "connect", text: "0-0", want: ServerCommand{DeviceIndex: 0, Kind: ConnectBand}},
		{name: "stop server", text: "0-8", want: ServerCommand{DeviceIndex: 0, Kind: StopServer}},
		{name: "second device", text: "3-5", want: ServerCommand{DeviceIndex: 3, Kind: SubscribeToHeartRateChange}},
		{name: "surrounding space", text: " 1-2\n", want: ServerCommand{DeviceIndex: 1, Kind: AuthenticateBand}},
		{name: "no separator", text: "garbage", tag: TagInvalidCommand},
		{name: "empty", text: "", tag: TagInvalidCommand},
		{name: "bad index", text: "x-1", tag: TagInvalidCommand},
		{name: "negative index", text: "-1-1", tag: TagInvalidCommand},
		{name: "bad code", text: "0-abc", tag: TagInvalidCommand},
		{name: "code out of range", text: "0-42", tag: TagArgumentOutOfRange},
		{name: "negative code", text: "0--1", tag: TagArgumentOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.text)
			if tt.tag == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, cmd)
				return
			}
			require.Error(t, err)
			tag, ok := commandErrorTag(err)
			require.True(t, ok)
			assert.Equal(t, tt.tag, tag)
		})
	}
}

func TestServerCommand_StringParsesBack(t *testing.T) {
	cmd := ServerCommand{DeviceIndex: 2, Kind: AskUserForTouch}
	assert.Equal(t, "2-7", cmd.String())

	parsed, err := ParseCommand(cmd.String())
	require.NoError(t, err)
	assert.Equal(t, cmd, parsed)
}

func TestCommandKind_String(t *testing.T) {
	assert.Equal(t, "ConnectBand", ConnectBand.String())
	assert.Equal(t, "StopServer", StopServer.String())
	assert.Equal(t, "CommandKind(9)", CommandKind(9).String())
	assert.False(t, CommandKind(-1).Valid())
}

func TestCommandFormat_Valid(t *testing.T) {
	assert.True(t, FormatText.Valid())
	assert.True(t, FormatInt32.Valid())
	assert.False(t, CommandFormat("binary").Valid())
}
