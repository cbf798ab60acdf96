package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Stderr: true, Console: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Println("Relay: awaiting client")
	assert.Contains(t, buf.String(), "Relay: awaiting client")
}

func TestNew_FileAndConsole(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, Stderr: true, Console: &buf})
	require.NoError(t, err)

	logger.Printf("Device[%d]: connected", 0)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Device[0]: connected")
	assert.Contains(t, buf.String(), "Device[0]: connected")
}

func TestNew_NoOutput(t *testing.T) {
	_, _, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoOutput)
}
