package relay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxStringLength bounds a single framed string.
const MaxStringLength = 1 << 20

var ErrStringTooLong = errors.New("relay: framed string too long")

// AppendString appends s framed as a 7-bit varint byte length followed by the
// UTF-8 bytes, the layout .NET's BinaryWriter uses.
func AppendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// WriteString writes s as one framed string in a single Write call.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	_, err := w.Write(AppendString(nil, s))
	return err
}

// ReadString reads one framed string.
func ReadString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringLength {
		return "", fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func AppendInt32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}
