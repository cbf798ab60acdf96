package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client speaks the relay protocol from the client side.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	format CommandFormat
}

func Dial(ctx context.Context, addr string, format CommandFormat) (*Client, error) {
	if format == "" {
		format = FormatText
	}
	if !format.Valid() {
		return nil, fmt.Errorf("relay: unknown command format %q", format)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), format: format}, nil
}

// Send writes cmd in the client's command format. The int32 format can only
// address device 0.
func (c *Client) Send(cmd ServerCommand) error {
	if c.format == FormatInt32 {
		if cmd.DeviceIndex != 0 {
			return fmt.Errorf("relay: int32 commands address device 0, got %d", cmd.DeviceIndex)
		}
		return c.SendRaw(int32(cmd.Kind))
	}
	return c.SendText(cmd.String())
}

// SendText writes s as a framed command string without validating it.
func (c *Client) SendText(s string) error {
	return WriteString(c.conn, s)
}

// SendRaw writes a bare int32 command code.
func (c *Client) SendRaw(code int32) error {
	_, err := c.conn.Write(AppendInt32(nil, code))
	return err
}

// Receive reads the next response or push event.
func (c *Client) Receive() (*ServerResponse, error) {
	text, err := ReadString(c.reader)
	if err != nil {
		return nil, err
	}
	var resp ServerResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
