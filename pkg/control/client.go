package control

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client talks to a running daemon over the control socket. It is safe
// for concurrent use; calls are serialized on the single connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with params and decodes the ok payload into out
// (which may be nil). Server-side errors come back as plain errors.
func (c *Client) Call(method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		rawParams = data
	}

	if err := writeFrame(c.conn, request{Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	payload, err := readFrame(c.conn)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var resp struct {
		OK    json.RawMessage `json:"ok"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	if out != nil && len(resp.OK) > 0 {
		if err := json.Unmarshal(resp.OK, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	var pong string
	if err := c.Call("ping", nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Status fetches the daemon status.
func (c *Client) Status() (*StatusInfo, error) {
	info := &StatusInfo{}
	if err := c.Call("status", nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	return c.Call("shutdown", nil, nil)
}
