package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Client is one frontend connection to the supervisor. Safe for
// concurrent use; requests are serialized over the single pipe.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the supervisor pipe with the default timeout.
func Dial() (*Client, error) {
	return DialTimeout(defaultDialTimeout)
}

// DialTimeout connects to the supervisor pipe.
func DialTimeout(timeout time.Duration) (*Client, error) {
	conn, err := dialPipe(timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial pipe: %w", err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its response. A transport error
// leaves the client unusable; an operation failure comes back inside
// the Response.
func (c *Client) Do(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("ipc: send %s: %w", req.Op, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ipc: receive %s: %w", req.Op, err)
	}
	return resp, nil
}

// Status fetches the current state and stats.
func (c *Client) Status() (Response, error) {
	return c.Do(Request{Op: OpStatus})
}

// Connect asks the supervisor to bring the tunnel up.
func (c *Client) Connect() (Response, error) {
	return c.Do(Request{Op: OpConnect})
}

// Disconnect asks the supervisor to tear the tunnel down.
func (c *Client) Disconnect() (Response, error) {
	return c.Do(Request{Op: OpDisconnect})
}

// Switch selects another server configuration, reconnecting when a
// session is live.
func (c *Client) Switch(id string) (Response, error) {
	return c.Do(Request{Op: OpSwitch, ID: id})
}

// Configs lists the stored server configurations.
func (c *Client) Configs() (Response, error) {
	return c.Do(Request{Op: OpConfigs})
}

// Logs drains the buffered log lines.
func (c *Client) Logs() (Response, error) {
	return c.Do(Request{Op: OpLogs})
}
