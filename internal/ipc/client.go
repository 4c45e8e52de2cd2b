package ipc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velo-sh/velo-rift-sub001/internal/errs"
)

// DefaultCallTimeout bounds a single synchronous Call; spec'd clients are
// expected to fail fast and surface ErrIpcUnavailable rather than hang.
const DefaultCallTimeout = 5 * time.Second

// Client is a synchronous, single-connection IPC client. Calls are
// serialized under a mutex since the protocol is strictly request-reply
// per connection; concurrent callers should each Dial their own Client.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to the daemon's Unix domain socket at socketPath and
// performs the protocol handshake.
func Dial(socketPath, clientVersion string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, DefaultCallTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %q: %v", errs.ErrIpcUnavailable, socketPath, err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn)}

	resp, err := c.Call(&Request{
		Kind:      KindHandshake,
		Handshake: &HandshakeReq{ClientVersion: clientVersion, ProtocolVersion: ProtocolVersion},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Err != "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", errs.ErrProtocolMismatch, resp.Err)
	}
	return c, nil
}

// Call sends req (assigning a fresh correlation ID) and blocks for the
// matching Response, bounded by DefaultCallTimeout.
func (c *Client) Call(req *Request) (*Response, error) {
	return c.CallTimeout(req, DefaultCallTimeout)
}

func (c *Client) CallTimeout(req *Request, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = uuid.NewString()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("ipc: setting deadline: %w", err)
	}
	if err := writeFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIpcUnavailable, err)
	}

	var resp Response
	if err := readFrame(c.reader, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIpcUnavailable, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("ipc: response ID %q does not match request ID %q", resp.ID, req.ID)
	}
	return &resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
