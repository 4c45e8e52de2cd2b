package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
)

// Handler answers one decoded Request. The returned Response's ID is
// overwritten by ServeConn to match the request, so handlers need not set
// it themselves.
type Handler func(req *Request) *Response

// ServeConn runs the per-connection read-dispatch-reply loop: each
// connection is a task that reads framed requests and replies.
// Requests on a single connection are handled and replied to strictly in
// order; ServeConn returns nil on a clean client disconnect (EOF).
func ServeConn(conn net.Conn, handle Handler) error {
	r := bufio.NewReader(conn)
	for {
		var req Request
		if err := readFrame(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ipc: reading request: %w", err)
		}

		resp := handle(&req)
		if resp == nil {
			resp = &Response{}
		}
		resp.ID = req.ID

		if err := writeFrame(conn, resp); err != nil {
			return fmt.Errorf("ipc: writing response: %w", err)
		}
	}
}
