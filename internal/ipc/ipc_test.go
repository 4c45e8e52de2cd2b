package ipc

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestServeConnEchoesStatus(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ServeConn(conn, func(req *Request) *Response {
			switch req.Kind {
			case KindHandshake:
				return &Response{Handshake: &HandshakeResp{ServerVersion: "test"}}
			case KindStatus:
				return &Response{Status: &StatusResp{ProjectRoot: "/proj", EntryCount: 42}}
			default:
				return &Response{Err: "unknown kind"}
			}
		})
	}()

	c, err := Dial(sockPath, "test-client")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Call(&Request{Kind: KindStatus})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Status == nil || resp.Status.EntryCount != 42 || resp.Status.ProjectRoot != "/proj" {
		t.Fatalf("Status response = %+v, want EntryCount=42 ProjectRoot=/proj", resp.Status)
	}
}

func TestCallTimeoutWhenServerSilent(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "silent.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ServeConn(conn, func(req *Request) *Response {
			if req.Kind != KindHandshake {
				// After the handshake reply, never answer again,
				// forcing the next Call to hit its deadline.
				select {}
			}
			return &Response{Handshake: &HandshakeResp{ServerVersion: "test"}}
		})
	}()

	c, err := Dial(sockPath, "test-client")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.CallTimeout(&Request{Kind: KindStatus}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
