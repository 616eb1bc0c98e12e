package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func dialStub(t *testing.T, srv *Server) (*bufio.Reader, *bufio.Writer) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial stub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return bufio.NewReader(conn), bufio.NewWriter(conn)
}

func sendCommand(t *testing.T, w *bufio.Writer, args ...string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			t.Fatalf("write arg: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestConnectionSetupSequence(t *testing.T) {
	srv, err := Start(Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	reader, writer := dialStub(t, srv)

	sendCommand(t, writer, "AUTH", "secret")
	if got := readLine(t, reader); got != "+OK" {
		t.Fatalf("auth reply = %q, want +OK", got)
	}

	// go-redis sends CLIENT SETINFO while initialising each connection; the
	// stub must accept it rather than drop the connection.
	sendCommand(t, writer, "CLIENT", "SETINFO", "lib-name", "go-redis")
	if got := readLine(t, reader); got != "+OK" {
		t.Fatalf("client setinfo reply = %q, want +OK", got)
	}

	sendCommand(t, writer, "PING")
	if got := readLine(t, reader); got != "+PONG" {
		t.Fatalf("ping reply = %q, want +PONG", got)
	}
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	srv, err := Start(Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	reader, writer := dialStub(t, srv)

	sendCommand(t, writer, "OBJECT", "HELP")
	if got := readLine(t, reader); !strings.HasPrefix(got, "-ERR") {
		t.Fatalf("unknown command reply = %q, want -ERR prefix", got)
	}

	// The connection must remain usable after the error reply.
	sendCommand(t, writer, "PING")
	if got := readLine(t, reader); got != "+PONG" {
		t.Fatalf("ping after error = %q, want +PONG", got)
	}
}
