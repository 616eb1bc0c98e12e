// Package redisstub runs a minimal in-process Redis server implementing just
// the stream commands the notification queue uses. Tests point a real client
// at it instead of requiring a Redis instance.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	closed   chan struct{}
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	nextIndex int
	pending   map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*stream),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// StreamLen reports how many entries the named stream holds.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			if writeSimpleString(writer, "PONG") != nil {
				return
			}
		case "HELLO":
			// RESP3 is not implemented; clients fall back to RESP2.
			if writeError(writer, "ERR unknown command 'HELLO'") != nil {
				return
			}
		case "AUTH":
			candidate := args[len(args)-1]
			if s.opts.Password == "" || candidate == s.opts.Password {
				authenticated = true
				if writeSimpleString(writer, "OK") != nil {
					return
				}
			} else if writeError(writer, "WRONGPASS invalid username-password pair") != nil {
				return
			}
		case "SELECT":
			if writeSimpleString(writer, "OK") != nil {
				return
			}
		case "CLIENT":
			// go-redis issues CLIENT SETINFO while setting up a connection.
			if writeSimpleString(writer, "OK") != nil {
				return
			}
		default:
			if !authenticated {
				if writeError(writer, "NOAUTH Authentication required.") != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XACK":
		return s.handleXAck(writer, args)
	default:
		// Keep the connection alive: a client probing an unimplemented
		// command should see an error reply, not a hangup.
		return writeError(writer, fmt.Sprintf("ERR unsupported command '%s'", strings.ToLower(args[0]))) == nil
	}
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
		return false
	}
	id := args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	s.mu.Lock()
	strm := s.ensureStream(args[1])
	strm.entries = append(strm.entries, entry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id) == nil
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		_ = writeError(writer, "ERR only XGROUP CREATE is supported")
		return false
	}
	s.mu.Lock()
	strm := s.ensureStream(args[2])
	if _, exists := strm.groups[args[3]]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists") == nil
	}
	strm.groups[args[3]] = &group{pending: make(map[string]struct{})}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) handleXAck(writer *bufio.Writer, args []string) bool {
	if len(args) < 4 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xack'")
		return false
	}
	s.mu.Lock()
	acked := 0
	if strm, ok := s.streams[args[1]]; ok {
		if state, ok := strm.groups[args[2]]; ok {
			for _, id := range args[3:] {
				if _, pending := state.pending[id]; pending {
					delete(state.pending, id)
					acked++
				}
			}
		}
	}
	s.mu.Unlock()
	return writeInteger(writer, int64(acked)) == nil
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	var groupName, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			groupName = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid COUNT")
				return false
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid BLOCK")
				return false
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		_ = writeError(writer, "ERR missing stream or group")
		return false
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(streamName, groupName, count)
		if len(items) > 0 {
			return writeArray(writer, []interface{}{items}) == nil
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer) == nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) readGroup(streamName, groupName string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	state, ok := strm.groups[groupName]
	if !ok {
		state = &group{pending: make(map[string]struct{})}
		strm.groups[groupName] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		e := strm.entries[i]
		state.pending[e.id] = struct{}{}
		fields := make([]interface{}, 0, len(e.values)*2)
		for k, v := range e.values {
			fields = append(fields, k, v)
		}
		records = append(records, []interface{}{e.id, fields})
	}
	state.nextIndex = end
	return []interface{}{streamName, records}
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			formatted := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(formatted), formatted); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
