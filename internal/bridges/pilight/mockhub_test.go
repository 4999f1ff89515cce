package pilight

import (
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// MockHubServer is a pilight daemon stand-in on a loopback TCP port.
//
// It answers identify, control and heartbeat requests with configurable
// replies and lets tests push event frames to the connected client.
// An empty reply means the request is left unanswered.
type MockHubServer struct {
	t  *testing.T
	ln net.Listener

	mu             sync.Mutex
	conns          []*mockHubConn
	received       []string
	accepted       int
	identifyReply  string
	controlReply   string
	heartbeatReply string
	heartbeatRaw   bool
	preReply       string
}

type mockHubConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *mockHubConn) send(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte(frame + "\n\n"))
	return err
}

func (c *mockHubConn) sendRaw(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte(data))
	return err
}

// NewMockHubServer starts a server and registers cleanup with t.
func NewMockHubServer(t *testing.T) *MockHubServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &MockHubServer{
		t:              t,
		ln:             ln,
		identifyReply:  `{"status":"success"}`,
		controlReply:   `{"status":"success"}`,
		heartbeatReply: "BEAT",
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *MockHubServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *MockHubServer) SetIdentifyReply(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifyReply = frame
}

func (s *MockHubServer) SetControlReply(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlReply = frame
}

func (s *MockHubServer) SetHeartbeatReply(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatReply = frame
	s.heartbeatRaw = false
}

// SetRawHeartbeatReply answers HEART with data and no frame terminator.
func (s *MockHubServer) SetRawHeartbeatReply(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatReply = data
	s.heartbeatRaw = true
}

// SetPreReply sets a frame sent before every reply.
func (s *MockHubServer) SetPreReply(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preReply = frame
}

// Received returns the requests read so far, one entry per request.
// The heartbeat is recorded as "HEART".
func (s *MockHubServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// Accepted returns the number of connections accepted.
func (s *MockHubServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Push sends an event frame to the most recent connection.
func (s *MockHubServer) Push(frame string) error {
	s.mu.Lock()
	if len(s.conns) == 0 {
		s.mu.Unlock()
		return net.ErrClosed
	}
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	return c.send(frame)
}

// DropConnections closes every open client connection.
func (s *MockHubServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *MockHubServer) Close() {
	s.ln.Close()
	s.DropConnections()
}

func (s *MockHubServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &mockHubConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.accepted++
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *MockHubServer) serve(c *mockHubConn) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.handleRequests(c, pending)
		}
		if err != nil {
			return
		}
	}
}

// handleRequests answers every complete request in pending and returns
// the unconsumed remainder.
func (s *MockHubServer) handleRequests(c *mockHubConn, pending []byte) []byte {
	for len(pending) > 0 {
		var request string
		switch {
		case bytes.HasPrefix(pending, heartbeatRequest):
			request = string(heartbeatRequest)
			pending = pending[len(heartbeatRequest):]
		default:
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				return pending
			}
			request = string(pending[:idx])
			pending = pending[idx+1:]
		}
		s.respond(c, request)
	}
	return pending
}

func (s *MockHubServer) respond(c *mockHubConn, request string) {
	s.mu.Lock()
	s.received = append(s.received, request)
	var reply string
	raw := false
	if request == string(heartbeatRequest) {
		reply = s.heartbeatReply
		raw = s.heartbeatRaw
	} else {
		var head struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(request), &head); err == nil {
			switch head.Action {
			case ActionIdentify:
				reply = s.identifyReply
			case ActionControl:
				reply = s.controlReply
			}
		}
	}
	pre := s.preReply
	s.mu.Unlock()

	if reply == "" {
		return
	}
	if pre != "" {
		c.send(pre)
	}
	if raw {
		c.sendRaw(reply)
		return
	}
	c.send(reply)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
