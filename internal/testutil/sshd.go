// Package testutil provides in-process test doubles: a minimal SSH server
// speaking real golang.org/x/crypto/ssh, and a fake DevTools endpoint.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

const (
	// TestUser and TestPassword are accepted by the test SSH server.
	TestUser     = "testuser"
	TestPassword = "testpass"
)

// ExecFunc emulates a remote command for the test server.
type ExecFunc func(cmd string) (stdout, stderr string, exitCode int)

// SSHServer is a loopback SSH server for tests. It supports password auth,
// exec requests (routed through Exec), and direct-tcpip channels (proxied to
// real local TCP endpoints).
type SSHServer struct {
	Addr string
	Port int

	// Exec handles exec requests. Defaults to failing every command
	// with exit 127.
	Exec ExecFunc

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// StartSSHServer launches a test SSH server on a random loopback port and
// registers cleanup with t.
func StartSSHServer(t *testing.T) *SSHServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == TestUser && string(pass) == TestPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("permission denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &SSHServer{
		Addr:     ln.Addr().String(),
		Port:     ln.Addr().(*net.TCPAddr).Port,
		listener: ln,
		config:   config,
		Exec: func(cmd string) (string, string, int) {
			return "", "command not found", 127
		},
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Close stops the server and waits for connection handlers to finish.
func (s *SSHServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
	s.wg.Wait()
}

func (s *SSHServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *SSHServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			s.wg.Add(1)
			go s.handleSession(newCh)
		case "direct-tcpip":
			s.wg.Add(1)
			go s.handleDirectTCPIP(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *SSHServer) handleSession(newCh ssh.NewChannel) {
	defer s.wg.Done()
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		stdout, stderr, code := s.Exec(payload.Command)
		io.WriteString(ch, stdout)
		io.WriteString(ch.Stderr(), stderr)

		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(code))
		ch.SendRequest("exit-status", false, status)
		return
	}
}

// directTCPIPMsg is the direct-tcpip channel open payload (RFC 4254 §7.2).
type directTCPIPMsg struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func (s *SSHServer) handleDirectTCPIP(newCh ssh.NewChannel) {
	defer s.wg.Done()
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newCh.ExtraData(), &msg); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	dest := net.JoinHostPort(msg.DestAddr, fmt.Sprintf("%d", msg.DestPort))
	upstream, err := net.Dial("tcp", dest)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, ch)
		upstream.(*net.TCPConn).CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(ch, upstream)
		ch.CloseWrite()
	}()
	wg.Wait()
	ch.Close()
	upstream.Close()
}
