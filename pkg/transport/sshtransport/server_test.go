package sshtransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "deploy"
	testPassword = "test-only-password"
)

// testServer is a minimal sshd that understands a handful of fixed commands.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey
	ln      net.Listener
	wg      sync.WaitGroup
}

func newTestServer(t *testing.T, clientKeys ...ssh.PublicKey) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range clientKeys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{addr: ln.Addr().String(), hostKey: signer.PublicKey(), ln: ln}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(nc, cfg)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscanf(port, "%d", &p)
	require.NoError(t, err)
	return host, p
}

func (s *testServer) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	killed := make(chan struct{})
	var once sync.Once
	kill := func() { once.Do(func() { close(killed) }) }
	defer kill()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go execute(ch, payload.Command, killed)
		case "signal":
			kill()
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func execute(ch ssh.Channel, command string, killed <-chan struct{}) {
	defer ch.Close()
	exit := func(code uint32) {
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	}
	switch {
	case strings.HasPrefix(command, "echo "):
		_, _ = io.WriteString(ch, strings.TrimPrefix(command, "echo ")+"\n")
		exit(0)
	case command == "fail":
		_, _ = io.WriteString(ch.Stderr(), "boom\n")
		exit(3)
	case command == "cat":
		data, _ := io.ReadAll(ch)
		_, _ = ch.Write(data)
		exit(0)
	case command == "big":
		_, _ = io.WriteString(ch, strings.Repeat("y", 64<<10))
		exit(0)
	case command == "sleep":
		select {
		case <-killed:
		case <-time.After(10 * time.Second):
			exit(0)
		}
	case command == "drop":
		// close without reporting an exit status
	default:
		_, _ = io.WriteString(ch.Stderr(), "command not found\n")
		exit(127)
	}
}
