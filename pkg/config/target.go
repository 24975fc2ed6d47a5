package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/rdeploy/pkg/secrets"
	"github.com/andrej220/rdeploy/pkg/transport/sshtransport"
)

var ErrIncompleteTarget = errors.New("incomplete target")

// Addr is host:port as dialed.
func (t TargetSettings) Addr() string {
	port := t.Port
	if port == 0 {
		port = sshtransport.DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Display is user@host:port, without credentials.
func (t TargetSettings) Display() string {
	return t.User + "@" + t.Addr()
}

// SSHConfig resolves the credential references and builds a dial configuration.
// Key authentication is offered before the password when both are set.
func (t TargetSettings) SSHConfig(ctx context.Context, r secrets.Resolver) (sshtransport.Config, error) {
	switch {
	case t.Host == "":
		return sshtransport.Config{}, fmt.Errorf("%w: host is required", ErrIncompleteTarget)
	case t.User == "":
		return sshtransport.Config{}, fmt.Errorf("%w: user is required", ErrIncompleteTarget)
	case t.KeyRef == "" && t.PasswordRef == "":
		return sshtransport.Config{}, fmt.Errorf("%w: one of key_ref or password_ref is required", ErrIncompleteTarget)
	}

	var auth []ssh.AuthMethod
	if t.KeyRef != "" {
		key, err := r.Resolve(ctx, t.KeyRef)
		if err != nil {
			return sshtransport.Config{}, fmt.Errorf("private key: %w", err)
		}
		var passphrase []byte
		if t.PassphraseRef != "" {
			p, err := r.Resolve(ctx, t.PassphraseRef)
			if err != nil {
				return sshtransport.Config{}, fmt.Errorf("key passphrase: %w", err)
			}
			passphrase = []byte(p)
		}
		m, err := sshtransport.PublicKeyAuth([]byte(key), passphrase)
		if err != nil {
			return sshtransport.Config{}, err
		}
		auth = append(auth, m)
	}
	if t.PasswordRef != "" {
		pw, err := r.Resolve(ctx, t.PasswordRef)
		if err != nil {
			return sshtransport.Config{}, fmt.Errorf("password: %w", err)
		}
		auth = append(auth, sshtransport.PasswordAuth(pw)...)
	}

	knownHosts := t.KnownHosts
	if knownHosts != "" {
		p, err := secrets.ExpandHome(knownHosts)
		if err != nil {
			return sshtransport.Config{}, err
		}
		knownHosts = p
	}
	hostKeys, err := sshtransport.HostKeyCallback(knownHosts, t.InsecureIgnoreHostKey)
	if err != nil {
		return sshtransport.Config{}, err
	}

	return sshtransport.Config{
		Host:            t.Host,
		Port:            t.Port,
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		ConnectTimeout:  t.ConnectTimeout,
	}, nil
}
