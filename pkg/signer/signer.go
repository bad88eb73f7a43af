// Package signer produces signed envelopes. The engine never holds keys itself:
// it asks a Signer, which may be a server-held credential or a remote user session.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Options identifies the network and the account whose signature is requested
type Options struct {
	NetworkPassphrase string
	SignerAddress     string
}

// Signer returns the signed form of a serialized envelope. Failures are
// UserDeclined, SignerUnavailable or AuthorizationFailure.
type Signer interface {
	Sign(ctx context.Context, tx string, opts Options) (string, error)
}

// KeySigner signs with a private key held by the server
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner parses a hex secp256k1 private key
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

// Address returns the account controlled by the key
func (s *KeySigner) Address() string {
	return s.address
}

// Sign implements Signer
func (s *KeySigner) Sign(_ context.Context, tx string, opts Options) (string, error) {
	if !strings.EqualFold(opts.SignerAddress, s.address) {
		return "", txerr.New(txerr.AuthorizationFailure, "credential for %s cannot sign as %s", s.address, opts.SignerAddress)
	}
	env, err := decodeFor(tx, opts)
	if err != nil {
		return "", err
	}
	if err := env.Sign(s.key); err != nil {
		return "", txerr.Wrap(txerr.SignerUnavailable, err, "")
	}
	return env.Encode()
}

func decodeFor(tx string, opts Options) (*envelope.Envelope, error) {
	env, err := envelope.Decode(tx)
	if err != nil {
		return nil, txerr.Wrap(txerr.InvalidRequest, err, "")
	}
	if env.Network != opts.NetworkPassphrase {
		return nil, txerr.New(txerr.InvalidRequest, "envelope is for network %q, not %q", env.Network, opts.NetworkPassphrase)
	}
	if !strings.EqualFold(env.Source, opts.SignerAddress) {
		return nil, txerr.New(txerr.InvalidRequest, "envelope source %s is not the signer %s", env.Source, opts.SignerAddress)
	}
	return env, nil
}

// SessionDirectory finds the session signer acting for an address. An address
// without a session yields AuthorizationFailure.
type SessionDirectory interface {
	SessionFor(address string) (Signer, error)
}

// StaticSessions is a SessionDirectory of registered signers
type StaticSessions struct {
	mu       sync.RWMutex
	sessions map[string]Signer
}

// NewStaticSessions creates an empty directory
func NewStaticSessions() *StaticSessions {
	return &StaticSessions{sessions: make(map[string]Signer)}
}

// Register makes s the session signer of address
func (d *StaticSessions) Register(address string, s Signer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[strings.ToLower(address)] = s
}

// Remove ends the session of address
func (d *StaticSessions) Remove(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, strings.ToLower(address))
}

// SessionFor implements SessionDirectory
func (d *StaticSessions) SessionFor(address string) (Signer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.sessions[strings.ToLower(address)]; ok {
		return s, nil
	}
	return nil, txerr.New(txerr.AuthorizationFailure, "no session signer for %s", address)
}

// NoSessions is the directory used when session signing is not configured
type NoSessions struct{}

// SessionFor implements SessionDirectory
func (NoSessions) SessionFor(address string) (Signer, error) {
	return nil, txerr.New(txerr.AuthorizationFailure, "session signing is not configured")
}
