package db

import (
	"crypto/tls"
	"errors"

	"pgprobe/internal/tlstrust"
)

// Mode is the transport every connection of a pool uses.
type Mode int

const (
	ModePlain Mode = iota
	ModeTLS
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Transport is either Plain or TLS with a trust store. The zero value is
// Plain; a TLS transport can only be built from a non-empty store.
type Transport struct {
	trust *tlstrust.Store
}

// Plain returns the unencrypted transport.
func Plain() Transport { return Transport{} }

// TLS returns a transport that verifies the server against exactly the roots
// in trust and presents no client certificate.
func TLS(trust *tlstrust.Store) (Transport, error) {
	if trust.Len() == 0 {
		return Transport{}, errors.New("db: tls transport requires a non-empty trust store")
	}
	return Transport{trust: trust}, nil
}

// TransportFor picks TLS when trust is non-nil and Plain otherwise.
func TransportFor(trust *tlstrust.Store) (Transport, error) {
	if trust == nil {
		return Plain(), nil
	}
	return TLS(trust)
}

func (t Transport) Mode() Mode {
	if t.trust == nil {
		return ModePlain
	}
	return ModeTLS
}

// Trust returns the store of a TLS transport, nil for Plain.
func (t Transport) Trust() *tlstrust.Store { return t.trust }

// clientConfig returns the TLS client config for serverName, nil for Plain.
func (t Transport) clientConfig(serverName string) *tls.Config {
	if t.trust == nil {
		return nil
	}
	return &tls.Config{
		RootCAs:    t.trust.CertPool(),
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}
