// Package tlstrust builds an in-memory root CA store from a PEM bundle.
//
// Parsing is all-or-nothing: a store is returned only when every CERTIFICATE
// block parses and at least one certificate was found.
package tlstrust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"pgprobe/internal/platform/apperr"
)

const certificateBlock = "CERTIFICATE"

var beginMarker = []byte("-----BEGIN ")

// Store is an immutable set of trusted root certificates.
type Store struct {
	source string
	certs  []*x509.Certificate
	pool   *x509.CertPool
}

// Load reads the PEM bundle at path. An empty path returns a nil store and a
// nil error, meaning no custom trust was requested.
func Load(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.New(apperr.ErrCertificateIO, path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.New(apperr.ErrCertificateIO, path, err)
	}
	return Parse(path, data)
}

// Parse builds a store from PEM data. source names the data in errors.
//
// Blocks of other types (keys, CRLs) are skipped and text between blocks
// is ignored. A CERTIFICATE block that is not valid X.509, or a block that
// cannot be decoded at all, fails the whole parse.
func Parse(source string, data []byte) (*Store, error) {
	var certs []*x509.Certificate
	for i, chunk := range splitBlocks(data) {
		block, _ := pem.Decode(chunk)
		if block == nil {
			return nil, apperr.Errorf(apperr.ErrCertificateParse, source, "pem block %d is malformed", i+1)
		}
		if block.Type != certificateBlock {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, apperr.New(apperr.ErrCertificateParse, source, fmt.Errorf("pem block %d: %w", i+1, err))
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, apperr.New(apperr.ErrCertificateParse, source, errors.New("no certificates found"))
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return &Store{source: source, certs: certs, pool: pool}, nil
}

// splitBlocks cuts data into chunks that each start at a BEGIN marker and
// end before the next one, so a bad block cannot be skipped silently.
func splitBlocks(data []byte) [][]byte {
	var chunks [][]byte
	for {
		i := bytes.Index(data, beginMarker)
		if i < 0 {
			return chunks
		}
		data = data[i:]
		j := bytes.Index(data[len(beginMarker):], beginMarker)
		if j < 0 {
			return append(chunks, data)
		}
		j += len(beginMarker)
		chunks = append(chunks, data[:j])
		data = data[j:]
	}
}

// Source is the path or name the store was built from.
func (s *Store) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Len is the number of certificates in the store.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.certs)
}

// Certificates returns the parsed certificates in file order.
func (s *Store) Certificates() []*x509.Certificate {
	if s == nil {
		return nil
	}
	out := make([]*x509.Certificate, len(s.certs))
	copy(out, s.certs)
	return out
}

// CertPool returns the pool to use as tls.Config.RootCAs.
func (s *Store) CertPool() *x509.CertPool {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Clone()
}

// Fingerprints returns the SHA-256 of each certificate's DER, hex encoded.
func (s *Store) Fingerprints() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.certs))
	for i, c := range s.certs {
		out[i] = Fingerprint(c)
	}
	return out
}

// Fingerprint is the hex SHA-256 of c's DER encoding.
func Fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return hex.EncodeToString(sum[:])
}
