package kv

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicCertificate loads the certificate stored under name in the default
// namespace. The value may be PEM or raw DER. A missing entry fails with
// ErrNotFound.
func (s *Store) PublicCertificate(ctx context.Context, name string) (*x509.Certificate, error) {
	res, err := s.GetBytes(ctx, name, GetOptions{FailOnMissing: true})
	if err != nil {
		return nil, err
	}
	return parseCertificate(name, res.Value)
}

func parseCertificate(name string, data []byte) (*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("kv: certificate %s: empty value", name)
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("kv: certificate %s: unexpected PEM block %q", name, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("kv: certificate %s: %w", name, errors.Join(errInvalidCertificate, err))
	}
	return cert, nil
}

var errInvalidCertificate = errors.New("invalid certificate")
