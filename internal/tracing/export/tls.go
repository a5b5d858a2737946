// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSSettings is the user facing TLS configuration of an exporter.
type TLSSettings struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// BuildTLS returns the client TLS config for s, or nil when TLS is off.
// Verification uses CACertPath when set and the system pool otherwise.
func BuildTLS(s TLSSettings) (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.VerifyCertificate, //nolint:gosec // opt-in for development collectors
	}

	switch {
	case s.CACertPath != "":
		pem, err := os.ReadFile(s.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	case s.VerifyCertificate:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// ValidateTLS rejects configs older than TLS 1.2.
func ValidateTLS(cfg *tls.Config) error {
	if cfg == nil {
		return errors.New("TLS config is nil")
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher, got %#x", cfg.MinVersion)
	}
	return nil
}
