// Package tls builds the server-side TLS configuration of the read-only
// status view.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirCert = "tls.crt"
	dirKey  = "tls.key"
)

// Config selects the certificate of the status view. Either CertFile and
// KeyFile are set, or Dir holds tls.crt/tls.key. AutoGenerate writes a
// self-signed pair into Dir when it has none.
type Config struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"` // 1.2 or 1.3 (default)
}

// Enabled reports whether any certificate source is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.Dir != ""
}

// Validate checks the combination of fields without touching the disk.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if c.CertFile != "" && c.Dir != "" {
		return errors.New("set either cert_file/key_file or dir, not both")
	}
	if c.AutoGenerate && c.Dir == "" {
		return errors.New("auto_generate requires dir")
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min_version %q", v)
	}
}

// ServerConfig returns nil when TLS is not configured. The key pair is
// re-read on every handshake so renewed certificates apply without restart.
func ServerConfig(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if c.Dir != "" {
		certPath, keyPath = filepath.Join(c.Dir, dirCert), filepath.Join(c.Dir, dirKey)
		if c.AutoGenerate && !exists(certPath) && !exists(keyPath) {
			if err := os.MkdirAll(c.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("create cert dir: %w", err)
			}
			if err := GenerateSelfSignedCert(CertConfig{
				CommonName: "localhost",
				DNSNames:   []string{"localhost"},
				IPs:        []string{"127.0.0.1", "::1"},
				NotAfter:   time.Now().AddDate(1, 0, 0),
				CertPath:   certPath,
				KeyPath:    keyPath,
			}); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// Fail at startup, not on the first handshake.
	if _, err := loadPair(certPath, keyPath); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return loadPair(certPath, keyPath)
		},
	}, nil
}

func loadPair(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("load key pair %s: %w", certPath, err)
	}
	return &cert, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
