// Package tls creates and loads the relay's self-signed certificate so
// clients can reach it over https:// and wss:// without external tooling.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultValidity = 365 * 24 * time.Hour

// CertConfig describes the certificate to load or generate.
type CertConfig struct {
	// CertPath and KeyPath default to ~/.deskrelay/certs/relay.{crt,key}.
	CertPath string
	KeyPath  string

	// Hosts become SANs. Defaults to localhost and 127.0.0.1.
	Hosts []string

	// ValidFor defaults to one year.
	ValidFor time.Duration
}

// CertInfo describes a certificate on disk.
type CertInfo struct {
	CertPath string
	KeyPath  string

	// Fingerprint is the SHA-256 of the DER bytes as colon-separated
	// uppercase hex, the form clients display for manual trust.
	Fingerprint string

	NotAfter time.Time

	// Generated is true when Ensure had to create the files.
	Generated bool
}

// DefaultPaths returns ~/.deskrelay/certs/relay.crt and relay.key.
func DefaultPaths() (certPath, keyPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".deskrelay", "certs")
	return filepath.Join(dir, "relay.crt"), filepath.Join(dir, "relay.key"), nil
}

// Ensure loads the configured pair, generating a new self-signed one when
// either file is missing.
func Ensure(cfg CertConfig) (*CertInfo, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		if cfg.CertPath == "" {
			cfg.CertPath = certPath
		}
		if cfg.KeyPath == "" {
			cfg.KeyPath = keyPath
		}
	}

	if fileExists(cfg.CertPath) && fileExists(cfg.KeyPath) {
		info, err := Load(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return info, nil
	}

	info, err := Generate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

// Load reads an existing pair.
func Load(certPath, keyPath string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(cert),
		NotAfter:    cert.NotAfter,
	}, nil
}

// Generate writes a new ECDSA P-256 self-signed pair.
func Generate(cfg CertConfig) (*CertInfo, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	validFor := cfg.ValidFor
	if validFor <= 0 {
		validFor = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"deskrelay"},
			CommonName:   "deskrelay relay",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(cfg.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(cfg.KeyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: Fingerprint(cert),
		NotAfter:    cert.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 fingerprint as "AA:BB:...".
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))

	parts := make([]string, 0, len(sum))
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, hexStr[i:i+2])
	}
	return strings.Join(parts, ":")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
