// Package credstore manages signing credentials in a dedicated macOS keychain
// by shelling out to the security tool.
package credstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
	"github.com/snooky23/apple-deploy-sub001/pkg/crypto"
)

// runner executes one external command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Keychain is a CredentialStore backed by a dedicated keychain file. Exported
// bundles are sealed with AES-GCM when an at-rest secret is configured.
type Keychain struct {
	path         string
	password     string
	atRestSecret string
	logger       *slog.Logger
	run          runner
}

var _ ports.CredentialStore = (*Keychain)(nil)

// NewKeychain returns a store over the keychain at path.
func NewKeychain(path, password, atRestSecret string, logger *slog.Logger) *Keychain {
	return &Keychain{
		path:         path,
		password:     password,
		atRestSecret: atRestSecret,
		logger:       logger,
		run:          defaultRunner,
	}
}

// Ensure creates and unlocks the keychain, creating it first if missing.
func (k *Keychain) Ensure(ctx context.Context) error {
	if _, err := os.Stat(k.path); errors.Is(err, os.ErrNotExist) {
		if _, err := k.run(ctx, "security", "create-keychain", "-p", k.password, k.path); err != nil {
			return fmt.Errorf("create keychain: %w", err)
		}
		k.logger.Info("created keychain", "path", k.path)
	}
	if _, err := k.run(ctx, "security", "unlock-keychain", "-p", k.password, k.path); err != nil {
		return fmt.Errorf("unlock keychain: %w", err)
	}
	// Keep it unlocked for the lifetime of a deployment.
	if _, err := k.run(ctx, "security", "set-keychain-settings", "-t", "7200", k.path); err != nil {
		return fmt.Errorf("configure keychain timeout: %w", err)
	}
	return nil
}

// ImportCertificate loads a PKCS#12 bundle into the keychain and returns the
// certificate it contains.
func (k *Keychain) ImportCertificate(ctx context.Context, path, password string) (domain.Certificate, error) {
	if err := k.Ensure(ctx); err != nil {
		return domain.Certificate{}, err
	}
	_, err := k.run(ctx, "security", "import", path,
		"-k", k.path,
		"-P", password,
		"-T", "/usr/bin/codesign",
		"-T", "/usr/bin/security")
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("import certificate: %w", err)
	}

	cert, err := k.inspect(ctx, path, password)
	if err != nil {
		return domain.Certificate{}, err
	}
	k.logger.Info("imported certificate", "name", cert.Name, "cert_id", cert.ID, "expires_at", cert.ExpiresAt)
	return cert, nil
}

// inspect extracts the leaf certificate from a PKCS#12 bundle via openssl and
// maps it to the domain type.
func (k *Keychain) inspect(ctx context.Context, path, password string) (domain.Certificate, error) {
	out, err := k.run(ctx, "openssl", "pkcs12",
		"-in", path,
		"-passin", "pass:"+password,
		"-clcerts", "-nokeys", "-legacy")
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("read certificate bundle: %w", err)
	}
	var block *pem.Block
	rest := out
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			return domain.Certificate{}, errors.New("no certificate in bundle")
		}
		if block.Type == "CERTIFICATE" {
			break
		}
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	sum := sha1.Sum(parsed.Raw)
	cert := domain.Certificate{
		ID:        strings.ToUpper(hex.EncodeToString(sum[:])),
		Name:      parsed.Subject.CommonName,
		Type:      certTypeFromName(parsed.Subject.CommonName),
		ExpiresAt: parsed.NotAfter,
	}
	if len(parsed.Subject.OrganizationalUnit) > 0 {
		cert.TeamID = parsed.Subject.OrganizationalUnit[0]
	}
	return cert, nil
}

// ExportCertificate writes the identity to a PKCS#12 bundle at path. With an
// at-rest secret configured the bundle on disk is sealed.
func (k *Keychain) ExportCertificate(ctx context.Context, cert domain.Certificate, password, path string) error {
	if err := k.Ensure(ctx); err != nil {
		return err
	}
	_, err := k.run(ctx, "security", "export",
		"-k", k.path,
		"-t", "identities",
		"-f", "pkcs12",
		"-P", password,
		"-o", path)
	if err != nil {
		return fmt.Errorf("export certificate: %w", err)
	}
	if k.atRestSecret == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read exported bundle: %w", err)
	}
	sealed, err := crypto.EncryptString(k.atRestSecret, string(raw))
	if err != nil {
		return fmt.Errorf("seal exported bundle: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed bundle: %w", err)
	}
	k.logger.Info("exported certificate", "cert_id", cert.ID, "path", path, "sealed", true)
	return nil
}

// Unseal reverses ExportCertificate's at-rest sealing in place.
func (k *Keychain) Unseal(path string) error {
	if k.atRestSecret == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sealed bundle: %w", err)
	}
	plain, err := crypto.DecryptToString(k.atRestSecret, raw)
	if err != nil {
		return fmt.Errorf("unseal bundle: %w", err)
	}
	return os.WriteFile(path, []byte(plain), 0o600)
}

// HasPrivateKey reports whether the keychain holds a signing identity for the
// certificate, meaning both the certificate and its private key are present.
func (k *Keychain) HasPrivateKey(ctx context.Context, cert domain.Certificate) bool {
	out, err := k.run(ctx, "security", "find-identity", "-v", "-p", "codesigning", k.path)
	if err != nil {
		k.logger.Warn("identity lookup failed", "error", err)
		return false
	}
	text := string(out)
	if cert.ID != "" && strings.Contains(text, cert.ID) {
		return true
	}
	return cert.Name != "" && strings.Contains(text, cert.Name)
}

func certTypeFromName(name string) domain.CertificateType {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "development") || strings.Contains(lower, "developer:") {
		return domain.CertTypeDevelopment
	}
	return domain.CertTypeDistribution
}
