package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/clock"
	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
)

func writeTestCert(t *testing.T, dir, domain string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, domain), 0o755))
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain, "cert.pem"), pemBytes, 0o644))
}

func TestCertbotCertifier_Issue(t *testing.T) {
	certDir := t.TempDir()
	notAfter := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	writeTestCert(t, certDir, "shop.example.com", notAfter)

	fake := executor.NewFake()
	c := NewCertbotCertifier(fake, CertbotOptions{Webroot: "/var/www/acme", CertDir: certDir, Email: "ops@example.com", Lifetime: 90 * 24 * time.Hour},
		clock.NewManual(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)), zerolog.Nop())

	expires, err := c.Issue(context.Background(), "shop.example.com", false)
	require.NoError(t, err)
	assert.True(t, notAfter.Equal(expires))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "certbot", calls[0].Name)
	assert.Equal(t, []string{
		"certonly", "--webroot", "-w", "/var/www/acme", "-d", "shop.example.com",
		"--non-interactive", "--agree-tos", "-m", "ops@example.com", "--keep-until-expiring",
	}, calls[0].Args)
}

func TestCertbotCertifier_FallbackLifetime(t *testing.T) {
	now := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	fake := executor.NewFake()
	c := NewCertbotCertifier(fake, CertbotOptions{Webroot: "/w", CertDir: t.TempDir(), Lifetime: 90 * 24 * time.Hour}, clock.NewManual(now), zerolog.Nop())

	expires, err := c.Issue(context.Background(), "shop.example.com", true)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*24*time.Hour), expires)
	assert.Contains(t, fake.Calls()[0].Args, "--force-renewal")
	assert.Contains(t, fake.Calls()[0].Args, "--register-unsafely-without-email")
}

func TestCertbotCertifier_Failure(t *testing.T) {
	fake := executor.NewFake()
	fake.Fail("certbot", 1, "Challenge failed for domain shop.example.com")
	c := NewCertbotCertifier(fake, CertbotOptions{Webroot: "/w", CertDir: t.TempDir()}, clock.RealClock{}, zerolog.Nop())

	_, err := c.Issue(context.Background(), "shop.example.com", false)
	require.ErrorIs(t, err, smerrors.ErrSSLIssuance)
	assert.Contains(t, err.Error(), "Challenge failed")
}
