package services

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"sitesmith/internal/clock"
	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
)

// Certifier obtains certificates for domains that already route to a site.
type Certifier interface {
	// Issue obtains (or with force, renews) a certificate and returns its expiry.
	Issue(ctx context.Context, domain string, force bool) (time.Time, error)
}

// CertbotOptions configures the certbot webroot flow.
type CertbotOptions struct {
	Binary   string
	Webroot  string
	CertDir  string
	Email    string
	Lifetime time.Duration // assumed validity when the issued cert cannot be read
}

// CertbotCertifier issues certificates with certbot's webroot plugin. The
// nginx config of every bound domain serves the webroot challenge path.
type CertbotCertifier struct {
	exec  executor.Executor
	certs billy.Filesystem
	opts  CertbotOptions
	clock clock.Clock
	log   zerolog.Logger
}

func NewCertbotCertifier(exec executor.Executor, opts CertbotOptions, clk clock.Clock, log zerolog.Logger) *CertbotCertifier {
	if opts.Binary == "" {
		opts.Binary = "certbot"
	}
	return &CertbotCertifier{
		exec:  exec,
		certs: osfs.New(opts.CertDir),
		opts:  opts,
		clock: clk,
		log:   log.With().Str("component", "certbot").Logger(),
	}
}

func (c *CertbotCertifier) Issue(ctx context.Context, domain string, force bool) (time.Time, error) {
	args := []string{
		"certonly", "--webroot",
		"-w", c.opts.Webroot,
		"-d", domain,
		"--non-interactive", "--agree-tos",
	}
	if c.opts.Email != "" {
		args = append(args, "-m", c.opts.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	if force {
		args = append(args, "--force-renewal")
	} else {
		args = append(args, "--keep-until-expiring")
	}

	res, err := c.exec.Run(ctx, executor.Command{Name: c.opts.Binary, Args: args, Timeout: 5 * time.Minute})
	if err != nil {
		if res != nil && res.Stderr != "" {
			return time.Time{}, fmt.Errorf("%w: %w\n%s", smerrors.ErrSSLIssuance, err, tail(res.Stderr, stderrTail))
		}
		return time.Time{}, fmt.Errorf("%w: %w", smerrors.ErrSSLIssuance, err)
	}

	expires, err := c.notAfter(domain)
	if err != nil {
		c.log.Warn().Err(err).Str("domain", domain).Msg("cannot read issued certificate, assuming default lifetime")
		expires = c.clock.Now().Add(c.opts.Lifetime)
	}
	c.log.Info().Str("domain", domain).Time("expires_at", expires).Bool("renewal", force).Msg("certificate issued")
	return expires, nil
}

// notAfter reads the leaf certificate certbot stored for domain.
func (c *CertbotCertifier) notAfter(domain string) (time.Time, error) {
	data, err := util.ReadFile(c.certs, filepath.Join(domain, "cert.pem"))
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, errors.New("no PEM block in cert.pem")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter.UTC(), nil
}

var _ Certifier = (*CertbotCertifier)(nil)
