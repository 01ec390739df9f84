package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
)

// ProxyTarget is everything needed to route one domain to a site instance.
type ProxyTarget struct {
	SiteID        string
	Domain        string
	Upstream      string // host:port of the site instance
	ContainerName string
	TLS           bool
}

// ProxyWriter manages one reverse-proxy configuration file per domain.
type ProxyWriter interface {
	// Write renders, validates and activates the config for target and
	// returns its file path. On failure the previous config is restored.
	Write(ctx context.Context, target ProxyTarget) (string, error)
	// Remove deletes the domain's config. A missing file is not an error.
	Remove(ctx context.Context, domain string) error
}

var nginxSite = template.Must(template.New("site").Parse(`# Managed by sitesmith for site {{.SiteID}} ({{.ContainerName}}). Do not edit.
server {
    listen 80;
    listen [::]:80;
    server_name {{.Domain}};

    location /.well-known/acme-challenge/ {
        root {{.Webroot}};
    }
{{- if .TLS}}

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl;
    listen [::]:443 ssl;
    http2 on;
    server_name {{.Domain}};

    ssl_certificate {{.CertDir}}/{{.Domain}}/fullchain.pem;
    ssl_certificate_key {{.CertDir}}/{{.Domain}}/privkey.pem;
{{- end}}

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// NginxOptions locates nginx and the certificate material.
type NginxOptions struct {
	ConfDir string
	Binary  string
	Webroot string
	CertDir string
}

// NginxProxy writes <ConfDir>/<domain>.conf and reloads nginx.
type NginxProxy struct {
	exec executor.Executor
	fs   billy.Filesystem
	opts NginxOptions
	log  zerolog.Logger
}

func NewNginxProxy(exec executor.Executor, opts NginxOptions, log zerolog.Logger) *NginxProxy {
	return newNginxProxy(exec, osfs.New(opts.ConfDir), opts, log)
}

func newNginxProxy(exec executor.Executor, fs billy.Filesystem, opts NginxOptions, log zerolog.Logger) *NginxProxy {
	if opts.Binary == "" {
		opts.Binary = "nginx"
	}
	return &NginxProxy{
		exec: exec,
		fs:   fs,
		opts: opts,
		log:  log.With().Str("component", "nginx").Logger(),
	}
}

// Path returns the config file of a domain.
func (p *NginxProxy) Path(domain string) string {
	return filepath.Join(p.opts.ConfDir, domain+".conf")
}

func (p *NginxProxy) Write(ctx context.Context, target ProxyTarget) (string, error) {
	if !validHostname(target.Domain) {
		return "", fmt.Errorf("%w: %q", smerrors.ErrDomainInvalid, target.Domain)
	}

	var buf bytes.Buffer
	err := nginxSite.Execute(&buf, struct {
		ProxyTarget
		Webroot string
		CertDir string
	}{target, p.opts.Webroot, p.opts.CertDir})
	if err != nil {
		return "", fmt.Errorf("%w: %w", smerrors.ErrProxyConfig, err)
	}

	name := target.Domain + ".conf"
	previous, readErr := util.ReadFile(p.fs, name)
	hadPrevious := readErr == nil
	if hadPrevious && bytes.Equal(previous, buf.Bytes()) {
		return p.Path(target.Domain), nil
	}

	if err := util.WriteFile(p.fs, name, buf.Bytes(), filePerm); err != nil {
		return "", fmt.Errorf("%w: %w", smerrors.ErrProxyConfig, err)
	}

	if err := p.apply(ctx); err != nil {
		if hadPrevious {
			_ = util.WriteFile(p.fs, name, previous, filePerm)
		} else {
			_ = p.fs.Remove(name)
		}
		return "", err
	}

	p.log.Info().Str("domain", target.Domain).Str("upstream", target.Upstream).Bool("tls", target.TLS).Msg("proxy config applied")
	return p.Path(target.Domain), nil
}

func (p *NginxProxy) Remove(ctx context.Context, domain string) error {
	if err := p.fs.Remove(domain + ".conf"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	p.log.Info().Str("domain", domain).Msg("proxy config removed")
	return p.reload(ctx)
}

// apply validates the full nginx configuration and reloads it.
func (p *NginxProxy) apply(ctx context.Context) error {
	res, err := p.exec.Run(ctx, executor.Command{Name: p.opts.Binary, Args: []string{"-t"}, Timeout: 30 * time.Second})
	if err != nil {
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			return fmt.Errorf("%w: nginx -t: %w\n%s", smerrors.ErrProxyConfig, err, strings.TrimSpace(tail(res.Stderr, stderrTail)))
		}
		return fmt.Errorf("%w: nginx -t: %w", smerrors.ErrProxyConfig, err)
	}
	return p.reload(ctx)
}

func (p *NginxProxy) reload(ctx context.Context) error {
	if _, err := p.exec.Run(ctx, executor.Command{Name: p.opts.Binary, Args: []string{"-s", "reload"}, Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("%w: reload: %w", smerrors.ErrProxyConfig, err)
	}
	return nil
}

var _ ProxyWriter = (*NginxProxy)(nil)
