package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sitesmith/internal/clock"
	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/models"
	"sitesmith/internal/paths"
)

var hostnamePattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

func validHostname(domain string) bool {
	return len(domain) <= 253 && hostnamePattern.MatchString(domain)
}

// NormalizeDomain lowercases and strips a trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Resolver is the DNS lookup surface used for ownership checks. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DeploymentLookup finds the running instance a domain should route to.
type DeploymentLookup interface {
	Get(ctx context.Context, siteID string) (*models.Deployment, error)
}

// DomainOptions configures the domain lifecycle.
type DomainOptions struct {
	BaseDomain         string
	UpstreamHost       string
	VerificationTTL    time.Duration
	VerificationPrefix string
	ExpectedIP         string // optional A/AAAA check for custom domains
	RenewalWindow      time.Duration
	LookupTimeout      time.Duration
}

// DomainManager drives the bind status and SSL status of site domains.
type DomainManager struct {
	db          *gorm.DB
	resolver    Resolver
	proxy       ProxyWriter
	certifier   Certifier // nil disables certificate issuance
	deployments DeploymentLookup
	clock       clock.Clock
	opts        DomainOptions
	log         zerolog.Logger
}

func NewDomainManager(db *gorm.DB, resolver Resolver, proxy ProxyWriter, certifier Certifier, deployments DeploymentLookup, clk clock.Clock, opts DomainOptions, log zerolog.Logger) *DomainManager {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.UpstreamHost == "" {
		opts.UpstreamHost = "127.0.0.1"
	}
	return &DomainManager{
		db:          db,
		resolver:    resolver,
		proxy:       proxy,
		certifier:   certifier,
		deployments: deployments,
		clock:       clk,
		opts:        opts,
		log:         log.With().Str("component", "domain_manager").Logger(),
	}
}

// SSLEnabled reports whether certificates are issued.
func (m *DomainManager) SSLEnabled() bool {
	return m.certifier != nil
}

// Get returns one domain record.
func (m *DomainManager) Get(ctx context.Context, id uint) (*models.SiteDomain, error) {
	var d models.SiteDomain
	if err := m.db.WithContext(ctx).First(&d, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", smerrors.ErrDomainNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// ListBySession returns the domains of a wizard session, oldest first.
func (m *DomainManager) ListBySession(ctx context.Context, sessionID string) ([]models.SiteDomain, error) {
	var out []models.SiteDomain
	err := m.db.WithContext(ctx).Where("wizard_session_id = ?", sessionID).Order("id").Find(&out).Error
	return out, err
}

// ListBySite returns the domains routed to a site, oldest first.
func (m *DomainManager) ListBySite(ctx context.Context, siteID string) ([]models.SiteDomain, error) {
	var out []models.SiteDomain
	err := m.db.WithContext(ctx).Where("site_id = ?", siteID).Order("id").Find(&out).Error
	return out, err
}

// BindSubdomain activates the site's deterministic subdomain and any custom
// domains of the site that were verified before the site was deployed.
func (m *DomainManager) BindSubdomain(ctx context.Context, sessionID, siteID string) (*models.SiteDomain, error) {
	domain := paths.Subdomain(siteID, m.opts.BaseDomain)
	log := m.log.With().Str("site_id", siteID).Str("domain", domain).Logger()

	var rec models.SiteDomain
	err := m.db.WithContext(ctx).Where("domain = ?", domain).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = models.SiteDomain{
			WizardSessionID: sessionID,
			SiteID:          siteID,
			Domain:          domain,
			DomainType:      models.DomainSubdomain,
			IsTemporary:     true,
			Status:          models.DomainPending,
			SSLStatus:       models.SSLPending,
		}
		if err := m.db.WithContext(ctx).Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, fmt.Errorf("%w: %s", smerrors.ErrDomainConflict, domain)
			}
			return nil, err
		}
	case err != nil:
		return nil, err
	case rec.SiteID != siteID:
		return nil, fmt.Errorf("%w: %s", smerrors.ErrDomainConflict, domain)
	case rec.Status == models.DomainFailed || rec.Status == models.DomainExpired:
		rec.RetryCount++
	}

	if err := m.activate(ctx, &rec); err != nil {
		return &rec, err
	}
	log.Info().Msg("subdomain bound")

	m.bindVerifiedCustom(ctx, siteID)
	return &rec, nil
}

func (m *DomainManager) bindVerifiedCustom(ctx context.Context, siteID string) {
	var waiting []models.SiteDomain
	err := m.db.WithContext(ctx).
		Where("site_id = ? AND domain_type = ? AND status = ? AND verified_at IS NOT NULL", siteID, models.DomainCustom, models.DomainPending).
		Find(&waiting).Error
	if err != nil {
		m.log.Error().Err(err).Str("site_id", siteID).Msg("failed to load verified domains")
		return
	}
	for i := range waiting {
		if err := m.activate(ctx, &waiting[i]); err != nil {
			m.log.Warn().Err(err).Str("domain", waiting[i].Domain).Msg("failed to bind verified domain")
		}
	}
}

// RequestCustomDomain records a custom domain for the session's site and
// issues a verification token. Domains held by an active or pending record
// are rejected with ErrDomainConflict and left untouched.
func (m *DomainManager) RequestCustomDomain(ctx context.Context, sessionID, siteID, domain string) (*models.SiteDomain, error) {
	domain = NormalizeDomain(domain)
	if !validHostname(domain) {
		return nil, fmt.Errorf("%w: %q", smerrors.ErrDomainInvalid, domain)
	}
	if domain == m.opts.BaseDomain || strings.HasSuffix(domain, "."+m.opts.BaseDomain) {
		return nil, fmt.Errorf("%w: %s is reserved", smerrors.ErrDomainInvalid, domain)
	}
	if err := paths.ValidateSiteID(siteID); err != nil {
		return nil, err
	}

	var rec models.SiteDomain
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("domain = ?", domain).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = models.SiteDomain{
				WizardSessionID: sessionID,
				SiteID:          siteID,
				Domain:          domain,
				DomainType:      models.DomainCustom,
				Status:          models.DomainPending,
				SSLStatus:       models.SSLPending,
			}
			m.issueToken(&rec)
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		switch rec.Status {
		case models.DomainActive, models.DomainPending:
			return fmt.Errorf("%w: %s", smerrors.ErrDomainConflict, domain)
		}

		// A failed or retired domain may be claimed again.
		if rec.WizardSessionID == sessionID {
			rec.RetryCount++
		} else {
			rec.RetryCount = 0
		}
		rec.WizardSessionID = sessionID
		rec.SiteID = siteID
		rec.DomainType = models.DomainCustom
		rec.IsTemporary = false
		rec.Status = models.DomainPending
		rec.SSLStatus = models.SSLPending
		rec.SSLExpiresAt = nil
		rec.VerifiedAt = nil
		rec.ErrorMessage = nil
		rec.NginxConfigPath = nil
		rec.ContainerName = nil
		m.issueToken(&rec)
		return tx.Save(&rec).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", smerrors.ErrDomainConflict, domain)
		}
		return nil, err
	}

	m.log.Info().Str("domain", domain).Str("site_id", siteID).Str("session_id", sessionID).Msg("custom domain requested")
	return &rec, nil
}

// VerifyDomain checks that a pending custom domain's token is published and
// binds it. An expired token fails the record.
func (m *DomainManager) VerifyDomain(ctx context.Context, id uint) (*models.SiteDomain, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.DomainType != models.DomainCustom || rec.Status == models.DomainActive {
		return rec, nil
	}
	if rec.Status != models.DomainPending {
		return rec, fmt.Errorf("%w: domain %s is %s", smerrors.ErrInvalidTransition, rec.Domain, rec.Status)
	}

	if rec.VerifiedAt == nil {
		if rec.VerificationExpiresAt == nil || !m.clock.Now().Before(*rec.VerificationExpiresAt) {
			m.markFailed(ctx, rec, "verification token expired; retry to issue a new token")
			return rec, fmt.Errorf("%w: %s", smerrors.ErrDomainVerificationExpired, rec.Domain)
		}

		ok, reason := m.checkOwnership(ctx, rec)
		if !ok {
			m.setError(ctx, rec, reason)
			return rec, fmt.Errorf("%w: %s", smerrors.ErrDomainNotVerified, reason)
		}

		now := m.clock.Now()
		rec.VerifiedAt = &now
		rec.ErrorMessage = nil
		if err := m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"verified_at": now, "error_message": nil}).Error; err != nil {
			return rec, err
		}
		m.log.Info().Str("domain", rec.Domain).Msg("domain ownership verified")
	}

	if err := m.activate(ctx, rec); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Verified before the site was deployed; the next deployment binds it.
			m.setError(ctx, rec, "verified; waiting for the site to be deployed")
			return rec, nil
		}
		return rec, err
	}
	return rec, nil
}

// RetryDomain re-attempts a failed domain. Custom domains get a fresh token.
func (m *DomainManager) RetryDomain(ctx context.Context, id uint) (*models.SiteDomain, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.DomainFailed {
		return rec, fmt.Errorf("%w: domain %s is %s", smerrors.ErrInvalidTransition, rec.Domain, rec.Status)
	}

	rec.RetryCount++
	if rec.DomainType == models.DomainSubdomain {
		if err := m.db.WithContext(ctx).Model(rec).Update("retry_count", rec.RetryCount).Error; err != nil {
			return rec, err
		}
		if err := m.activate(ctx, rec); err != nil {
			return rec, err
		}
		return rec, nil
	}

	rec.Status = models.DomainPending
	rec.ErrorMessage = nil
	rec.VerifiedAt = nil
	m.issueToken(rec)
	if err := m.db.WithContext(ctx).Save(rec).Error; err != nil {
		return rec, err
	}
	m.log.Info().Str("domain", rec.Domain).Int("retry_count", rec.RetryCount).Msg("domain verification reissued")
	return rec, nil
}

// RetireDomain removes the domain's proxy config and marks it expired.
func (m *DomainManager) RetireDomain(ctx context.Context, id uint) (*models.SiteDomain, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.DomainExpired {
		return rec, nil
	}
	if err := m.proxy.Remove(ctx, rec.Domain); err != nil {
		return rec, err
	}
	rec.Status = models.DomainExpired
	rec.NginxConfigPath = nil
	if err := m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"status": rec.Status, "nginx_config_path": nil}).Error; err != nil {
		return rec, err
	}
	m.log.Info().Str("domain", rec.Domain).Msg("domain retired")
	return rec, nil
}

// IssueCertificate obtains a certificate for an active domain and switches
// its proxy config to TLS. Failures only affect the SSL status.
func (m *DomainManager) IssueCertificate(ctx context.Context, id uint) (*models.SiteDomain, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, m.issue(ctx, rec, false)
}

func (m *DomainManager) issue(ctx context.Context, rec *models.SiteDomain, force bool) error {
	if m.certifier == nil {
		return fmt.Errorf("%w: certificate issuance is disabled", smerrors.ErrSSLIssuance)
	}
	if rec.Status != models.DomainActive {
		return fmt.Errorf("%w: %s is %s", smerrors.ErrDomainNotVerified, rec.Domain, rec.Status)
	}
	log := m.log.With().Str("domain", rec.Domain).Logger()

	expires, err := m.certifier.Issue(ctx, rec.Domain, force)
	if err != nil {
		msg := err.Error()
		rec.SSLStatus = models.SSLFailed
		rec.ErrorMessage = &msg
		if uerr := m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"ssl_status": rec.SSLStatus, "error_message": msg}).Error; uerr != nil {
			log.Error().Err(uerr).Msg("failed to record ssl failure")
		}
		log.Warn().Err(err).Msg("certificate issuance failed")
		if !errors.Is(err, smerrors.ErrSSLIssuance) {
			err = fmt.Errorf("%w: %w", smerrors.ErrSSLIssuance, err)
		}
		return err
	}

	rec.SSLStatus = models.SSLIssued
	rec.SSLExpiresAt = &expires
	rec.ErrorMessage = nil
	if err := m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"ssl_status": rec.SSLStatus, "ssl_expires_at": expires, "error_message": nil}).Error; err != nil {
		return err
	}
	return m.activate(ctx, rec)
}

// SweepResult counts what one maintenance sweep did.
type SweepResult struct {
	Checked   int `json:"checked"`
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
	Renewed   int `json:"renewed"`
	Failed    int `json:"failed"`
}

// SweepVerifications re-checks every pending custom domain.
func (m *DomainManager) SweepVerifications(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var pending []models.SiteDomain
	err := m.db.WithContext(ctx).
		Where("domain_type = ? AND status = ?", models.DomainCustom, models.DomainPending).
		Order("id").Find(&pending).Error
	if err != nil {
		return res, err
	}

	for _, d := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		rec, err := m.VerifyDomain(ctx, d.ID)
		switch {
		case errors.Is(err, smerrors.ErrDomainVerificationExpired):
			res.Expired++
		case errors.Is(err, smerrors.ErrDomainNotVerified):
		case err != nil:
			res.Failed++
			m.log.Warn().Err(err).Str("domain", d.Domain).Msg("verification sweep error")
		case rec.Status == models.DomainActive:
			res.Activated++
		}
	}
	m.log.Info().Int("checked", res.Checked).Int("activated", res.Activated).Int("expired", res.Expired).Msg("verification sweep done")
	return res, nil
}

// SweepCertificates marks certificates inside the renewal window as
// expiring, renews them, and retries failed issuance on active domains.
func (m *DomainManager) SweepCertificates(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if m.certifier == nil {
		return res, nil
	}

	horizon := m.clock.Now().Add(m.opts.RenewalWindow)
	if err := m.db.WithContext(ctx).Model(&models.SiteDomain{}).
		Where("ssl_status = ? AND ssl_expires_at IS NOT NULL AND ssl_expires_at < ?", models.SSLIssued, horizon).
		Update("ssl_status", models.SSLExpiring).Error; err != nil {
		return res, err
	}

	var due []models.SiteDomain
	err := m.db.WithContext(ctx).
		Where("status = ? AND ssl_status IN ?", models.DomainActive, []models.SSLStatus{models.SSLExpiring, models.SSLFailed}).
		Order("id").Find(&due).Error
	if err != nil {
		return res, err
	}

	for i := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		force := due[i].SSLStatus == models.SSLExpiring
		if err := m.issue(ctx, &due[i], force); err != nil {
			res.Failed++
			continue
		}
		res.Renewed++
	}
	m.log.Info().Int("checked", res.Checked).Int("renewed", res.Renewed).Int("failed", res.Failed).Msg("certificate sweep done")
	return res, nil
}

// TeardownSite removes every domain of a site along with its proxy config.
func (m *DomainManager) TeardownSite(ctx context.Context, siteID string) error {
	domains, err := m.ListBySite(ctx, siteID)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range domains {
		if err := m.proxy.Remove(ctx, d.Domain); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.db.WithContext(ctx).Delete(&models.SiteDomain{}, d.ID).Error; err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		m.log.Info().Str("site_id", siteID).Int("domains", len(domains)).Msg("site domains removed")
	}
	return errors.Join(errs...)
}

// activate routes the domain to the site's deployment and marks it active.
// A missing deployment is returned as gorm.ErrRecordNotFound.
func (m *DomainManager) activate(ctx context.Context, rec *models.SiteDomain) error {
	dep, err := m.deployments.Get(ctx, rec.SiteID)
	if err != nil {
		return err
	}

	target := ProxyTarget{
		SiteID:        rec.SiteID,
		Domain:        rec.Domain,
		Upstream:      net.JoinHostPort(m.opts.UpstreamHost, strconv.Itoa(dep.Port)),
		ContainerName: dep.ContainerName,
		TLS:           rec.SSLStatus == models.SSLIssued || rec.SSLStatus == models.SSLExpiring,
	}
	confPath, err := m.proxy.Write(ctx, target)
	if err != nil {
		m.markFailed(ctx, rec, err.Error())
		return err
	}

	now := m.clock.Now()
	rec.Status = models.DomainActive
	rec.NginxConfigPath = &confPath
	rec.ContainerName = &dep.ContainerName
	rec.ErrorMessage = nil
	if rec.VerifiedAt == nil {
		rec.VerifiedAt = &now
	}
	return m.db.WithContext(ctx).Save(rec).Error
}

// checkOwnership looks for the token in TXT records at the verification
// prefix and, when configured, for an address record pointing at us.
func (m *DomainManager) checkOwnership(ctx context.Context, rec *models.SiteDomain) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LookupTimeout)
	defer cancel()

	token := ""
	if rec.VerificationToken != nil {
		token = *rec.VerificationToken
	}
	txtHost := m.opts.VerificationPrefix + "." + rec.Domain
	records, err := m.resolver.LookupTXT(ctx, txtHost)
	if err != nil {
		return false, "TXT record not found for " + txtHost
	}
	found := false
	for _, r := range records {
		if strings.TrimSpace(r) == token {
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Sprintf("TXT record for %s does not contain the verification token", txtHost)
	}

	if m.opts.ExpectedIP == "" {
		return true, ""
	}
	addrs, err := m.resolver.LookupIPAddr(ctx, rec.Domain)
	if err != nil {
		return false, "address record not found for " + rec.Domain
	}
	for _, a := range addrs {
		if a.IP.String() == m.opts.ExpectedIP {
			return true, ""
		}
	}
	return false, fmt.Sprintf("%s does not point to %s", rec.Domain, m.opts.ExpectedIP)
}

func (m *DomainManager) issueToken(rec *models.SiteDomain) {
	token := "sitesmith-verify=" + uuid.NewString()
	expires := m.clock.Now().Add(m.opts.VerificationTTL)
	rec.VerificationToken = &token
	rec.VerificationExpiresAt = &expires
}

func (m *DomainManager) markFailed(ctx context.Context, rec *models.SiteDomain, msg string) {
	rec.Status = models.DomainFailed
	rec.ErrorMessage = &msg
	if err := m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"status": rec.Status, "error_message": msg}).Error; err != nil {
		m.log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to record domain failure")
	}
}

func (m *DomainManager) setError(ctx context.Context, rec *models.SiteDomain, msg string) {
	rec.ErrorMessage = &msg
	if err := m.db.WithContext(ctx).Model(rec).Update("error_message", msg).Error; err != nil {
		m.log.Error().Err(err).Str("domain", rec.Domain).Msg("failed to record domain error")
	}
}

var _ Resolver = (*net.Resolver)(nil)
