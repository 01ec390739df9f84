package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/clock"
	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/models"
)

type domainFixture struct {
	manager   *DomainManager
	deployer  *Deployer
	resolver  *fakeResolver
	proxy     *fakeProxy
	certifier *fakeCertifier
	clock     *clock.Manual
}

func testDomainOptions() DomainOptions {
	return DomainOptions{
		BaseDomain:         "basedomain.example",
		UpstreamHost:       "127.0.0.1",
		VerificationTTL:    72 * time.Hour,
		VerificationPrefix: "_sitesmith-verify",
		RenewalWindow:      30 * 24 * time.Hour,
	}
}

func newDomainFixture(t *testing.T) *domainFixture {
	t.Helper()
	db := newTestDB(t)
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	deployer := NewDeployer(db, newFakeRuntime(), &fakeReadyChecker{}, nil, testDeployOptions(), zerolog.Nop())
	f := &domainFixture{
		deployer:  deployer,
		resolver:  newFakeResolver(),
		proxy:     newFakeProxy(),
		certifier: &fakeCertifier{expires: clk.Now().Add(90 * 24 * time.Hour)},
		clock:     clk,
	}
	f.manager = NewDomainManager(db, f.resolver, f.proxy, f.certifier, deployer, clk, testDomainOptions(), zerolog.Nop())
	return f
}

func (f *domainFixture) deploy(t *testing.T, siteID string) {
	t.Helper()
	_, err := f.deployer.Deploy(context.Background(), siteID, "/dist")
	require.NoError(t, err)
}

func TestDomainManager_BindSubdomain(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	rec, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-1.basedomain.example", rec.Domain)
	assert.Equal(t, models.DomainSubdomain, rec.DomainType)
	assert.True(t, rec.IsTemporary)
	assert.Equal(t, models.DomainActive, rec.Status)
	assert.Equal(t, models.SSLPending, rec.SSLStatus)
	require.NotNil(t, rec.NginxConfigPath)
	require.NotNil(t, rec.ContainerName)
	assert.Equal(t, "site-acme-1", *rec.ContainerName)

	target, ok := f.proxy.Target("acme-1.basedomain.example")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:20000", target.Upstream)
	assert.False(t, target.TLS)

	again, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, models.DomainActive, again.Status)
}

func TestDomainManager_BindSubdomainProxyFailureAndRetry(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	f.proxy.writeErr = errors.Join(smerrors.ErrProxyConfig, errors.New("nginx -t failed"))
	rec, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.ErrorIs(t, err, smerrors.ErrProxyConfig)

	stored, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)

	f.proxy.writeErr = nil
	retried, err := f.manager.RetryDomain(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainActive, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.ErrorMessage)
}

func TestDomainManager_CustomDomainConflict(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "Shop.Example.com.")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", rec.Domain)
	assert.Equal(t, models.DomainCustom, rec.DomainType)
	assert.Equal(t, models.DomainPending, rec.Status)
	require.NotNil(t, rec.VerificationToken)
	require.NotNil(t, rec.VerificationExpiresAt)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *rec.VerificationExpiresAt)

	before, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)

	_, err = f.manager.RequestCustomDomain(ctx, "sess-b", "acme-2", "shop.example.com")
	require.ErrorIs(t, err, smerrors.ErrDomainConflict)

	after, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "sess-a", after.WizardSessionID)
}

func TestDomainManager_RequestCustomDomainValidation(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	for _, domain := range []string{"", "localhost", "bad domain.com", "-x.example.com", "foo.basedomain.example"} {
		_, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", domain)
		assert.ErrorIs(t, err, smerrors.ErrDomainInvalid, domain)
	}
}

func TestDomainManager_VerifyCustomDomain(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)

	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	require.ErrorIs(t, err, smerrors.ErrDomainNotVerified)
	pending, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainPending, pending.Status)
	require.NotNil(t, pending.ErrorMessage)
	assert.Contains(t, *pending.ErrorMessage, "_sitesmith-verify.shop.example.com")

	f.resolver.SetTXT("_sitesmith-verify.shop.example.com", "unrelated", *rec.VerificationToken)
	verified, err := f.manager.VerifyDomain(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainActive, verified.Status)
	assert.NotNil(t, verified.VerifiedAt)
	assert.Nil(t, verified.ErrorMessage)

	_, ok := f.proxy.Target("shop.example.com")
	assert.True(t, ok)
}

func TestDomainManager_ExpectedIPCheck(t *testing.T) {
	f := newDomainFixture(t)
	f.manager.opts.ExpectedIP = "203.0.113.10"
	ctx := context.Background()
	f.deploy(t, "acme-1")

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)
	f.resolver.SetTXT("_sitesmith-verify.shop.example.com", *rec.VerificationToken)

	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	require.ErrorIs(t, err, smerrors.ErrDomainNotVerified)
}

func TestDomainManager_VerificationExpiry(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)
	oldToken := *rec.VerificationToken

	f.clock.Advance(73 * time.Hour)
	f.resolver.SetTXT("_sitesmith-verify.shop.example.com", oldToken)

	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	require.ErrorIs(t, err, smerrors.ErrDomainVerificationExpired)
	failed, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainFailed, failed.Status)

	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	assert.ErrorIs(t, err, smerrors.ErrInvalidTransition)

	retried, err := f.manager.RetryDomain(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.NotEqual(t, oldToken, *retried.VerificationToken)
	assert.True(t, retried.VerificationExpiresAt.After(f.clock.Now()))

	_, err = f.manager.RetryDomain(ctx, rec.ID)
	assert.ErrorIs(t, err, smerrors.ErrInvalidTransition)
}

func TestDomainManager_FailedDomainCanBeReclaimed(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)
	f.clock.Advance(100 * time.Hour)
	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	require.ErrorIs(t, err, smerrors.ErrDomainVerificationExpired)

	claimed, err := f.manager.RequestCustomDomain(ctx, "sess-b", "acme-2", "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, claimed.ID)
	assert.Equal(t, "sess-b", claimed.WizardSessionID)
	assert.Equal(t, "acme-2", claimed.SiteID)
	assert.Equal(t, models.DomainPending, claimed.Status)
	assert.Equal(t, 0, claimed.RetryCount)
}

func TestDomainManager_VerifiedBeforeDeployment(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-b", "acme-2", "shop.example.com")
	require.NoError(t, err)
	f.resolver.SetTXT("_sitesmith-verify.shop.example.com", *rec.VerificationToken)

	waiting, err := f.manager.VerifyDomain(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainPending, waiting.Status)
	assert.NotNil(t, waiting.VerifiedAt)

	// Expiry no longer applies once ownership is proven.
	f.clock.Advance(100 * time.Hour)

	f.deploy(t, "acme-2")
	_, err = f.manager.BindSubdomain(ctx, "sess-b", "acme-2")
	require.NoError(t, err)

	bound, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainActive, bound.Status)
}

func TestDomainManager_RetireDomain(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)
	f.resolver.SetTXT("_sitesmith-verify.shop.example.com", *rec.VerificationToken)
	_, err = f.manager.VerifyDomain(ctx, rec.ID)
	require.NoError(t, err)

	retired, err := f.manager.RetireDomain(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainExpired, retired.Status)
	assert.Nil(t, retired.NginxConfigPath)
	_, ok := f.proxy.Target("shop.example.com")
	assert.False(t, ok)

	// Retiring twice is a no-op.
	_, err = f.manager.RetireDomain(ctx, rec.ID)
	require.NoError(t, err)

	_, err = f.manager.RetireDomain(ctx, 9999)
	assert.ErrorIs(t, err, smerrors.ErrDomainNotFound)
}

func TestDomainManager_IssueCertificate(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	rec, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)

	issued, err := f.manager.IssueCertificate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLIssued, issued.SSLStatus)
	require.NotNil(t, issued.SSLExpiresAt)
	assert.Equal(t, models.DomainActive, issued.Status)

	target, ok := f.proxy.Target(rec.Domain)
	require.True(t, ok)
	assert.True(t, target.TLS)
}

func TestDomainManager_IssueCertificateFailureKeepsDomainActive(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")
	f.certifier.err = errors.New("rate limited")

	rec, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)

	_, err = f.manager.IssueCertificate(ctx, rec.ID)
	require.ErrorIs(t, err, smerrors.ErrSSLIssuance)

	stored, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainActive, stored.Status)
	assert.Equal(t, models.SSLFailed, stored.SSLStatus)
}

func TestDomainManager_IssueCertificateRequiresActive(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)
	_, err = f.manager.IssueCertificate(ctx, rec.ID)
	assert.ErrorIs(t, err, smerrors.ErrDomainNotVerified)
}

func TestDomainManager_SweepCertificates(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")
	f.deploy(t, "acme-2")

	soon, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)
	_, err = f.manager.IssueCertificate(ctx, soon.ID)
	require.NoError(t, err)

	failing, err := f.manager.BindSubdomain(ctx, "sess-b", "acme-2")
	require.NoError(t, err)
	f.certifier.err = errors.New("temporary")
	_, err = f.manager.IssueCertificate(ctx, failing.ID)
	require.Error(t, err)
	f.certifier.err = nil

	// 70 days later the first cert is inside the 30-day window.
	f.clock.Advance(70 * 24 * time.Hour)
	f.certifier.expires = f.clock.Now().Add(90 * 24 * time.Hour)

	res, err := f.manager.SweepCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Renewed)
	assert.Equal(t, []string{soon.Domain}, f.certifier.forced)

	for _, id := range []uint{soon.ID, failing.ID} {
		rec, err := f.manager.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SSLIssued, rec.SSLStatus)
	}
}

func TestDomainManager_SweepVerifications(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	ok, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "ok.example.com")
	require.NoError(t, err)
	_, err = f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "waiting.example.com")
	require.NoError(t, err)
	f.resolver.SetTXT("_sitesmith-verify.ok.example.com", *ok.VerificationToken)

	res, err := f.manager.SweepVerifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Activated: 1}, res)

	f.clock.Advance(80 * time.Hour)
	res, err = f.manager.SweepVerifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Expired: 1}, res)
}

func TestDomainManager_TeardownSite(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()
	f.deploy(t, "acme-1")

	_, err := f.manager.BindSubdomain(ctx, "sess-a", "acme-1")
	require.NoError(t, err)
	_, err = f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "shop.example.com")
	require.NoError(t, err)

	require.NoError(t, f.manager.TeardownSite(ctx, "acme-1"))
	domains, err := f.manager.ListBySite(ctx, "acme-1")
	require.NoError(t, err)
	assert.Empty(t, domains)
	_, ok := f.proxy.Target("acme-1.basedomain.example")
	assert.False(t, ok)
}

func TestDomainManager_ListBySession(t *testing.T) {
	f := newDomainFixture(t)
	ctx := context.Background()

	_, err := f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "one.example.com")
	require.NoError(t, err)
	_, err = f.manager.RequestCustomDomain(ctx, "sess-a", "acme-1", "two.example.com")
	require.NoError(t, err)
	_, err = f.manager.RequestCustomDomain(ctx, "sess-b", "acme-2", "three.example.com")
	require.NoError(t, err)

	list, err := f.manager.ListBySession(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "one.example.com", list[0].Domain)
	assert.Equal(t, "two.example.com", list[1].Domain)
}
