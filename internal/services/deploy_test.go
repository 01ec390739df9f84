package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
	"sitesmith/internal/models"
)

func testDeployOptions() DeployOptions {
	return DeployOptions{
		PortRangeStart: 20000,
		PortRangeEnd:   20002,
		BindIP:         "127.0.0.1",
		PublicHost:     "127.0.0.1",
		ReadyTimeout:   time.Second,
	}
}

func newTestDeployer(t *testing.T) (*Deployer, *fakeRuntime, *fakeReadyChecker, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	rt := newFakeRuntime()
	checker := &fakeReadyChecker{}
	return NewDeployer(db, rt, checker, nil, testDeployOptions(), zerolog.Nop()), rt, checker, db
}

func TestDeployer_DeployAllocatesStablePort(t *testing.T) {
	d, rt, checker, _ := newTestDeployer(t)
	ctx := context.Background()

	first, err := d.Deploy(ctx, "acme-1", "/sites/acme-1/dist")
	require.NoError(t, err)
	assert.Equal(t, 20000, first.Port)
	assert.Equal(t, "http://127.0.0.1:20000", first.URL)
	assert.Equal(t, "site-acme-1", first.ContainerName)
	assert.True(t, rt.Running("site-acme-1"))
	assert.Equal(t, []string{"http://127.0.0.1:20000/"}, checker.urls)

	// Redeploy stops the prior instance and keeps the port.
	again, err := d.Deploy(ctx, "acme-1", "/sites/acme-1/dist")
	require.NoError(t, err)
	assert.Equal(t, first.Port, again.Port)
	assert.Equal(t, 1, rt.Count())

	other, err := d.Deploy(ctx, "acme-2", "/sites/acme-2/dist")
	require.NoError(t, err)
	assert.Equal(t, 20001, other.Port)

	dep, err := d.Get(ctx, "acme-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentRunning, dep.Status)
}

func TestDeployer_PortRangeExhausted(t *testing.T) {
	d, _, _, _ := newTestDeployer(t)
	ctx := context.Background()

	for _, site := range []string{"a", "b", "c"} {
		_, err := d.Deploy(ctx, site, "/dist")
		require.NoError(t, err)
	}
	_, err := d.Deploy(ctx, "d", "/dist")
	assert.ErrorIs(t, err, smerrors.ErrNoPortAvailable)
}

func TestDeployer_ReleaseFreesPort(t *testing.T) {
	d, rt, _, _ := newTestDeployer(t)
	ctx := context.Background()

	_, err := d.Deploy(ctx, "a", "/dist")
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, "a"))
	assert.False(t, rt.Running("site-a"))

	_, err = d.Get(ctx, "a")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	res, err := d.Deploy(ctx, "b", "/dist")
	require.NoError(t, err)
	assert.Equal(t, 20000, res.Port)
}

func TestDeployer_FailedReadinessTearsDown(t *testing.T) {
	d, rt, checker, _ := newTestDeployer(t)
	checker.err = errors.New("connection refused")

	_, err := d.Deploy(context.Background(), "acme-1", "/dist")
	require.ErrorIs(t, err, smerrors.ErrDeploymentFailed)
	assert.False(t, rt.Running("site-acme-1"))

	dep, err := d.Get(context.Background(), "acme-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStopped, dep.Status)
}

func TestDeployer_FailedStartTearsDown(t *testing.T) {
	d, rt, _, _ := newTestDeployer(t)
	rt.startErr = errors.New("image pull failed")

	_, err := d.Deploy(context.Background(), "acme-1", "/dist")
	require.ErrorIs(t, err, smerrors.ErrDeploymentFailed)
	assert.Equal(t, 0, rt.Count())
}

func TestDeployer_StopWithoutDeployment(t *testing.T) {
	d, _, _, _ := newTestDeployer(t)
	assert.NoError(t, d.Stop(context.Background(), "never-deployed"))
}

func TestDeployer_FirewallRules(t *testing.T) {
	db := newTestDB(t)
	table := newFakeRuleTable()
	fw := newIptablesFirewall(table, DefaultFirewallChain, "10.0.0.0/24", zerolog.Nop())
	d := NewDeployer(db, newFakeRuntime(), &fakeReadyChecker{}, fw, testDeployOptions(), zerolog.Nop())

	_, err := d.Deploy(context.Background(), "acme-1", "/dist")
	require.NoError(t, err)
	rules := table.chains[DefaultFirewallChain]
	require.Len(t, rules, 2)
	assert.Contains(t, rules[0], "ACCEPT")
	assert.Contains(t, rules[0], "10.0.0.0/24")
	assert.Contains(t, rules[1], "DROP")

	require.NoError(t, d.Stop(context.Background(), "acme-1"))
	assert.Empty(t, table.chains[DefaultFirewallChain])
}

func TestIptablesFirewall_Idempotent(t *testing.T) {
	table := newFakeRuleTable()
	fw := newIptablesFirewall(table, "SITESMITH", "127.0.0.1/32", zerolog.Nop())

	require.NoError(t, fw.Allow(20000))
	require.NoError(t, fw.Allow(20000))
	assert.Len(t, table.chains["SITESMITH"], 2)

	require.NoError(t, fw.Revoke(20000))
	require.NoError(t, fw.Revoke(20000))
	assert.Empty(t, table.chains["SITESMITH"])
}

func TestLowestFreePort(t *testing.T) {
	tests := []struct {
		used []int
		want int
	}{
		{nil, 100},
		{[]int{100, 101}, 102},
		{[]int{100, 102}, 101},
		{[]int{5, 100}, 101},
		{[]int{100, 101, 102}, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lowestFreePort(tt.used, 100, 102), "%v", tt.used)
	}
}

func TestPublishSpec(t *testing.T) {
	spec, err := publishSpec("127.0.0.1", 20000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:20000:80/tcp", spec)
}

func TestDockerRuntime(t *testing.T) {
	fake := executor.NewFake()
	rt := NewDockerRuntime(fake, "nginx:1.27-alpine", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx, Instance{Name: "site-acme-1", SiteID: "acme-1", Root: "/srv/sites/acme-1/dist", BindIP: "127.0.0.1", Port: 20000}))
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].Name)
	assert.Equal(t, []string{
		"run", "-d",
		"--name", "site-acme-1",
		"--restart", "unless-stopped",
		"--label", "sitesmith.site=acme-1",
		"-p", "127.0.0.1:20000:80/tcp",
		"-v", "/srv/sites/acme-1/dist:/usr/share/nginx/html:ro",
		"nginx:1.27-alpine",
	}, calls[0].Args)

	fake.Fail("docker", 1, "Error response from daemon: No such container: site-acme-1")
	assert.NoError(t, rt.Stop(ctx, "site-acme-1"))

	fake.Fail("docker", 1, "Cannot connect to the Docker daemon")
	assert.Error(t, rt.Stop(ctx, "site-acme-1"))
}

func TestHTTPReadyChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPReadyChecker()
	assert.NoError(t, p.WaitReady(context.Background(), srv.URL, time.Second))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	p.interval = 10 * time.Millisecond
	// The last real cause is reported however the deadline lands.
	for i := 0; i < 5; i++ {
		err := p.WaitReady(context.Background(), failing.URL, 100*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
		assert.NotContains(t, err.Error(), "deadline exceeded")
	}
}

func TestHTTPReadyChecker_ExpiredContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewHTTPReadyChecker().WaitReady(ctx, srv.URL, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
