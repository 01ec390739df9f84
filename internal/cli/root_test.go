package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/config"
	"sitesmith/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ListenAddr:         "127.0.0.1:0",
		DatabasePath:       filepath.Join(dir, "sitesmith.db"),
		TemplatesDir:       filepath.Join(dir, "templates"),
		TemplateName:       "default",
		ConfigRoot:         filepath.Join(dir, "configs"),
		SitesRoot:          filepath.Join(dir, "sites"),
		TemplateConfigPath: "src/config/site.json",
		TemplateAssetsPath: "public/assets",
		EntryDocument:      "index.html",
		BuildOutputDir:     "dist",
		BuildEntryFile:     "index.html",
		BaseDomain:         "basedomain.example",
		PublicHost:         "127.0.0.1",
		PortRangeStart:     20000,
		PortRangeEnd:       20010,
		RuntimeBindIP:      "127.0.0.1",
		ReadyTimeout:       time.Second,
		NginxConfDir:       filepath.Join(dir, "nginx"),
		VerificationTTL:    72 * time.Hour,
		VerificationPrefix: "_sitesmith-verify",
		SSLRenewalWindow:   30 * 24 * time.Hour,
		Workers:            1,
		LockBackend:        config.LockBackendMemory,
		VerifySchedule:     "*/5 * * * *",
		SSLSchedule:        "0 3 * * *",
		LogLevel:           "error",
		LogFormat:          "json",
	}
}

func newTestRoot(t *testing.T, cfg *config.Config, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	state := &runtimeState{loadConfig: func() (*config.Config, error) { return cfg, nil }}
	cmd := newRootCmdWithState(state, BuildInfo{Version: "test"})
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	return out, cmd.Execute()
}

func TestRootCmd_Help(t *testing.T) {
	out, err := newTestRoot(t, testConfig(t), "--help")
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Sitesmith")
	for _, sub := range []string{"serve", "generate", "domains"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "1.2.0 (commit: abc1234, built: 2025-06-01)",
		formatVersion(BuildInfo{Version: "1.2.0", Commit: "abc1234", Date: "2025-06-01"}))
	assert.Equal(t, "dev (commit: none, built: unknown)", formatVersion(BuildInfo{}))
}

func TestUpstreamHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", upstreamHost(""))
	assert.Equal(t, "127.0.0.1", upstreamHost("0.0.0.0"))
	assert.Equal(t, "10.0.0.5", upstreamHost("10.0.0.5"))
}

func TestGenerateOptions_Request(t *testing.T) {
	dir := t.TempDir()

	opts := &generateOptions{customer: "c-1", session: "sess", assets: []string{"https://cdn.example/logo.png"}}
	req, err := opts.request()
	require.NoError(t, err)
	assert.Nil(t, req.Config)
	assert.Equal(t, []string{"https://cdn.example/logo.png"}, req.AssetURLs)

	good := filepath.Join(dir, "wizard.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"businessName":"Bakery"}`), 0o600))
	opts.configFile = good
	req, err = opts.request()
	require.NoError(t, err)
	assert.JSONEq(t, `{"businessName":"Bakery"}`, string(req.Config))

	bad := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"businessName":`), 0o600))
	opts.configFile = bad
	_, err = opts.request()
	assert.ErrorContains(t, err, "not valid JSON")

	opts.configFile = filepath.Join(dir, "missing.json")
	_, err = opts.request()
	assert.Error(t, err)
}

func TestGenerateCmd_RequiresIDs(t *testing.T) {
	_, err := newTestRoot(t, testConfig(t), "generate", "--session", "sess")
	assert.ErrorContains(t, err, "customer")
}

func TestGenerateCmd_MissingConfiguration(t *testing.T) {
	_, err := newTestRoot(t, testConfig(t), "generate", "--customer", "c-1", "--session", "9f1c2a7b33d4")
	assert.ErrorContains(t, err, "configuration")
}

func TestDomainsSweep_EmptyDatabase(t *testing.T) {
	out, err := newTestRoot(t, testConfig(t), "domains", "sweep")
	require.NoError(t, err)

	var res map[string]services.SweepResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, services.SweepResult{}, res["verification"])
	assert.Equal(t, services.SweepResult{}, res["certificate"])
}

func TestNewApp_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockBackend = config.LockBackendRedis
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := newTestRoot(t, cfg, "domains", "sweep")
	assert.ErrorContains(t, err, "redis")
}
