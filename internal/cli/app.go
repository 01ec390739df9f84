package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sitesmith/internal/clock"
	"sitesmith/internal/config"
	"sitesmith/internal/database"
	"sitesmith/internal/executor"
	"sitesmith/internal/services"
	"sitesmith/internal/sitelock"
)

// app holds the wired services shared by every command.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *services.Metrics

	tracker   *services.Tracker
	domains   *services.DomainManager
	orch      *services.Orchestrator
	scheduler *services.Scheduler

	closers []io.Closer
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = services.NewMetrics(a.registry)

	db, err := database.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	a.db = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB)
	}

	locker, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}

	var firewall services.Firewall = services.NoopFirewall{}
	if cfg.FirewallEnabled {
		fw, err := services.NewIptablesFirewall(cfg.FirewallAllowCIDR, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init firewall: %w", err)
		}
		firewall = fw
	}

	exec := executor.New()
	clk := clock.RealClock{}

	store := services.NewConfigStore(cfg.ConfigRoot, services.ConfigStoreOptions{
		UploadRoot:    cfg.UploadRoot,
		AssetTimeout:  cfg.AssetTimeout,
		AssetMaxBytes: cfg.AssetMaxBytes,
	}, log)

	templates := services.NewTemplateEngine(services.TemplateOptions{
		TemplatesDir:      cfg.TemplatesDir,
		TemplateName:      cfg.TemplateName,
		LegacyTemplateDir: cfg.LegacyTemplateDir,
		SitesRoot:         cfg.SitesRoot,
		ConfigPath:        cfg.TemplateConfigPath,
		AssetsPath:        cfg.TemplateAssetsPath,
		EntryDocument:     cfg.EntryDocument,
		BuildOutputDir:    cfg.BuildOutputDir,
		BaseDomain:        cfg.BaseDomain,
	}, store, log)

	builder := services.NewBuildRunner(exec, services.BuildOptions{
		InstallCommand:     cfg.InstallCommand,
		BuildCommand:       cfg.BuildCommand,
		InstallTimeout:     cfg.InstallTimeout,
		BuildTimeout:       cfg.BuildTimeout,
		InstallOutputLimit: cfg.InstallOutputLimit,
		BuildOutputLimit:   cfg.BuildOutputLimit,
		OutputDir:          cfg.BuildOutputDir,
		EntryFile:          cfg.BuildEntryFile,
	}, log)

	deployer := services.NewDeployer(db,
		services.NewDockerRuntime(exec, cfg.RuntimeImage, log),
		services.NewHTTPReadyChecker(),
		firewall,
		services.DeployOptions{
			PortRangeStart: cfg.PortRangeStart,
			PortRangeEnd:   cfg.PortRangeEnd,
			BindIP:         cfg.RuntimeBindIP,
			PublicHost:     cfg.PublicHost,
			ReadyTimeout:   cfg.ReadyTimeout,
		}, log)

	proxy := services.NewNginxProxy(exec, services.NginxOptions{
		ConfDir: cfg.NginxConfDir,
		Binary:  cfg.NginxBinary,
		Webroot: cfg.CertWebroot,
		CertDir: cfg.CertDir,
	}, log)

	var certifier services.Certifier
	if cfg.SSLEnabled {
		certifier = services.NewCertbotCertifier(exec, services.CertbotOptions{
			Binary:   cfg.CertbotBinary,
			Webroot:  cfg.CertWebroot,
			CertDir:  cfg.CertDir,
			Email:    cfg.CertEmail,
			Lifetime: cfg.SSLLifetime,
		}, clk, log)
	}

	a.domains = services.NewDomainManager(db, net.DefaultResolver, proxy, certifier, deployer, clk, services.DomainOptions{
		BaseDomain:         cfg.BaseDomain,
		UpstreamHost:       upstreamHost(cfg.RuntimeBindIP),
		VerificationTTL:    cfg.VerificationTTL,
		VerificationPrefix: cfg.VerificationPrefix,
		ExpectedIP:         cfg.DNSExpectedIP,
		RenewalWindow:      cfg.SSLRenewalWindow,
	}, log)

	a.tracker = services.NewTracker(db, clk, log)
	a.orch = services.NewOrchestrator(services.OrchestratorDeps{
		Tracker:   a.tracker,
		Store:     store,
		Templates: templates,
		Builder:   builder,
		Deployer:  deployer,
		Domains:   a.domains,
		Locker:    locker,
		Metrics:   a.metrics,
	}, services.OrchestratorOptions{Workers: cfg.Workers}, log)

	a.scheduler, err = services.NewScheduler(a.domains, a.metrics, services.SchedulerOptions{
		VerifySchedule: cfg.VerifySchedule,
		SSLSchedule:    cfg.SSLSchedule,
	}, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) newLocker() (sitelock.Locker, error) {
	if a.cfg.LockBackend != config.LockBackendRedis {
		return sitelock.NewMemoryLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, client)
	a.log.Info().Str("addr", a.cfg.RedisAddr).Msg("using redis site locks")
	return sitelock.NewRedisLocker(client, a.cfg.LockTTL, a.log), nil
}

// ping reports database health for /healthz.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// upstreamHost is the address nginx uses to reach a published site port.
func upstreamHost(bindIP string) string {
	if bindIP == "" || bindIP == "0.0.0.0" {
		return "127.0.0.1"
	}
	return bindIP
}
