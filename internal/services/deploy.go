package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
	"sitesmith/internal/models"
	"sitesmith/internal/paths"
)

const containerPort = "80"

// Instance describes one runtime instance serving a site's build output.
type Instance struct {
	Name   string
	SiteID string
	Root   string
	BindIP string
	Port   int
}

// Runtime starts and stops isolated site instances.
type Runtime interface {
	Start(ctx context.Context, inst Instance) error
	// Stop removes the named instance. Stopping a missing instance succeeds.
	Stop(ctx context.Context, name string) error
}

// ReadyChecker reports when a started instance answers requests.
type ReadyChecker interface {
	WaitReady(ctx context.Context, url string, timeout time.Duration) error
}

// DockerRuntime runs each site as a container of a static file server image.
type DockerRuntime struct {
	exec   executor.Executor
	binary string
	image  string
	log    zerolog.Logger
}

func NewDockerRuntime(exec executor.Executor, image string, log zerolog.Logger) *DockerRuntime {
	return &DockerRuntime{
		exec:   exec,
		binary: "docker",
		image:  image,
		log:    log.With().Str("component", "docker_runtime").Logger(),
	}
}

func (r *DockerRuntime) Start(ctx context.Context, inst Instance) error {
	publish, err := publishSpec(inst.BindIP, inst.Port)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(inst.Root)
	if err != nil {
		return err
	}

	_, err = r.exec.Run(ctx, executor.Command{
		Name: r.binary,
		Args: []string{
			"run", "-d",
			"--name", inst.Name,
			"--restart", "unless-stopped",
			"--label", "sitesmith.site=" + inst.SiteID,
			"-p", publish,
			"-v", root + ":/usr/share/nginx/html:ro",
			r.image,
		},
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to start container %s: %w", inst.Name, err)
	}
	r.log.Info().Str("container", inst.Name).Str("publish", publish).Msg("container started")
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, name string) error {
	res, err := r.exec.Run(ctx, executor.Command{
		Name:    r.binary,
		Args:    []string{"rm", "-f", name},
		Timeout: time.Minute,
	})
	if err != nil {
		if res != nil && strings.Contains(res.Stderr, "No such container") {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// publishSpec renders the docker -p argument binding hostPort to the
// container's HTTP port.
func publishSpec(bindIP string, hostPort int) (string, error) {
	mappings, err := nat.ParsePortSpec(net.JoinHostPort(bindIP, strconv.Itoa(hostPort)) + ":" + containerPort + "/tcp")
	if err != nil {
		return "", fmt.Errorf("invalid publish spec: %w", err)
	}
	if len(mappings) != 1 {
		return "", fmt.Errorf("invalid publish spec: expected one mapping, got %d", len(mappings))
	}
	m := mappings[0]
	host := m.Binding.HostIP
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%s:%s/%s", host, m.Binding.HostPort, m.Port.Port(), m.Port.Proto()), nil
}

// HTTPReadyChecker polls a URL until it answers with a non-5xx status.
type HTTPReadyChecker struct {
	client   *http.Client
	interval time.Duration
}

func NewHTTPReadyChecker() *HTTPReadyChecker {
	return &HTTPReadyChecker{
		client:   &http.Client{Timeout: 2 * time.Second},
		interval: 250 * time.Millisecond,
	}
}

func (p *HTTPReadyChecker) WaitReady(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	notReachable := func() error {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return fmt.Errorf("%s not reachable after %s: %w", url, timeout, lastErr)
	}
	for {
		if ctx.Err() != nil {
			return notReachable()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		switch {
		case err == nil:
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		case ctx.Err() != nil:
			// The deadline cut this attempt short; keep the previous cause.
			return notReachable()
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return notReachable()
		case <-ticker.C:
		}
	}
}

// DeployOptions configures port allocation and reachability checks.
type DeployOptions struct {
	PortRangeStart int
	PortRangeEnd   int
	BindIP         string
	PublicHost     string
	ReadyTimeout   time.Duration
}

// DeployResult is what a successful deployment reports back to the task.
type DeployResult struct {
	Port          int
	URL           string
	ContainerName string
}

// Deployer owns the site to port allocation and the runtime instance of each site.
type Deployer struct {
	db       *gorm.DB
	runtime  Runtime
	checker  ReadyChecker
	firewall Firewall
	opts     DeployOptions
	log      zerolog.Logger
}

func NewDeployer(db *gorm.DB, runtime Runtime, checker ReadyChecker, firewall Firewall, opts DeployOptions, log zerolog.Logger) *Deployer {
	if firewall == nil {
		firewall = NoopFirewall{}
	}
	return &Deployer{
		db:       db,
		runtime:  runtime,
		checker:  checker,
		firewall: firewall,
		opts:     opts,
		log:      log.With().Str("component", "deployer").Logger(),
	}
}

// Deploy serves root for the site on its stable port, replacing any prior
// instance, and waits for it to become reachable.
func (d *Deployer) Deploy(ctx context.Context, siteID, root string) (*DeployResult, error) {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return nil, err
	}
	dep, err := d.allocate(ctx, siteID)
	if err != nil {
		return nil, err
	}
	log := d.log.With().Str("site_id", siteID).Int("port", dep.Port).Logger()

	if err := d.runtime.Stop(ctx, dep.ContainerName); err != nil {
		return nil, fmt.Errorf("%w: failed to stop prior instance: %w", smerrors.ErrDeploymentFailed, err)
	}

	inst := Instance{Name: dep.ContainerName, SiteID: siteID, Root: root, BindIP: d.opts.BindIP, Port: dep.Port}
	if err := d.start(ctx, inst); err != nil {
		log.Error().Err(err).Msg("deployment failed, tearing down")
		d.teardown(inst)
		_ = d.setStatus(siteID, models.DeploymentStopped, "")
		return nil, fmt.Errorf("%w: %w", smerrors.ErrDeploymentFailed, err)
	}

	url := "http://" + net.JoinHostPort(d.opts.PublicHost, strconv.Itoa(dep.Port))
	if err := d.setStatus(siteID, models.DeploymentRunning, url); err != nil {
		d.teardown(inst)
		return nil, fmt.Errorf("%w: %w", smerrors.ErrDeploymentFailed, err)
	}

	log.Info().Str("url", url).Msg("site deployed")
	return &DeployResult{Port: dep.Port, URL: url, ContainerName: dep.ContainerName}, nil
}

func (d *Deployer) start(ctx context.Context, inst Instance) error {
	if err := d.runtime.Start(ctx, inst); err != nil {
		return err
	}
	if err := d.firewall.Allow(inst.Port); err != nil {
		return err
	}
	readyURL := "http://" + net.JoinHostPort(readyHost(inst.BindIP), strconv.Itoa(inst.Port)) + "/"
	return d.checker.WaitReady(ctx, readyURL, d.opts.ReadyTimeout)
}

// teardown runs on a fresh context so a cancelled pipeline still cleans up.
func (d *Deployer) teardown(inst Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.runtime.Stop(ctx, inst.Name); err != nil {
		d.log.Error().Err(err).Str("container", inst.Name).Msg("failed to stop instance")
	}
	if err := d.firewall.Revoke(inst.Port); err != nil {
		d.log.Error().Err(err).Int("port", inst.Port).Msg("failed to revoke firewall rules")
	}
}

// Stop stops the site's instance and keeps its port allocation.
func (d *Deployer) Stop(ctx context.Context, siteID string) error {
	dep, err := d.Get(ctx, siteID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := d.runtime.Stop(ctx, dep.ContainerName); err != nil {
		return err
	}
	if err := d.firewall.Revoke(dep.Port); err != nil {
		d.log.Error().Err(err).Int("port", dep.Port).Msg("failed to revoke firewall rules")
	}
	return d.setStatus(siteID, models.DeploymentStopped, "")
}

// Release stops the site's instance and frees its port.
func (d *Deployer) Release(ctx context.Context, siteID string) error {
	if err := d.Stop(ctx, siteID); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Where("site_id = ?", siteID).Delete(&models.Deployment{}).Error
}

// Get returns the site's deployment record or gorm.ErrRecordNotFound.
func (d *Deployer) Get(ctx context.Context, siteID string) (*models.Deployment, error) {
	var dep models.Deployment
	if err := d.db.WithContext(ctx).Where("site_id = ?", siteID).First(&dep).Error; err != nil {
		return nil, err
	}
	return &dep, nil
}

// allocate returns the site's existing allocation or claims the lowest free
// port in range. The unique index on port settles races between sites.
func (d *Deployer) allocate(ctx context.Context, siteID string) (*models.Deployment, error) {
	dep, err := d.Get(ctx, siteID)
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		var used []int
		if err := d.db.WithContext(ctx).Model(&models.Deployment{}).Order("port").Pluck("port", &used).Error; err != nil {
			return nil, err
		}
		port := lowestFreePort(used, d.opts.PortRangeStart, d.opts.PortRangeEnd)
		if port == 0 {
			return nil, fmt.Errorf("%w in %d-%d", smerrors.ErrNoPortAvailable, d.opts.PortRangeStart, d.opts.PortRangeEnd)
		}

		dep := &models.Deployment{
			SiteID:        siteID,
			Port:          port,
			ContainerName: paths.ContainerName(siteID),
			Status:        models.DeploymentStopped,
		}
		err := d.db.WithContext(ctx).Create(dep).Error
		if err == nil {
			d.log.Info().Str("site_id", siteID).Int("port", port).Msg("port allocated")
			return dep, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: allocation contention", smerrors.ErrNoPortAvailable)
}

func (d *Deployer) setStatus(siteID string, status models.DeploymentStatus, url string) error {
	return d.db.Model(&models.Deployment{}).Where("site_id = ?", siteID).
		Updates(map[string]any{"status": status, "url": url}).Error
}

// lowestFreePort expects used sorted ascending.
func lowestFreePort(used []int, start, end int) int {
	next := start
	for _, p := range used {
		if p < next {
			continue
		}
		if p > next {
			break
		}
		next++
	}
	if next > end {
		return 0
	}
	return next
}

func readyHost(bindIP string) string {
	if bindIP == "" || bindIP == "0.0.0.0" || bindIP == "::" {
		return "127.0.0.1"
	}
	return bindIP
}
