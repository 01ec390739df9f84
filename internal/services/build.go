package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/executor"
)

// stderrTail bounds how much process output is copied into a task error.
const stderrTail = 2048

// BuildOptions configures the install and build commands.
type BuildOptions struct {
	InstallCommand     string
	BuildCommand       string
	InstallTimeout     time.Duration
	BuildTimeout       time.Duration
	InstallOutputLimit int
	BuildOutputLimit   int
	OutputDir          string
	EntryFile          string
	NodeBinary         string
}

// BuildRequest identifies one build of a working tree.
type BuildRequest struct {
	Dir       string
	SiteID    string
	BuildTime time.Time // pinned into SOURCE_DATE_EPOCH
}

// BuildRunner installs dependencies, runs the production build and verifies
// the output. It never retries.
type BuildRunner struct {
	exec executor.Executor
	opts BuildOptions
	log  zerolog.Logger
}

func NewBuildRunner(exec executor.Executor, opts BuildOptions, log zerolog.Logger) *BuildRunner {
	if opts.NodeBinary == "" {
		opts.NodeBinary = "node"
	}
	return &BuildRunner{
		exec: exec,
		opts: opts,
		log:  log.With().Str("component", "build_runner").Logger(),
	}
}

// OutputPath is the build output directory inside a working tree.
func (b *BuildRunner) OutputPath(dir string) string {
	return filepath.Join(dir, b.opts.OutputDir)
}

func (b *BuildRunner) Build(ctx context.Context, req BuildRequest) error {
	tree := osfs.New(req.Dir)
	log := b.log.With().Str("site_id", req.SiteID).Logger()

	if err := b.checkToolchain(ctx, req.Dir); err != nil {
		return err
	}
	if err := util.RemoveAll(tree, b.opts.OutputDir); err != nil {
		return fmt.Errorf("failed to remove stale build output: %w", err)
	}

	install, err := b.command(b.opts.InstallCommand, req.Dir, b.opts.InstallTimeout, b.opts.InstallOutputLimit, map[string]string{
		"CI":                         "true",
		"TZ":                         "UTC",
		"NPM_CONFIG_UPDATE_NOTIFIER": "false",
	})
	if err != nil {
		return fmt.Errorf("%w: %w", smerrors.ErrDependencyInstall, err)
	}
	if err := b.run(ctx, log, "install", install, smerrors.ErrDependencyInstall); err != nil {
		return err
	}

	epoch := req.BuildTime
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}
	build, err := b.command(b.opts.BuildCommand, req.Dir, b.opts.BuildTimeout, b.opts.BuildOutputLimit, map[string]string{
		"NODE_ENV":          "production",
		"CI":                "true",
		"TZ":                "UTC",
		"LANG":              "C.UTF-8",
		"SOURCE_DATE_EPOCH": strconv.FormatInt(epoch.Unix(), 10),
		"SITE_ID":           req.SiteID,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", smerrors.ErrBuildFailed, err)
	}
	if err := b.run(ctx, log, "build", build, smerrors.ErrBuildFailed); err != nil {
		return err
	}

	entry := b.opts.OutputDir + "/" + b.opts.EntryFile
	info, err := tree.Stat(entry)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%w: %s missing or empty", smerrors.ErrBuildVerification, entry)
	}

	log.Info().Str("output", b.OutputPath(req.Dir)).Msg("build verified")
	return nil
}

func (b *BuildRunner) command(line, dir string, timeout time.Duration, limit int, env map[string]string) (executor.Command, error) {
	name, args, err := executor.Split(line)
	if err != nil {
		return executor.Command{}, err
	}
	return executor.Command{
		Name:        name,
		Args:        args,
		Dir:         dir,
		Env:         env,
		Timeout:     timeout,
		OutputLimit: limit,
	}, nil
}

func (b *BuildRunner) run(ctx context.Context, log zerolog.Logger, step string, cmd executor.Command, kind error) error {
	log.Info().Str("step", step).Str("command", cmd.String()).Msg("running")

	res, err := b.exec.Run(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("step", step).Msg("step failed")
		return stepError(kind, res, err)
	}

	// Lint and deprecation warnings land on stderr of a successful run.
	if strings.TrimSpace(res.Stderr) != "" {
		log.Warn().Str("step", step).Str("stderr", tail(res.Stderr, stderrTail)).Msg("step emitted warnings")
	}
	if res.Truncated {
		log.Warn().Str("step", step).Msg("step output truncated")
	}
	log.Info().Str("step", step).Dur("duration", res.Duration).Msg("step finished")
	return nil
}

// checkToolchain compares the installed node version with the template's
// engines.node constraint, when the manifest declares one.
func (b *BuildRunner) checkToolchain(ctx context.Context, dir string) error {
	data, err := util.ReadFile(osfs.New(dir), "package.json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var manifest struct {
		Engines struct {
			Node string `json:"node"`
		} `json:"engines"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("%w: invalid package.json: %w", smerrors.ErrBuildFailed, err)
	}
	if manifest.Engines.Node == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(manifest.Engines.Node)
	if err != nil {
		b.log.Warn().Err(err).Str("constraint", manifest.Engines.Node).Msg("unparseable engines.node constraint")
		return nil
	}

	res, err := b.exec.Run(ctx, executor.Command{Name: b.opts.NodeBinary, Args: []string{"--version"}, Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: %s --version: %w", smerrors.ErrToolchainMismatch, b.opts.NodeBinary, err)
	}
	version, err := semver.NewVersion(strings.TrimSpace(res.Stdout))
	if err != nil {
		b.log.Warn().Str("output", res.Stdout).Msg("cannot parse node version, skipping toolchain check")
		return nil
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: node %s does not satisfy %q", smerrors.ErrToolchainMismatch, version, manifest.Engines.Node)
	}
	return nil
}

func stepError(kind error, res *executor.Result, err error) error {
	if errors.Is(err, executor.ErrTimeout) || errors.Is(err, context.Canceled) || res == nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	out := res.Stderr
	if strings.TrimSpace(out) == "" {
		out = res.Stdout
	}
	out = strings.TrimSpace(tail(out, stderrTail))
	if out == "" {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return fmt.Errorf("%w: %w\n%s", kind, err, out)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
