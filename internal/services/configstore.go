package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/paths"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// allowedAssetTypes are the media families accepted into a snapshot. Detected
// types are matched against this list including their mimetype parents.
//
//nolint:gochecknoglobals // read-only lookup table
var allowedAssetTypes = []string{"image/", "font/", "video/", "audio/", "text/css", "application/pdf", "application/font-woff", "application/vnd.ms-fontobject"}

// ConfigStore persists per-site config snapshots: one JSON document plus an
// assets directory, keyed by site id. Snapshots survive pipeline failures.
type ConfigStore struct {
	layout   paths.Layout
	fs       billy.Filesystem
	uploads  billy.Filesystem // nil disables local asset sources
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger
}

// ConfigStoreOptions tunes asset fetching. Local asset sources are resolved
// inside UploadRoot; when it is empty only http(s) URLs are accepted.
type ConfigStoreOptions struct {
	UploadRoot    string
	AssetTimeout  time.Duration
	AssetMaxBytes int64
	HTTPClient    *http.Client
}

func NewConfigStore(root string, opts ConfigStoreOptions, log zerolog.Logger) *ConfigStore {
	return newConfigStore(root, osfs.New(root), opts, log)
}

func newConfigStore(root string, fs billy.Filesystem, opts ConfigStoreOptions, log zerolog.Logger) *ConfigStore {
	if opts.AssetTimeout <= 0 {
		opts.AssetTimeout = 30 * time.Second
	}
	if opts.AssetMaxBytes <= 0 {
		opts.AssetMaxBytes = 20 << 20
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var uploads billy.Filesystem
	if opts.UploadRoot != "" {
		uploads = osfs.New(opts.UploadRoot, osfs.WithBoundOS())
	}
	return &ConfigStore{
		layout:   paths.Layout{ConfigRoot: root},
		fs:       fs,
		uploads:  uploads,
		client:   client,
		timeout:  opts.AssetTimeout,
		maxBytes: opts.AssetMaxBytes,
		log:      log.With().Str("component", "config_store").Logger(),
	}
}

// SaveConfig writes the site's config document and returns its path. The
// document is normalized (sorted keys, indented) and only rewritten when its
// bytes change, so an unchanged config keeps its modification time.
func (s *ConfigStore) SaveConfig(siteID string, config json.RawMessage) (string, error) {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return "", err
	}
	normalized, err := normalizeConfig(config)
	if err != nil {
		return "", err
	}

	rel := paths.ConfigRel(siteID)
	if existing, err := util.ReadFile(s.fs, rel); err == nil && bytes.Equal(existing, normalized) {
		s.log.Debug().Str("site_id", siteID).Msg("config unchanged")
		return s.layout.ConfigFile(siteID), nil
	}

	if err := s.fs.MkdirAll(paths.SnapshotRel(siteID), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := util.WriteFile(s.fs, rel, normalized, filePerm); err != nil {
		return "", fmt.Errorf("failed to write config for %s: %w", siteID, err)
	}

	s.log.Info().Str("site_id", siteID).Int("bytes", len(normalized)).Msg("config saved")
	return s.layout.ConfigFile(siteID), nil
}

// LoadConfig returns the config document and the time it was last changed.
func (s *ConfigStore) LoadConfig(siteID string) ([]byte, time.Time, error) {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return nil, time.Time{}, err
	}
	rel := paths.ConfigRel(siteID)
	info, err := s.fs.Stat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, fmt.Errorf("%w for site %s", smerrors.ErrConfigurationMissing, siteID)
		}
		return nil, time.Time{}, err
	}
	data, err := util.ReadFile(s.fs, rel)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read config for %s: %w", siteID, err)
	}
	return data, info.ModTime().UTC(), nil
}

// ConfigExists reports whether a snapshot document exists for the site.
func (s *ConfigStore) ConfigExists(siteID string) bool {
	if paths.ValidateSiteID(siteID) != nil {
		return false
	}
	_, err := s.fs.Stat(paths.ConfigRel(siteID))
	return err == nil
}

// CopyAssets fetches each URL into the snapshot's assets directory and
// returns the stored filenames. Failures are logged and skipped.
func (s *ConfigStore) CopyAssets(ctx context.Context, siteID string, urls []string) []string {
	if paths.ValidateSiteID(siteID) != nil {
		return nil
	}
	copied := make([]string, 0, len(urls))
	for _, raw := range urls {
		if ctx.Err() != nil {
			s.log.Warn().Str("site_id", siteID).Msg("asset copy interrupted")
			break
		}
		name, err := s.copyAsset(ctx, siteID, raw)
		if err != nil {
			s.log.Warn().Err(err).Str("site_id", siteID).Str("asset", raw).Msg("skipping asset")
			continue
		}
		copied = append(copied, name)
	}
	return copied
}

// PruneAssets removes stored assets whose names are not in keep, so a
// resubmitted asset list replaces the previous one.
func (s *ConfigStore) PruneAssets(siteID string, keep []string) error {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return err
	}
	names, err := s.ListAssets(siteID)
	if err != nil {
		return err
	}
	wanted := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		wanted[k] = struct{}{}
	}
	var errs []error
	removed := 0
	for _, name := range names {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := s.fs.Remove(path.Join(paths.AssetsRel(siteID), name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Str("site_id", siteID).Str("dir", s.layout.AssetsDir(siteID)).Int("removed", removed).Msg("stale assets pruned")
	}
	return errors.Join(errs...)
}

// ListAssets returns the snapshot's asset filenames in sorted order. A
// missing directory yields an empty list.
func (s *ConfigStore) ListAssets(siteID string) ([]string, error) {
	entries, err := s.fs.ReadDir(paths.AssetsRel(siteID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// OpenAsset opens a stored asset for reading.
func (s *ConfigStore) OpenAsset(siteID, name string) (billy.File, error) {
	return s.fs.Open(path.Join(paths.AssetsRel(siteID), name))
}

// DeleteConfig removes the whole snapshot. Errors are logged, never returned.
func (s *ConfigStore) DeleteConfig(siteID string) {
	if paths.ValidateSiteID(siteID) != nil {
		return
	}
	if err := util.RemoveAll(s.fs, paths.SnapshotRel(siteID)); err != nil {
		s.log.Error().Err(err).Str("site_id", siteID).Msg("failed to delete config snapshot")
		return
	}
	s.log.Info().Str("site_id", siteID).Msg("config snapshot deleted")
}

func (s *ConfigStore) copyAsset(ctx context.Context, siteID, raw string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, name, err := s.fetch(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", smerrors.ErrAssetCopy, err)
	}

	mt := mimetype.Detect(data)
	if !assetTypeAllowed(mt) {
		return "", fmt.Errorf("%w: unsupported content type %s", smerrors.ErrAssetCopy, mt.String())
	}
	name = sanitizeAssetName(name)
	if name == "" {
		name = "asset"
	}
	if filepath.Ext(name) == "" {
		name += mt.Extension()
	}

	if err := s.fs.MkdirAll(paths.AssetsRel(siteID), dirPerm); err != nil {
		return "", fmt.Errorf("%w: %w", smerrors.ErrAssetCopy, err)
	}
	if err := util.WriteFile(s.fs, path.Join(paths.AssetsRel(siteID), name), data, filePerm); err != nil {
		return "", fmt.Errorf("%w: %w", smerrors.ErrAssetCopy, err)
	}
	return name, nil
}

func (s *ConfigStore) fetch(ctx context.Context, raw string) ([]byte, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", err
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		data, err := readLimited(resp.Body, s.maxBytes)
		return data, path.Base(u.Path), err
	case "file", "":
		p, err := s.uploadPath(u)
		if err != nil {
			return nil, "", err
		}
		f, err := s.uploads.Open(p)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := readLimited(f, s.maxBytes)
		return data, path.Base(p), err
	default:
		return nil, "", fmt.Errorf("unsupported asset scheme %q", u.Scheme)
	}
}

// uploadPath maps a local asset reference to a path inside the upload root.
// file:///logo.png and logo.png both name <UploadRoot>/logo.png.
func (s *ConfigStore) uploadPath(u *url.URL) (string, error) {
	if s.uploads == nil {
		return "", errors.New("local asset sources are disabled")
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file host %q not allowed", u.Host)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("local asset path %q escapes the upload root", p)
		}
	}
	p = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
	if p == "" {
		return "", errors.New("local asset path is empty")
	}
	return p, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("asset exceeds %d bytes", max)
	}
	if len(data) == 0 {
		return nil, errors.New("asset is empty")
	}
	return data, nil
}

func normalizeConfig(config json.RawMessage) ([]byte, error) {
	doc, err := decodeConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", smerrors.ErrInvalidConfig, err)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// decodeConfig parses a config document as a JSON object. Numbers are kept
// as json.Number so values beyond float64 precision survive re-encoding.
func decodeConfig(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, errors.New("config is null")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("config has trailing data")
	}
	return doc, nil
}

func assetTypeAllowed(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, prefix := range allowedAssetTypes {
			if strings.HasPrefix(m.String(), prefix) {
				return true
			}
		}
	}
	return false
}

func sanitizeAssetName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
