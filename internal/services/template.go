package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/paths"
)

// Placeholder tokens replaced literally in the entry document.
const (
	tokenTitle       = "{{SITE_TITLE}}"
	tokenDescription = "{{SITE_DESCRIPTION}}"
	tokenURL         = "{{SITE_URL}}"
	tokenLogo        = "{{LOGO_URL}}"
	tokenFavicon     = "{{FAVICON_URL}}"
	tokenBuildTime   = "{{BUILD_TIME}}"
	tokenConfig      = "{{SITE_CONFIG}}"
)

const siteConfigScriptOpen = `<script id="site-config"`

// TemplateOptions locates the base template and describes its layout.
type TemplateOptions struct {
	TemplatesDir      string
	TemplateName      string
	LegacyTemplateDir string // empty disables the legacy fallback
	SitesRoot         string

	ConfigPath     string // config document location inside the template
	AssetsPath     string // assets directory inside the template
	EntryDocument  string
	BuildOutputDir string
	BaseDomain     string
}

// TemplateEngine instantiates the base template into a per-site working tree.
type TemplateEngine struct {
	opts       TemplateOptions
	templates  billy.Filesystem
	legacy     billy.Filesystem
	legacyPath string
	sites      billy.Filesystem
	store      *ConfigStore
	log        zerolog.Logger

	migrateMu sync.Mutex
}

func NewTemplateEngine(opts TemplateOptions, store *ConfigStore, log zerolog.Logger) *TemplateEngine {
	var legacy billy.Filesystem
	var legacyPath string
	if opts.LegacyTemplateDir != "" {
		abs, err := filepath.Abs(opts.LegacyTemplateDir)
		if err == nil {
			legacy = osfs.New(filepath.Dir(abs))
			legacyPath = filepath.Base(abs)
		}
	}
	return newTemplateEngine(opts, osfs.New(opts.TemplatesDir), legacy, legacyPath, osfs.New(opts.SitesRoot), store, log)
}

func newTemplateEngine(opts TemplateOptions, templates, legacy billy.Filesystem, legacyPath string, sites billy.Filesystem, store *ConfigStore, log zerolog.Logger) *TemplateEngine {
	if opts.EntryDocument == "" {
		opts.EntryDocument = "index.html"
	}
	return &TemplateEngine{
		opts:       opts,
		templates:  templates,
		legacy:     legacy,
		legacyPath: legacyPath,
		sites:      sites,
		store:      store,
		log:        log.With().Str("component", "template_engine").Logger(),
	}
}

// WorkingTreePath returns the absolute working tree location of a site.
func (e *TemplateEngine) WorkingTreePath(siteID string) string {
	return paths.Layout{SitesRoot: e.opts.SitesRoot}.WorkingTree(siteID)
}

// PrepareTemplate rebuilds the site's working tree from the base template and
// the site's config snapshot, and returns the working tree path.
func (e *TemplateEngine) PrepareTemplate(ctx context.Context, siteID string) (string, error) {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return "", err
	}
	if err := e.ensureTemplate(ctx); err != nil {
		return "", err
	}

	config, modTime, err := e.store.LoadConfig(siteID)
	if err != nil {
		return "", err
	}

	tree := paths.WorkingTreeRel(siteID)
	if err := util.RemoveAll(e.sites, tree); err != nil {
		return "", fmt.Errorf("failed to clear working tree: %w", err)
	}
	if err := copyTree(ctx, e.templates, e.opts.TemplateName, e.sites, tree, e.skipEntry); err != nil {
		return "", fmt.Errorf("failed to copy template: %w", err)
	}

	if err := e.sites.MkdirAll(path.Join(tree, path.Dir(e.opts.ConfigPath)), dirPerm); err != nil {
		return "", err
	}
	if err := util.WriteFile(e.sites, path.Join(tree, e.opts.ConfigPath), config, filePerm); err != nil {
		return "", fmt.Errorf("failed to write site config: %w", err)
	}

	assets, err := e.injectAssets(siteID, tree)
	if err != nil {
		return "", err
	}

	if err := e.renderEntry(siteID, tree, config, modTime, assets); err != nil {
		return "", err
	}

	e.log.Info().Str("site_id", siteID).Int("assets", len(assets)).Msg("working tree prepared")
	return e.WorkingTreePath(siteID), nil
}

// Remove deletes the site's working tree. A missing tree is not an error.
func (e *TemplateEngine) Remove(siteID string) error {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return err
	}
	return util.RemoveAll(e.sites, paths.WorkingTreeRel(siteID))
}

// ensureTemplate verifies the base template exists, migrating it once from
// the legacy location when it does not.
func (e *TemplateEngine) ensureTemplate(ctx context.Context) error {
	e.migrateMu.Lock()
	defer e.migrateMu.Unlock()

	if isDir(e.templates, e.opts.TemplateName) {
		return nil
	}
	if e.legacy == nil || !isDir(e.legacy, e.legacyPath) {
		return fmt.Errorf("%w: %s", smerrors.ErrTemplateNotFound, e.opts.TemplateName)
	}

	e.log.Warn().Str("template", e.opts.TemplateName).Str("legacy", e.opts.LegacyTemplateDir).Msg("migrating template from legacy location")

	staging := e.opts.TemplateName + ".migrating"
	if err := util.RemoveAll(e.templates, staging); err != nil {
		return err
	}
	if err := copyTree(ctx, e.legacy, e.legacyPath, e.templates, staging, e.skipEntry); err != nil {
		_ = util.RemoveAll(e.templates, staging)
		return fmt.Errorf("%w: legacy migration failed: %w", smerrors.ErrTemplateNotFound, err)
	}
	if err := e.templates.Rename(staging, e.opts.TemplateName); err != nil {
		return fmt.Errorf("failed to finalize template migration: %w", err)
	}
	return nil
}

func (e *TemplateEngine) skipEntry(rel string, dir bool) bool {
	if !dir {
		return false
	}
	switch rel {
	case ".git", "node_modules", e.opts.BuildOutputDir:
		return true
	}
	return false
}

// injectAssets copies the snapshot's assets into the template's assets
// directory and returns the names copied.
func (e *TemplateEngine) injectAssets(siteID, tree string) ([]string, error) {
	names, err := e.store.ListAssets(siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	if len(names) == 0 {
		e.log.Warn().Str("site_id", siteID).Msg("no assets in snapshot")
		return nil, nil
	}

	dst := path.Join(tree, e.opts.AssetsPath)
	if err := e.sites.MkdirAll(dst, dirPerm); err != nil {
		return nil, err
	}
	copied := make([]string, 0, len(names))
	for _, name := range names {
		if err := e.copyAsset(siteID, name, path.Join(dst, name)); err != nil {
			e.log.Warn().Err(err).Str("site_id", siteID).Str("asset", name).Msg("skipping asset")
			continue
		}
		copied = append(copied, name)
	}
	return copied, nil
}

func (e *TemplateEngine) copyAsset(siteID, name, dst string) error {
	src, err := e.store.OpenAsset(siteID, name)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := e.sites.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

type branding struct {
	Title       string
	Description string
	Logo        string
	Favicon     string
	URL         string
}

func (e *TemplateEngine) renderEntry(siteID, tree string, config []byte, modTime time.Time, assets []string) error {
	entry := path.Join(tree, e.opts.EntryDocument)
	doc, err := util.ReadFile(e.sites, entry)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Warn().Str("site_id", siteID).Str("entry", e.opts.EntryDocument).Msg("template has no entry document")
			return nil
		}
		return err
	}

	parsed, err := decodeConfig(config)
	if err != nil {
		return fmt.Errorf("%w: %w", smerrors.ErrTemplateRender, err)
	}
	// json.Marshal escapes <, > and & so the payload cannot close its script tag.
	payload, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("%w: %w", smerrors.ErrTemplateRender, err)
	}

	b := e.branding(siteID, parsed, assets)
	replacer := strings.NewReplacer(
		tokenTitle, html.EscapeString(b.Title),
		tokenDescription, html.EscapeString(b.Description),
		tokenURL, html.EscapeString(b.URL),
		tokenLogo, html.EscapeString(b.Logo),
		tokenFavicon, html.EscapeString(b.Favicon),
		tokenBuildTime, modTime.UTC().Format(time.RFC3339),
		tokenConfig, string(payload),
	)
	rendered := []byte(replacer.Replace(string(doc)))

	if err := verifyEmbeddedConfig(rendered); err != nil {
		return err
	}
	return util.WriteFile(e.sites, entry, rendered, filePerm)
}

func (e *TemplateEngine) branding(siteID string, doc map[string]any, assets []string) branding {
	section, _ := doc["branding"].(map[string]any)
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := section[k].(string); ok && v != "" {
				return v
			}
			if v, ok := doc[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	b := branding{
		Title:       pick("title", "businessName", "siteName"),
		Description: pick("description", "tagline"),
		Logo:        e.assetURL(pick("logo", "logoUrl"), assets),
		Favicon:     e.assetURL(pick("favicon", "faviconUrl"), assets),
		URL:         pick("siteUrl"),
	}
	if b.Title == "" {
		b.Title = siteID
	}
	if b.URL == "" {
		b.URL = "https://" + paths.Subdomain(siteID, e.opts.BaseDomain)
	}
	return b
}

// assetURL maps a configured reference to the public path of a copied asset,
// falling back to the reference itself when it is an absolute http(s) URL.
func (e *TemplateEngine) assetURL(ref string, assets []string) string {
	if ref == "" {
		return ""
	}
	name := sanitizeAssetName(path.Base(ref))
	for _, a := range assets {
		if a == name || strings.TrimSuffix(a, path.Ext(a)) == name {
			return "/" + path.Base(e.opts.AssetsPath) + "/" + a
		}
	}
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref
	}
	return ""
}

// verifyEmbeddedConfig re-parses the JSON literal inside the site-config
// script element, if the document has one.
func verifyEmbeddedConfig(doc []byte) error {
	start := bytes.Index(doc, []byte(siteConfigScriptOpen))
	if start < 0 {
		return nil
	}
	rest := doc[start:]
	open := bytes.IndexByte(rest, '>')
	if open < 0 {
		return fmt.Errorf("%w: unterminated site-config script", smerrors.ErrTemplateRender)
	}
	rest = rest[open+1:]
	end := bytes.Index(rest, []byte("</script>"))
	if end < 0 {
		return fmt.Errorf("%w: unterminated site-config script", smerrors.ErrTemplateRender)
	}
	body := bytes.TrimSpace(rest[:end])
	if !json.Valid(body) {
		return fmt.Errorf("%w: embedded site config is not valid JSON", smerrors.ErrTemplateRender)
	}
	return nil
}

// copyTree recursively copies srcRoot on src into dstRoot on dst, preserving
// permission bits. Symlinks are skipped and skip prunes entries by their path
// relative to srcRoot.
func copyTree(ctx context.Context, src billy.Filesystem, srcRoot string, dst billy.Filesystem, dstRoot string, skip func(rel string, dir bool) bool) error {
	return util.Walk(src, srcRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && skip != nil && skip(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		target := path.Join(dstRoot, rel)
		if info.IsDir() {
			return dst.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(src, p, dst, target, info.Mode().Perm())
	})
}

func copyFile(src billy.Filesystem, from string, dst billy.Filesystem, to string, perm os.FileMode) error {
	in, err := src.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := dst.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func isDir(fs billy.Filesystem, p string) bool {
	info, err := fs.Stat(p)
	return err == nil && info.IsDir()
}
