// Package paths derives every per-site filesystem location from a site id.
// The durable config snapshot root and the ephemeral working tree root are
// kept apart so a working tree can be deleted without touching the snapshot.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	smerrors "sitesmith/internal/errors"
)

// File and directory names inside a snapshot.
const (
	ConfigFileName = "config.json"
	AssetsDirName  = "assets"
)

// A site id is also the leftmost label of its subdomain, so it must start and
// end with an alphanumeric.
var siteIDPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSiteID rejects ids that are unsafe as a single path segment or DNS label.
func ValidateSiteID(siteID string) error {
	if !siteIDPattern.MatchString(siteID) {
		return fmt.Errorf("%w: %q", smerrors.ErrInvalidSiteID, siteID)
	}
	return nil
}

// Layout holds the two storage roots.
type Layout struct {
	ConfigRoot string // durable
	SitesRoot  string // ephemeral
}

// SnapshotDir is the per-site config snapshot directory.
func (l Layout) SnapshotDir(siteID string) string {
	return filepath.Join(l.ConfigRoot, siteID)
}

// ConfigFile is the snapshot's config document.
func (l Layout) ConfigFile(siteID string) string {
	return filepath.Join(l.SnapshotDir(siteID), ConfigFileName)
}

// AssetsDir is the snapshot's asset directory.
func (l Layout) AssetsDir(siteID string) string {
	return filepath.Join(l.SnapshotDir(siteID), AssetsDirName)
}

// WorkingTree is the per-site instantiated template directory.
func (l Layout) WorkingTree(siteID string) string {
	return filepath.Join(l.SitesRoot, siteID)
}

// Relative forms, used against filesystems rooted at ConfigRoot or SitesRoot.

func SnapshotRel(siteID string) string { return siteID }

func ConfigRel(siteID string) string { return filepath.Join(siteID, ConfigFileName) }

func AssetsRel(siteID string) string { return filepath.Join(siteID, AssetsDirName) }

func WorkingTreeRel(siteID string) string { return siteID }

// ContainerName is the runtime instance name of a site.
func ContainerName(siteID string) string {
	return "site-" + siteID
}

// Subdomain is the deterministic temporary domain of a site.
func Subdomain(siteID, baseDomain string) string {
	return siteID + "." + baseDomain
}

// DefaultSiteID derives the site id of a wizard session that did not name one.
// A session id without any alphanumerics yields "site-", which fails validation.
func DefaultSiteID(wizardSessionID string) string {
	var b strings.Builder
	b.WriteString("site-")
	for _, r := range strings.ToLower(wizardSessionID) {
		if b.Len() == len("site-")+12 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
