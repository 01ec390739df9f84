// Package errors defines the error taxonomy of the generation pipeline and the
// domain lifecycle. Every error can be checked with errors.Is.
//
// This package MUST NOT import any other internal package.
package errors

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrConfigurationMissing indicates no config snapshot exists for the site.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrInvalidConfig indicates the submitted config is not a JSON object.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTemplateNotFound indicates neither the base template nor its legacy
	// location exists.
	ErrTemplateNotFound = errors.New("Template not found") //nolint:staticcheck // user-facing prefix

	// ErrTemplateRender indicates placeholder substitution produced an invalid document.
	ErrTemplateRender = errors.New("template render failed")

	// ErrAssetCopy indicates a single asset could not be copied. It is
	// logged and skipped, never fatal.
	ErrAssetCopy = errors.New("asset copy failed")

	// ErrDependencyInstall indicates the dependency installation step failed.
	ErrDependencyInstall = errors.New("dependency install failed")

	// ErrBuildFailed indicates the production build step failed.
	ErrBuildFailed = errors.New("build failed")

	// ErrBuildVerification indicates the build produced no entry file.
	ErrBuildVerification = errors.New("build verification failed")

	// ErrToolchainMismatch indicates the installed toolchain does not satisfy
	// the template manifest.
	ErrToolchainMismatch = errors.New("toolchain version mismatch")

	// ErrDeploymentFailed indicates the runtime instance could not be started
	// or never became reachable.
	ErrDeploymentFailed = errors.New("deployment failed")

	// ErrNoPortAvailable indicates the configured port range is exhausted.
	ErrNoPortAvailable = errors.New("no port available")
)

// Domain lifecycle errors.
var (
	// ErrDomainConflict indicates the domain is already bound to another record.
	ErrDomainConflict = errors.New("domain already in use")

	// ErrDomainInvalid indicates the domain is not a valid hostname.
	ErrDomainInvalid = errors.New("invalid domain")

	// ErrDomainVerificationExpired indicates the verification token expired
	// before it was published.
	ErrDomainVerificationExpired = errors.New("domain verification expired")

	// ErrDomainNotVerified indicates the verification token is not published yet.
	ErrDomainNotVerified = errors.New("domain not verified")

	// ErrDomainNotFound indicates no domain record matches.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrSSLIssuance indicates certificate issuance failed.
	ErrSSLIssuance = errors.New("ssl issuance failed")

	// ErrProxyConfig indicates the reverse-proxy configuration was rejected.
	ErrProxyConfig = errors.New("reverse proxy configuration failed")
)

// Task errors.
var (
	// ErrTaskAlreadyTerminal guards against stale writers on a finished task.
	ErrTaskAlreadyTerminal = errors.New("task already terminal")

	// ErrTaskNotFound indicates no task matches the id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSiteBusy indicates another generation is active for the same site.
	ErrSiteBusy = errors.New("site has an active generation")

	// ErrInvalidSiteID indicates a site id that cannot be used as a path segment.
	ErrInvalidSiteID = errors.New("invalid site id")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrInvalidTransition indicates the record's current status does not
	// allow the requested operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidProgress indicates progress would move backwards or leave 0-100.
	ErrInvalidProgress = errors.New("invalid progress")
)

// Wrap adds context to errors at package boundaries.
// It returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context to errors at package boundaries.
// It returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
