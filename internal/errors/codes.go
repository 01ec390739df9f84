package errors

import "errors"

// ErrorCode is the stable, machine-readable name of an error class.
type ErrorCode string

const (
	CodeConfigurationMissing ErrorCode = "CONFIGURATION_MISSING"
	CodeTemplateNotFound     ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeTemplateRender       ErrorCode = "TEMPLATE_RENDER_FAILED"
	CodeDependencyInstall    ErrorCode = "DEPENDENCY_INSTALL_FAILED"
	CodeBuildFailed          ErrorCode = "BUILD_FAILED"
	CodeBuildVerification    ErrorCode = "BUILD_VERIFICATION_FAILED"
	CodeToolchainMismatch    ErrorCode = "TOOLCHAIN_MISMATCH"
	CodeDeploymentFailed     ErrorCode = "DEPLOYMENT_FAILED"
	CodeNoPortAvailable      ErrorCode = "NO_PORT_AVAILABLE"
	CodeDomainConflict       ErrorCode = "DOMAIN_CONFLICT"
	CodeDomainInvalid        ErrorCode = "DOMAIN_INVALID"
	CodeVerificationExpired  ErrorCode = "DOMAIN_VERIFICATION_EXPIRED"
	CodeDomainNotVerified    ErrorCode = "DOMAIN_NOT_VERIFIED"
	CodeDomainNotFound       ErrorCode = "DOMAIN_NOT_FOUND"
	CodeSSLIssuance          ErrorCode = "SSL_ISSUANCE_FAILED"
	CodeProxyConfig          ErrorCode = "PROXY_CONFIG_FAILED"
	CodeTaskAlreadyTerminal  ErrorCode = "TASK_ALREADY_TERMINAL"
	CodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	CodeSiteBusy             ErrorCode = "SITE_BUSY"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeInternal             ErrorCode = "INTERNAL_ERROR"
)

//nolint:gochecknoglobals // read-only lookup table
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrConfigurationMissing, CodeConfigurationMissing},
	{ErrTemplateNotFound, CodeTemplateNotFound},
	{ErrTemplateRender, CodeTemplateRender},
	{ErrDependencyInstall, CodeDependencyInstall},
	{ErrBuildVerification, CodeBuildVerification},
	{ErrBuildFailed, CodeBuildFailed},
	{ErrToolchainMismatch, CodeToolchainMismatch},
	{ErrNoPortAvailable, CodeNoPortAvailable},
	{ErrDeploymentFailed, CodeDeploymentFailed},
	{ErrDomainConflict, CodeDomainConflict},
	{ErrDomainInvalid, CodeDomainInvalid},
	{ErrDomainVerificationExpired, CodeVerificationExpired},
	{ErrDomainNotVerified, CodeDomainNotVerified},
	{ErrDomainNotFound, CodeDomainNotFound},
	{ErrSSLIssuance, CodeSSLIssuance},
	{ErrProxyConfig, CodeProxyConfig},
	{ErrTaskAlreadyTerminal, CodeTaskAlreadyTerminal},
	{ErrTaskNotFound, CodeTaskNotFound},
	{ErrSiteBusy, CodeSiteBusy},
	{ErrInvalidSiteID, CodeInvalidInput},
	{ErrInvalidConfig, CodeInvalidInput},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrEmptyValue, CodeInvalidInput},
	{ErrInvalidProgress, CodeInvalidInput},
}

// Code returns the stable code of the first taxonomy error found in err's chain.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
