package models

import (
	"time"
)

type DomainType string

const (
	DomainSubdomain DomainType = "subdomain"
	DomainCustom    DomainType = "custom"
)

// DomainStatus is the bind state machine:
// pending -> active | failed, active -> expired, failed -> pending (retry).
type DomainStatus string

const (
	DomainPending DomainStatus = "pending"
	DomainActive  DomainStatus = "active"
	DomainFailed  DomainStatus = "failed"
	DomainExpired DomainStatus = "expired"
)

// SSLStatus is tracked independently of DomainStatus:
// pending -> issued -> expiring, pending|issued|expiring -> failed, failed -> issued (retry).
type SSLStatus string

const (
	SSLPending  SSLStatus = "pending"
	SSLIssued   SSLStatus = "issued"
	SSLFailed   SSLStatus = "failed"
	SSLExpiring SSLStatus = "expiring"
)

// SiteDomain binds one domain string to a wizard session's site.
type SiteDomain struct {
	ID                    uint         `gorm:"primaryKey" json:"id"`
	WizardSessionID       string       `gorm:"not null;index" json:"wizardSessionId"`
	SiteID                string       `gorm:"not null;index" json:"siteId"`
	Domain                string       `gorm:"not null;uniqueIndex" json:"domain"`
	DomainType            DomainType   `gorm:"not null" json:"domainType"`
	IsTemporary           bool         `gorm:"default:false" json:"isTemporary"`
	Status                DomainStatus `gorm:"not null;default:'pending';index" json:"status"`
	VerificationToken     *string      `json:"verificationToken"`
	VerificationExpiresAt *time.Time   `json:"verificationExpiresAt"`
	VerifiedAt            *time.Time   `json:"verifiedAt"`
	SSLStatus             SSLStatus    `gorm:"column:ssl_status;not null;default:'pending'" json:"sslStatus"`
	SSLExpiresAt          *time.Time   `gorm:"column:ssl_expires_at" json:"sslExpiresAt"`
	NginxConfigPath       *string      `json:"nginxConfigPath"`
	ContainerName         *string      `json:"containerName"`
	ErrorMessage          *string      `gorm:"type:text" json:"errorMessage"`
	RetryCount            int          `gorm:"not null;default:0" json:"retryCount"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

func (SiteDomain) TableName() string {
	return "site_domains"
}

// DomainView is the read model consumed by domain management and DNS jobs.
type DomainView struct {
	ID                    uint         `json:"id"`
	Domain                string       `json:"domain"`
	DomainType            DomainType   `json:"domainType"`
	Status                DomainStatus `json:"status"`
	SSLStatus             SSLStatus    `json:"sslStatus"`
	VerificationToken     *string      `json:"verificationToken"`
	VerificationExpiresAt *time.Time   `json:"verificationExpiresAt"`
	ErrorMessage          *string      `json:"errorMessage"`
	RetryCount            int          `json:"retryCount"`
}

func (d *SiteDomain) View() DomainView {
	return DomainView{
		ID:                    d.ID,
		Domain:                d.Domain,
		DomainType:            d.DomainType,
		Status:                d.Status,
		SSLStatus:             d.SSLStatus,
		VerificationToken:     d.VerificationToken,
		VerificationExpiresAt: d.VerificationExpiresAt,
		ErrorMessage:          d.ErrorMessage,
		RetryCount:            d.RetryCount,
	}
}
