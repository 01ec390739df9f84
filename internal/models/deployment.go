package models

import "time"

type DeploymentStatus string

const (
	DeploymentRunning DeploymentStatus = "running"
	DeploymentStopped DeploymentStatus = "stopped"
)

// Deployment is the stable port allocation and runtime instance of a site.
type Deployment struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	SiteID        string           `gorm:"not null;uniqueIndex" json:"siteId"`
	Port          int              `gorm:"not null;uniqueIndex" json:"port"`
	ContainerName string           `gorm:"not null" json:"containerName"`
	URL           string           `json:"url"`
	Status        DeploymentStatus `gorm:"not null;default:'stopped'" json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

func (Deployment) TableName() string {
	return "deployments"
}
