package models

import (
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ActiveTaskStatuses are the statuses that hold a site busy.
func ActiveTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskPending, TaskInProgress}
}

// GenerationTask is one generation attempt for a site. Rows are never deleted.
type GenerationTask struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	CustomerID      string     `gorm:"not null;index" json:"customerId"`
	WizardSessionID string     `gorm:"not null;index" json:"wizardSessionId"`
	SiteID          *string    `gorm:"index" json:"siteId"`
	Status          TaskStatus `gorm:"not null;default:'pending';index" json:"status"`
	Progress        int        `gorm:"not null;default:0" json:"progress"`
	CurrentStep     string     `json:"currentStep"`
	Error           *string    `gorm:"type:text" json:"error"`
	DeploymentPort  *int       `json:"deploymentPort"`
	SiteURL         *string    `json:"siteUrl"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"-"`
}

func (GenerationTask) TableName() string {
	return "generation_tasks"
}

// TaskView is the read model polled by the wizard UI.
type TaskView struct {
	ID             string     `json:"id"`
	SiteID         string     `json:"siteId,omitempty"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"currentStep"`
	Error          *string    `json:"error"`
	SiteURL        *string    `json:"siteUrl"`
	DeploymentPort *int       `json:"deploymentPort"`
	StartedAt      *time.Time `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
}

func (t *GenerationTask) View() TaskView {
	v := TaskView{
		ID:             t.ID,
		Status:         t.Status,
		Progress:       t.Progress,
		CurrentStep:    t.CurrentStep,
		Error:          t.Error,
		SiteURL:        t.SiteURL,
		DeploymentPort: t.DeploymentPort,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
	if t.SiteID != nil {
		v.SiteID = *t.SiteID
	}
	return v
}
