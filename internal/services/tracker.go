package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"sitesmith/internal/clock"
	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/models"
)

// Tracker records generation task state. Every write is a conditional UPDATE
// on a non-terminal row so a stale writer can never resurrect a finished task.
type Tracker struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
}

func NewTracker(db *gorm.DB, clk clock.Clock, log zerolog.Logger) *Tracker {
	return &Tracker{
		db:    db,
		clock: clk,
		log:   log.With().Str("component", "tracker").Logger(),
	}
}

// CreateTask inserts a pending task at progress 0.
func (t *Tracker) CreateTask(ctx context.Context, customerID, sessionID, siteID string) (*models.GenerationTask, error) {
	if customerID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: customer and session ids are required", smerrors.ErrEmptyValue)
	}
	task := &models.GenerationTask{
		ID:              uuid.NewString(),
		CustomerID:      customerID,
		WizardSessionID: sessionID,
		Status:          models.TaskPending,
	}
	if siteID != "" {
		task.SiteID = &siteID
	}
	if err := t.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, smerrors.Wrap(err, "create task")
	}
	t.log.Info().Str("task_id", task.ID).Str("site_id", siteID).Msg("task created")
	return task, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (*models.GenerationTask, error) {
	var task models.GenerationTask
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", smerrors.ErrTaskNotFound, id)
		}
		return nil, err
	}
	return &task, nil
}

// Advance records the current step. Progress never decreases; the first call
// moves the task to in_progress and stamps started_at.
func (t *Tracker) Advance(ctx context.Context, id, step string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: %d", smerrors.ErrInvalidProgress, progress)
	}
	now := t.clock.Now()
	res := t.db.WithContext(ctx).Model(&models.GenerationTask{}).
		Where("id = ? AND status IN ? AND progress <= ?", id, models.ActiveTaskStatuses(), progress).
		Updates(map[string]any{
			"status":       models.TaskInProgress,
			"current_step": step,
			"progress":     progress,
			"started_at":   gorm.Expr("COALESCE(started_at, ?)", now),
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return t.explainRejected(ctx, id, progress)
	}
	t.log.Debug().Str("task_id", id).Str("step", step).Int("progress", progress).Msg("task advanced")
	return nil
}

// Complete finishes the task with the public site URL and deployment port.
func (t *Tracker) Complete(ctx context.Context, id, siteURL string, port int) error {
	now := t.clock.Now()
	return t.finish(ctx, id, map[string]any{
		"status":          models.TaskCompleted,
		"progress":        100,
		"site_url":        siteURL,
		"deployment_port": port,
		"error":           nil,
		"completed_at":    now,
		"updated_at":      now,
	})
}

// Fail finishes the task with a user-visible error. Any URL or port recorded
// earlier is cleared since nothing is served for a failed attempt.
func (t *Tracker) Fail(ctx context.Context, id, message string) error {
	now := t.clock.Now()
	return t.finish(ctx, id, map[string]any{
		"status":          models.TaskFailed,
		"error":           message,
		"site_url":        nil,
		"deployment_port": nil,
		"completed_at":    now,
		"updated_at":      now,
	})
}

// Cancel marks a caller-aborted task. Only failed tasks carry an error.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	now := t.clock.Now()
	return t.finish(ctx, id, map[string]any{
		"status":          models.TaskCancelled,
		"error":           nil,
		"site_url":        nil,
		"deployment_port": nil,
		"completed_at":    now,
		"updated_at":      now,
	})
}

func (t *Tracker) finish(ctx context.Context, id string, fields map[string]any) error {
	res := t.db.WithContext(ctx).Model(&models.GenerationTask{}).
		Where("id = ? AND status IN ?", id, models.ActiveTaskStatuses()).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return t.explainRejected(ctx, id, -1)
	}
	t.log.Info().Str("task_id", id).Interface("status", fields["status"]).Msg("task finished")
	return nil
}

func (t *Tracker) explainRejected(ctx context.Context, id string, progress int) error {
	task, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", smerrors.ErrTaskAlreadyTerminal, id, task.Status)
	}
	return fmt.Errorf("%w: %d is below current %d", smerrors.ErrInvalidProgress, progress, task.Progress)
}

// ListBySite returns the site's task history, newest first.
func (t *Tracker) ListBySite(ctx context.Context, siteID string) ([]models.GenerationTask, error) {
	var tasks []models.GenerationTask
	err := t.db.WithContext(ctx).Where("site_id = ?", siteID).Order("created_at DESC").Order("id").Find(&tasks).Error
	return tasks, err
}

// ActiveForSite returns the site's pending or in_progress task, or nil.
func (t *Tracker) ActiveForSite(ctx context.Context, siteID string) (*models.GenerationTask, error) {
	var task models.GenerationTask
	err := t.db.WithContext(ctx).
		Where("site_id = ? AND status IN ?", siteID, models.ActiveTaskStatuses()).
		Order("created_at").First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListByStatus returns tasks in any of the given statuses, oldest first.
func (t *Tracker) ListByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]models.GenerationTask, error) {
	var tasks []models.GenerationTask
	err := t.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at").Find(&tasks).Error
	return tasks, err
}
