package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionApply   = "apply"
	ActionDestroy = "destroy"

	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Deployment records one apply or destroy run of a stack.
type Deployment struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Stack       string         `gorm:"type:varchar(128);index;not null" json:"stack" validate:"required"`
	Action      string         `gorm:"type:varchar(16);not null" json:"action" validate:"required,oneof=apply destroy"`
	Status      string         `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=pending running completed failed"`
	ImageTag    string         `gorm:"type:varchar(64)" json:"image_tag,omitempty"`
	Digest      string         `gorm:"type:varchar(64)" json:"dockerfile_digest,omitempty"`
	Outputs     datatypes.JSON `gorm:"type:jsonb" json:"outputs,omitempty"`
	Logs        string         `gorm:"type:text" json:"logs,omitempty"`
	Error       string         `gorm:"type:text" json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Active reports whether the run has not finished yet.
func (d *Deployment) Active() bool {
	return d.Status == StatusPending || d.Status == StatusRunning
}
