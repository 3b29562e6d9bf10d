package models

import (
	"time"

	"gorm.io/datatypes"
)

// StackState holds the engine state of one stack and its run lock.
type StackState struct {
	Stack         string         `gorm:"type:varchar(128);primaryKey" json:"stack"`
	EngineState   []byte         `gorm:"type:bytea" json:"-"`
	AppliedDigest string         `gorm:"type:varchar(64)" json:"applied_digest"`
	Outputs       datatypes.JSON `gorm:"type:jsonb" json:"outputs,omitempty"`
	LockedBy      string         `gorm:"type:varchar(128);not null;default:''" json:"locked_by,omitempty"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
