package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncState records the outcome of the most recent reconciliation pass for a
// group, for the health endpoint and for diagnostics.
type SyncState struct {
	SyncGroupID   uint           `gorm:"primaryKey"`
	LastAttemptAt *time.Time     `gorm:"default:null"`
	LastSuccessAt *time.Time     `gorm:"default:null"`
	LastError     *string        `gorm:"type:text"`
	StatsJSON     datatypes.JSON `gorm:"type:json"`
}

func (SyncState) TableName() string {
	return "sync_state"
}
