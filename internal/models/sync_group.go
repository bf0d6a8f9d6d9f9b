package models

import "time"

type SyncMode string

const (
	SyncModeMasterReplica SyncMode = "master_replica"
	SyncModeCollaborative SyncMode = "collaborative"
)

func (m SyncMode) Valid() bool {
	return m == SyncModeMasterReplica || m == SyncModeCollaborative
}

type SyncGroup struct {
	ID             uint       `gorm:"primaryKey"`
	SyncCode       string     `gorm:"type:varchar(10);uniqueIndex;not null"`
	GroupName      string     `gorm:"type:varchar(100);not null"`
	SyncMode       SyncMode   `gorm:"type:varchar(20);not null"`
	MasterMemberID *uint      `gorm:"default:null"`
	CreatedAt      time.Time  `gorm:"not null"`
	LastSync       *time.Time `gorm:"default:null"`
	IsActive       bool       `gorm:"not null;default:true"`
}

func (SyncGroup) TableName() string {
	return "sync_groups"
}
