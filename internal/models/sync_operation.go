package models

import "time"

type OperationType string

const (
	OperationAddMovie    OperationType = "add_movie"
	OperationRemoveMovie OperationType = "remove_movie"
)

// SyncOperation is one row of the append-only operation ledger. Rows are
// inserted once and never updated or deleted by the application.
type SyncOperation struct {
	ID             uint          `gorm:"primaryKey"`
	SyncGroupID    uint          `gorm:"index;not null"`
	OperationType  OperationType `gorm:"type:varchar(20);not null"`
	FilmID         string        `gorm:"type:varchar(20);not null"`
	SourceMemberID *uint         `gorm:"default:null"`
	TargetMemberID *uint         `gorm:"default:null"`
	Timestamp      time.Time     `gorm:"index;not null"`
	Success        bool          `gorm:"not null;default:true"`
	ErrorMessage   *string       `gorm:"type:text"`
}

func (SyncOperation) TableName() string {
	return "sync_operations"
}
