package models

import "time"

// Member stores one account enrolled in a sync group. Credentials are
// encrypted by the vault before they reach this struct and are only
// decrypted on the way out of the repository.
type Member struct {
	ID                uint      `gorm:"primaryKey"`
	SyncGroupID       uint      `gorm:"index;not null"`
	UsernameEncrypted string    `gorm:"type:text;not null"`
	PasswordEncrypted string    `gorm:"type:text;not null"`
	ListURL           string    `gorm:"type:text;not null"`
	DisplayName       string    `gorm:"type:varchar(50)"`
	ListID            *string   `gorm:"type:varchar(20)"`
	IsMaster          bool      `gorm:"not null;default:false"`
	JoinedAt          time.Time `gorm:"not null"`
	IsActive          bool      `gorm:"not null;default:true"`
}

func (Member) TableName() string {
	return "sync_group_members"
}
