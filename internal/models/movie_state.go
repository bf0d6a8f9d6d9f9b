package models

import "time"

// MovieState is the last reconciled view of one film on one member's list,
// not necessarily the live remote state.
type MovieState struct {
	ID        uint      `gorm:"primaryKey"`
	MemberID  uint      `gorm:"uniqueIndex:idx_member_film;not null"`
	FilmID    string    `gorm:"type:varchar(20);uniqueIndex:idx_member_film;not null"`
	AddedAt   time.Time `gorm:"not null"`
	IsPresent bool      `gorm:"not null;default:true"`
}

func (MovieState) TableName() string {
	return "user_movie_states"
}
