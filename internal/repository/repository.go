package repository

import (
	"context"
	"errors"

	"listsync/internal/models"
)

// ErrNotFound is returned when a lookup targets a group, member, or sync code
// that does not exist or is no longer active.
var ErrNotFound = errors.New("repository: not found")

// GroupMember is a member row with its credentials already decrypted.
// Instances must never be persisted or logged.
type GroupMember struct {
	ID          uint
	SyncGroupID uint
	Username    string
	Password    string
	ListURL     string
	DisplayName string
	ListID      *string
	IsMaster    bool
	IsActive    bool
}

// NewMember carries the plaintext enrollment data for one account; the store
// encrypts credentials before they touch the database.
type NewMember struct {
	Username    string
	Password    string
	ListURL     string
	DisplayName string
	IsMaster    bool
}

// OperationEntry is one audit-log row for an attempted remote mutation.
type OperationEntry struct {
	GroupID        uint
	Type           models.OperationType
	FilmID         string
	SourceMemberID *uint
	TargetMemberID *uint
	Success        bool
	ErrorMessage   *string
}

type Store interface {
	// Groups.
	CreateGroup(ctx context.Context, name string, mode models.SyncMode, founder *NewMember) (groupID uint, syncCode string, err error)
	GetGroupByID(ctx context.Context, id uint) (*models.SyncGroup, error)
	GetGroupBySyncCode(ctx context.Context, syncCode string) (*models.SyncGroup, error)
	ListActiveGroups(ctx context.Context) ([]models.SyncGroup, error)
	DeactivateGroup(ctx context.Context, id uint) error
	TouchLastSync(ctx context.Context, id uint) error
	SyncCodeExists(ctx context.Context, syncCode string) (bool, error)

	// Membership.
	AddMember(ctx context.Context, groupID uint, member NewMember) (memberID uint, err error)
	JoinGroup(ctx context.Context, syncCode string, member NewMember) (memberID uint, err error)
	GetActiveMembers(ctx context.Context, groupID uint) ([]GroupMember, error)
	UpdateMemberListID(ctx context.Context, memberID uint, listID string) error
	GroupsForUsername(ctx context.Context, username string) ([]models.SyncGroup, error)
	IsListShared(ctx context.Context, listURL string) (bool, error)

	// Movie state snapshots.
	UpsertMovieState(ctx context.Context, memberID uint, filmID string, present bool) error
	GetPresentFilmIDs(ctx context.Context, memberID uint) ([]string, error)

	// Audit log and per-group run state.
	LogOperation(ctx context.Context, entry OperationEntry) error
	ListOperations(ctx context.Context, groupID uint, limit int) ([]models.SyncOperation, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
	GetSyncState(ctx context.Context, groupID uint) (*models.SyncState, error)
}
