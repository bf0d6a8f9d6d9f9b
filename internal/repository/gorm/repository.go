// Package gormrepository implements repository.Store on GORM over SQLite.
// SQLite allows a single writer, so all writes go through one mutex plus a
// short linear retry on lock contention.
package gormrepository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"listsync/internal/models"
	"listsync/internal/repository"
	"listsync/internal/retry"
	"listsync/internal/vault"
)

const syncCodeLength = 8

const syncCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type Store struct {
	db    *gorm.DB
	vault *vault.Vault

	writeMu     sync.Mutex
	lockRetries int
}

func New(db *gorm.DB, v *vault.Vault, lockRetries int) *Store {
	if lockRetries <= 0 {
		lockRetries = 3
	}
	return &Store{db: db, vault: v, lockRetries: lockRetries}
}

// withWrite serializes writes and retries transient lock errors.
func (s *Store) withWrite(ctx context.Context, fn func(db *gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	policy := retry.Policy{
		MaxAttempts: s.lockRetries,
		BaseDelay:   100 * time.Millisecond,
		Linear:      true,
		Retryable:   isLockError,
	}
	return retry.Do(ctx, policy, func() error {
		return fn(s.db.WithContext(ctx))
	})
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// --- Groups ------------------------------------------------------------------

func (s *Store) CreateGroup(ctx context.Context, name string, mode models.SyncMode, founder *repository.NewMember) (uint, string, error) {
	if !mode.Valid() {
		return 0, "", fmt.Errorf("invalid sync mode %q", mode)
	}

	syncCode, err := s.generateSyncCode(ctx)
	if err != nil {
		return 0, "", err
	}

	group := models.SyncGroup{
		SyncCode:  syncCode,
		GroupName: name,
		SyncMode:  mode,
		IsActive:  true,
	}

	err = s.withWrite(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&group).Error; err != nil {
				return err
			}
			if founder == nil {
				return nil
			}
			member, err := s.encryptMember(group.ID, *founder)
			if err != nil {
				return err
			}
			if err := tx.Create(member).Error; err != nil {
				return err
			}
			if member.IsMaster {
				if err := tx.Model(&models.SyncGroup{}).
					Where("id = ?", group.ID).
					Update("master_member_id", member.ID).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, "", err
	}
	return group.ID, syncCode, nil
}

func (s *Store) GetGroupByID(ctx context.Context, id uint) (*models.SyncGroup, error) {
	var group models.SyncGroup
	err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Store) GetGroupBySyncCode(ctx context.Context, syncCode string) (*models.SyncGroup, error) {
	var group models.SyncGroup
	err := s.db.WithContext(ctx).
		First(&group, "sync_code = ? AND is_active = ?", strings.ToUpper(strings.TrimSpace(syncCode)), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Store) ListActiveGroups(ctx context.Context) ([]models.SyncGroup, error) {
	var groups []models.SyncGroup
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) DeactivateGroup(ctx context.Context, id uint) error {
	return s.withWrite(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.SyncGroup{}).
				Where("id = ? AND is_active = ?", id, true).
				Update("is_active", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return repository.ErrNotFound
			}
			return tx.Model(&models.Member{}).
				Where("sync_group_id = ?", id).
				Update("is_active", false).Error
		})
	})
}

func (s *Store) TouchLastSync(ctx context.Context, id uint) error {
	return s.withWrite(ctx, func(db *gorm.DB) error {
		return db.Model(&models.SyncGroup{}).
			Where("id = ?", id).
			Update("last_sync", time.Now().UTC()).Error
	})
}

// SyncCodeExists reports whether any group, active or not, holds the code.
// Codes are never recycled.
func (s *Store) SyncCodeExists(ctx context.Context, syncCode string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.SyncGroup{}).
		Where("sync_code = ?", strings.ToUpper(strings.TrimSpace(syncCode))).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// generateSyncCode draws an 8-character code and retries on the rare
// collision with an existing one.
func (s *Store) generateSyncCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomSyncCode()
		if err != nil {
			return "", err
		}
		exists, err := s.SyncCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("generate sync code: exhausted attempts")
}

// randomSyncCode draws characters from A-Z0-9. Bytes at or above 252, the
// largest multiple of the alphabet size under 256, are redrawn so every
// character is equally likely.
func randomSyncCode() (string, error) {
	const limit = byte(len(syncCodeAlphabet) * (256 / len(syncCodeAlphabet)))
	code := make([]byte, 0, syncCodeLength)
	buf := make([]byte, 2*syncCodeLength)
	for len(code) < syncCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate sync code: %w", err)
		}
		for _, b := range buf {
			if b >= limit || len(code) == syncCodeLength {
				continue
			}
			code = append(code, syncCodeAlphabet[int(b)%len(syncCodeAlphabet)])
		}
	}
	return string(code), nil
}

// --- Membership --------------------------------------------------------------

// AddMember enrolls an account into a group directly by id.
func (s *Store) AddMember(ctx context.Context, groupID uint, member repository.NewMember) (uint, error) {
	row, err := s.encryptMember(groupID, member)
	if err != nil {
		return 0, err
	}
	err = s.withWrite(ctx, func(db *gorm.DB) error {
		return db.Create(row).Error
	})
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *Store) JoinGroup(ctx context.Context, syncCode string, member repository.NewMember) (uint, error) {
	group, err := s.GetGroupBySyncCode(ctx, syncCode)
	if err != nil {
		return 0, err
	}

	// Masters are only appointed at group creation.
	member.IsMaster = false
	return s.AddMember(ctx, group.ID, member)
}

func (s *Store) encryptMember(groupID uint, m repository.NewMember) (*models.Member, error) {
	usernameEnc, err := s.vault.Encrypt(strings.TrimSpace(m.Username))
	if err != nil {
		return nil, fmt.Errorf("encrypt username: %w", err)
	}
	passwordEnc, err := s.vault.Encrypt(m.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	return &models.Member{
		SyncGroupID:       groupID,
		UsernameEncrypted: usernameEnc,
		PasswordEncrypted: passwordEnc,
		ListURL:           strings.TrimSpace(m.ListURL),
		DisplayName:       m.DisplayName,
		IsMaster:          m.IsMaster,
		JoinedAt:          time.Now().UTC(),
		IsActive:          true,
	}, nil
}

func (s *Store) decryptMember(row models.Member) (repository.GroupMember, error) {
	username, err := s.vault.Decrypt(row.UsernameEncrypted)
	if err != nil {
		return repository.GroupMember{}, fmt.Errorf("decrypt username for member %d: %w", row.ID, err)
	}
	password, err := s.vault.Decrypt(row.PasswordEncrypted)
	if err != nil {
		return repository.GroupMember{}, fmt.Errorf("decrypt password for member %d: %w", row.ID, err)
	}
	return repository.GroupMember{
		ID:          row.ID,
		SyncGroupID: row.SyncGroupID,
		Username:    username,
		Password:    password,
		ListURL:     row.ListURL,
		DisplayName: row.DisplayName,
		ListID:      row.ListID,
		IsMaster:    row.IsMaster,
		IsActive:    row.IsActive,
	}, nil
}

// GetActiveMembers returns the group's active members, master first, then in
// join order.
func (s *Store) GetActiveMembers(ctx context.Context, groupID uint) ([]repository.GroupMember, error) {
	var rows []models.Member
	err := s.db.WithContext(ctx).
		Where("sync_group_id = ? AND is_active = ?", groupID, true).
		Order("is_master DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	members := make([]repository.GroupMember, 0, len(rows))
	for _, row := range rows {
		member, err := s.decryptMember(row)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

func (s *Store) UpdateMemberListID(ctx context.Context, memberID uint, listID string) error {
	return s.withWrite(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Member{}).
			Where("id = ?", memberID).
			Update("list_id", listID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// GroupsForUsername finds the active groups a Letterboxd account belongs to.
// Usernames are encrypted at rest with a random nonce, so the scan decrypts
// row by row instead of matching ciphertext.
func (s *Store) GroupsForUsername(ctx context.Context, username string) ([]models.SyncGroup, error) {
	username = strings.TrimSpace(username)

	var rows []models.Member
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	groupIDs := make([]uint, 0)
	seen := make(map[uint]bool)
	for _, row := range rows {
		decrypted, err := s.vault.Decrypt(row.UsernameEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt username for member %d: %w", row.ID, err)
		}
		if !strings.EqualFold(decrypted, username) || seen[row.SyncGroupID] {
			continue
		}
		seen[row.SyncGroupID] = true
		groupIDs = append(groupIDs, row.SyncGroupID)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}

	var groups []models.SyncGroup
	err = s.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", groupIDs, true).
		Order("id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) IsListShared(ctx context.Context, listURL string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Member{}).
		Where("list_url = ? AND is_active = ?", strings.TrimSpace(listURL), true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Movie state -------------------------------------------------------------

func (s *Store) UpsertMovieState(ctx context.Context, memberID uint, filmID string, present bool) error {
	return s.withWrite(ctx, func(db *gorm.DB) error {
		state := models.MovieState{
			MemberID:  memberID,
			FilmID:    filmID,
			AddedAt:   time.Now().UTC(),
			IsPresent: present,
		}
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}, {Name: "film_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_present", "added_at"}),
		}).Create(&state).Error
	})
}

func (s *Store) GetPresentFilmIDs(ctx context.Context, memberID uint) ([]string, error) {
	var filmIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.MovieState{}).
		Where("member_id = ? AND is_present = ?", memberID, true).
		Order("film_id ASC").
		Pluck("film_id", &filmIDs).Error
	if err != nil {
		return nil, err
	}
	return filmIDs, nil
}

// --- Audit log and sync state ------------------------------------------------

func (s *Store) LogOperation(ctx context.Context, entry repository.OperationEntry) error {
	return s.withWrite(ctx, func(db *gorm.DB) error {
		row := models.SyncOperation{
			SyncGroupID:    entry.GroupID,
			OperationType:  entry.Type,
			FilmID:         entry.FilmID,
			SourceMemberID: entry.SourceMemberID,
			TargetMemberID: entry.TargetMemberID,
			Timestamp:      time.Now().UTC(),
			Success:        entry.Success,
			ErrorMessage:   entry.ErrorMessage,
		}
		return db.Create(&row).Error
	})
}

// ListOperations returns a group's most recent audit entries, newest first.
func (s *Store) ListOperations(ctx context.Context, groupID uint, limit int) ([]models.SyncOperation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var ops []models.SyncOperation
	err := s.db.WithContext(ctx).
		Where("sync_group_id = ?", groupID).
		Order("id DESC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	if state == nil {
		return nil
	}
	return s.withWrite(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sync_group_id"}},
			UpdateAll: true,
		}).Create(state).Error
	})
}

func (s *Store) GetSyncState(ctx context.Context, groupID uint) (*models.SyncState, error) {
	var state models.SyncState
	err := s.db.WithContext(ctx).First(&state, "sync_group_id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
