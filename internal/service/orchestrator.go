package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"listsync/internal/client/letterboxd"
	"listsync/internal/models"
	"listsync/internal/repository"
)

var (
	ErrMasterRequired = errors.New("master replica groups need a founding master member")
	ErrInvalidMode    = errors.New("invalid sync mode")
	ErrInvalidList    = errors.New("list validation failed")
)

// MemberInput is one account's enrollment data as submitted by the API.
type MemberInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	ListURL     string `json:"list_url"`
	DisplayName string `json:"display_name"`
}

type CreateGroupInput struct {
	Name    string          `json:"group_name"`
	Mode    models.SyncMode `json:"sync_mode"`
	Founder *MemberInput    `json:"founder"`
}

type GroupCreated struct {
	GroupID  uint   `json:"group_id"`
	SyncCode string `json:"sync_code"`
}

type MemberSummary struct {
	DisplayName string `json:"display_name"`
	ListURL     string `json:"list_url"`
	IsMaster    bool   `json:"is_master"`
}

type GroupDetails struct {
	ID       uint            `json:"id"`
	Name     string          `json:"name"`
	SyncCode string          `json:"sync_code"`
	Mode     string          `json:"mode"`
	LastSync *time.Time      `json:"last_sync,omitempty"`
	Members  []MemberSummary `json:"members"`
}

type GroupHealth struct {
	GroupID       uint       `json:"group_id"`
	Name          string     `json:"name"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

type SyncAllResult struct {
	GroupsProcessed int          `json:"groups_processed"`
	Results         []SyncResult `json:"results"`
}

// Orchestrator is the application service behind the HTTP API and the cron
// loop. It owns group lifecycle, fans syncs out to the reconciler, and keeps
// concurrent syncs of the same group from overlapping.
type Orchestrator struct {
	Store      repository.Store
	Reconciler *Reconciler
	Factory    ClientFactory
	Logger     *zap.Logger

	groupLocks sync.Map // group id -> *sync.Mutex

	autoMu   sync.Mutex
	autoStop context.CancelFunc
	autoDone chan struct{}
}

func (o *Orchestrator) CreateGroup(ctx context.Context, in CreateGroupInput) (GroupCreated, error) {
	if !in.Mode.Valid() {
		return GroupCreated{}, ErrInvalidMode
	}
	if in.Mode == models.SyncModeMasterReplica && in.Founder == nil {
		return GroupCreated{}, ErrMasterRequired
	}

	var founder *repository.NewMember
	if in.Founder != nil {
		founder = &repository.NewMember{
			Username:    in.Founder.Username,
			Password:    in.Founder.Password,
			ListURL:     in.Founder.ListURL,
			DisplayName: displayNameOr(in.Founder),
			IsMaster:    in.Mode == models.SyncModeMasterReplica,
		}
	}

	if founder != nil {
		o.warnIfListShared(ctx, founder.ListURL)
	}
	groupID, syncCode, err := o.Store.CreateGroup(ctx, strings.TrimSpace(in.Name), in.Mode, founder)
	if err != nil {
		return GroupCreated{}, err
	}
	o.Logger.Info("group created",
		zap.Uint("group_id", groupID),
		zap.String("mode", string(in.Mode)))
	return GroupCreated{GroupID: groupID, SyncCode: syncCode}, nil
}

// warnIfListShared flags a list already enrolled elsewhere: two groups
// reconciling the same list can fight each other.
func (o *Orchestrator) warnIfListShared(ctx context.Context, listURL string) {
	shared, err := o.Store.IsListShared(ctx, listURL)
	if err != nil {
		o.Logger.Warn("shared-list check failed", zap.Error(err))
		return
	}
	if shared {
		o.Logger.Warn("list is already enrolled in another group", zap.String("list_url", listURL))
	}
}

func (o *Orchestrator) JoinGroup(ctx context.Context, syncCode string, in MemberInput) (uint, error) {
	o.warnIfListShared(ctx, in.ListURL)
	memberID, err := o.Store.JoinGroup(ctx, syncCode, repository.NewMember{
		Username:    in.Username,
		Password:    in.Password,
		ListURL:     in.ListURL,
		DisplayName: displayNameOr(&in),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrGroupNotFound
	}
	if err != nil {
		return 0, err
	}
	o.Logger.Info("member joined group", zap.Uint("member_id", memberID))
	return memberID, nil
}

func displayNameOr(in *MemberInput) string {
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(in.Username)
}

// SyncNow reconciles one group, serialized per group so the cron loop and a
// manual trigger cannot interleave mutations on the same lists.
func (o *Orchestrator) SyncNow(ctx context.Context, groupID uint) (SyncResult, error) {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.Reconciler.SyncGroup(ctx, groupID)
}

// SyncAll runs every active group in turn. One group's failure never stops
// the others.
func (o *Orchestrator) SyncAll(ctx context.Context) (SyncAllResult, error) {
	groups, err := o.Store.ListActiveGroups(ctx)
	if err != nil {
		return SyncAllResult{}, err
	}

	out := SyncAllResult{GroupsProcessed: len(groups)}
	for _, group := range groups {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		result, err := o.SyncNow(ctx, group.ID)
		if err != nil {
			o.Logger.Error("group sync failed",
				zap.Uint("group_id", group.ID),
				zap.String("group", group.GroupName),
				zap.Error(err))
			result = SyncResult{
				GroupID:     group.ID,
				GroupName:   group.GroupName,
				Mode:        string(group.SyncMode),
				ErrorsCount: 1,
				Errors:      []string{err.Error()},
			}
		}
		out.Results = append(out.Results, result)
	}
	return out, nil
}

func (o *Orchestrator) lockFor(groupID uint) *sync.Mutex {
	lock, _ := o.groupLocks.LoadOrStore(groupID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// StartAutoSync launches the background loop that runs SyncAll every
// interval. Starting twice is a logged no-op.
func (o *Orchestrator) StartAutoSync(interval time.Duration) {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if o.autoStop != nil {
		o.Logger.Warn("auto sync already running")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.autoStop = cancel
	o.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := o.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.Logger.Error("auto sync pass failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	o.Logger.Info("auto sync started", zap.Duration("interval", interval))
}

// StopAutoSync halts the loop and waits for an in-flight pass to finish.
// Stopping an idle orchestrator is a logged no-op.
func (o *Orchestrator) StopAutoSync() {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if o.autoStop == nil {
		o.Logger.Warn("auto sync not running")
		return
	}
	o.autoStop()
	<-o.autoDone
	o.autoStop = nil
	o.autoDone = nil
	o.Logger.Info("auto sync stopped")
}

func (o *Orchestrator) DeactivateGroup(ctx context.Context, groupID uint) error {
	err := o.Store.DeactivateGroup(ctx, groupID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		return err
	}
	o.Logger.Info("group deactivated", zap.Uint("group_id", groupID))
	return nil
}

// GroupInfo resolves a sync code to the group's membership roster. Credentials
// never leave this layer.
func (o *Orchestrator) GroupInfo(ctx context.Context, syncCode string) (GroupDetails, error) {
	group, err := o.Store.GetGroupBySyncCode(ctx, syncCode)
	if errors.Is(err, repository.ErrNotFound) {
		return GroupDetails{}, ErrGroupNotFound
	}
	if err != nil {
		return GroupDetails{}, err
	}

	members, err := o.Store.GetActiveMembers(ctx, group.ID)
	if err != nil {
		return GroupDetails{}, err
	}

	details := GroupDetails{
		ID:       group.ID,
		Name:     group.GroupName,
		SyncCode: group.SyncCode,
		Mode:     string(group.SyncMode),
		LastSync: group.LastSync,
	}
	for _, m := range members {
		details.Members = append(details.Members, MemberSummary{
			DisplayName: m.DisplayName,
			ListURL:     m.ListURL,
			IsMaster:    m.IsMaster,
		})
	}
	return details, nil
}

// UserLists logs in as the account and returns its lists, for list pickers in
// front ends.
func (o *Orchestrator) UserLists(ctx context.Context, username, password string) ([]letterboxd.ListSummary, error) {
	client, err := o.Factory(username, password)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	return client.FetchAllLists(ctx, username)
}

// ValidateList checks that a list URL is well formed, belongs to the account,
// and resolves to a real list the account can reach.
func (o *Orchestrator) ValidateList(ctx context.Context, username, password, listURL string) error {
	owner, _, err := letterboxd.SplitListURL(listURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	if !strings.EqualFold(owner, strings.TrimSpace(username)) {
		return fmt.Errorf("%w: list belongs to %q, not %q", ErrInvalidList, owner, username)
	}

	client, err := o.Factory(username, password)
	if err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return err
	}
	if _, err := client.FetchListID(ctx, listURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	return nil
}

func (o *Orchestrator) GroupsForUser(ctx context.Context, username string) ([]GroupDetails, error) {
	groups, err := o.Store.GroupsForUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return groupSummaries(groups), nil
}

// ListGroups returns summaries of every active group.
func (o *Orchestrator) ListGroups(ctx context.Context) ([]GroupDetails, error) {
	groups, err := o.Store.ListActiveGroups(ctx)
	if err != nil {
		return nil, err
	}
	return groupSummaries(groups), nil
}

func groupSummaries(groups []models.SyncGroup) []GroupDetails {
	out := make([]GroupDetails, 0, len(groups))
	for _, group := range groups {
		out = append(out, GroupDetails{
			ID:       group.ID,
			Name:     group.GroupName,
			SyncCode: group.SyncCode,
			Mode:     string(group.SyncMode),
			LastSync: group.LastSync,
		})
	}
	return out
}

// HealthCheck reports the last reconciliation outcome per active group.
func (o *Orchestrator) HealthCheck(ctx context.Context) ([]GroupHealth, error) {
	groups, err := o.Store.ListActiveGroups(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]GroupHealth, 0, len(groups))
	for _, group := range groups {
		health := GroupHealth{GroupID: group.ID, Name: group.GroupName}
		state, err := o.Store.GetSyncState(ctx, group.ID)
		if err == nil {
			health.LastAttemptAt = state.LastAttemptAt
			health.LastSuccessAt = state.LastSuccessAt
			health.LastError = state.LastError
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		out = append(out, health)
	}
	return out, nil
}
