package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"listsync/internal/models"
	"listsync/internal/repository"
)

// ErrGroupNotFound is returned when a sync targets a group that does not
// exist or is inactive.
var ErrGroupNotFound = errors.New("sync group not found")

// SyncResult summarizes one reconciliation pass over a group. Success
// reflects group-level preconditions only (members present, master reachable,
// known mode); per-film and per-member failures land in Errors without
// flipping it.
type SyncResult struct {
	Success         bool     `json:"success"`
	GroupID         uint     `json:"group_id"`
	GroupName       string   `json:"group_name"`
	Mode            string   `json:"mode"`
	OperationsCount int      `json:"operations_count"`
	ErrorsCount     int      `json:"errors_count"`
	Operations      []string `json:"operations,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// Reconciler drives the list convergence for one group at a time: it fetches
// the members' remote lists, diffs them against the group's sync mode, and
// applies single-film mutations through the members' sessions.
type Reconciler struct {
	Store    repository.Store
	Sessions *SessionCache
	Logger   *zap.Logger
}

// memberState is one member's freshly fetched remote list.
type memberState struct {
	member repository.GroupMember
	films  map[string]bool
	client RemoteClient
}

// SyncGroup reconciles one group. The error return covers only failures that
// prevented the pass from running at all; per-film failures are accumulated
// in the result.
func (r *Reconciler) SyncGroup(ctx context.Context, groupID uint) (SyncResult, error) {
	result := SyncResult{GroupID: groupID}

	group, err := r.Store.GetGroupByID(ctx, groupID)
	if errors.Is(err, repository.ErrNotFound) {
		return result, ErrGroupNotFound
	}
	if err != nil {
		return result, err
	}
	if !group.IsActive {
		return result, ErrGroupNotFound
	}
	result.GroupName = group.GroupName
	result.Mode = string(group.SyncMode)

	members, err := r.Store.GetActiveMembers(ctx, groupID)
	if err != nil {
		return result, err
	}
	if len(members) == 0 {
		result.Errors = append(result.Errors, "group has no active members")
		result.ErrorsCount = len(result.Errors)
		r.saveState(ctx, groupID, result, time.Now().UTC())
		return result, nil
	}
	if len(members) == 1 {
		r.Logger.Info("skipping group with a single member", zap.Uint("group_id", groupID))
		result.Success = true
		r.saveState(ctx, groupID, result, time.Now().UTC())
		return result, nil
	}

	started := time.Now().UTC()
	r.Logger.Info("sync started",
		zap.Uint("group_id", groupID),
		zap.String("group", group.GroupName),
		zap.String("mode", string(group.SyncMode)),
		zap.Int("members", len(members)))

	switch group.SyncMode {
	case models.SyncModeMasterReplica:
		r.syncMasterReplica(ctx, &result, members)
	case models.SyncModeCollaborative:
		r.syncCollaborative(ctx, &result, members)
	default:
		return result, fmt.Errorf("unknown sync mode %q", group.SyncMode)
	}

	result.OperationsCount = len(result.Operations)
	result.ErrorsCount = len(result.Errors)

	if err := r.Store.TouchLastSync(ctx, groupID); err != nil {
		r.Logger.Warn("failed to record last sync time", zap.Uint("group_id", groupID), zap.Error(err))
	}
	r.saveState(ctx, groupID, result, started)

	r.Logger.Info("sync finished",
		zap.Uint("group_id", groupID),
		zap.Bool("success", result.Success),
		zap.Int("operations", result.OperationsCount),
		zap.Int("errors", result.ErrorsCount),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

// syncMasterReplica mirrors the master's list onto every replica, adding what
// is missing and removing what the master dropped. A master fetch failure
// aborts the pass and fails it; a replica failure only skips that replica and
// is reported without failing the pass.
func (r *Reconciler) syncMasterReplica(ctx context.Context, result *SyncResult, members []repository.GroupMember) {
	var master *repository.GroupMember
	var replicas []repository.GroupMember
	for i := range members {
		if members[i].IsMaster && master == nil {
			master = &members[i]
		} else {
			replicas = append(replicas, members[i])
		}
	}
	if master == nil {
		result.Errors = append(result.Errors, "group has no master member")
		return
	}

	masterState, err := r.fetchMember(ctx, *master)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch master list (%s): %v", master.DisplayName, err))
		return
	}
	r.persistSnapshot(ctx, masterState)
	result.Success = true

	for _, replica := range replicas {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			result.Success = false
			return
		}
		state, err := r.fetchMember(ctx, replica)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch list for %s: %v", replica.DisplayName, err))
			continue
		}

		toAdd := diff(masterState.films, state.films)
		toRemove := diff(state.films, masterState.films)
		masterID := master.ID
		r.applyAdds(ctx, result, state, toAdd, func(string) *uint { return &masterID })
		r.applyRemoves(ctx, result, state, toRemove)
		r.persistSnapshot(ctx, state)
	}
}

// syncCollaborative converges every member onto the union of all lists.
// Removals never happen in this mode: once a film is on any list, it spreads
// to all of them.
func (r *Reconciler) syncCollaborative(ctx context.Context, result *SyncResult, members []repository.GroupMember) {
	var states []*memberState
	for _, member := range members {
		state, err := r.fetchMember(ctx, member)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch list for %s: %v", member.DisplayName, err))
			continue
		}
		states = append(states, state)
	}
	if len(states) < 2 {
		result.Errors = append(result.Errors, "not enough reachable members to sync")
		return
	}
	result.Success = true

	union := make(map[string]bool)
	snapshots := make(map[uint]map[string]bool, len(states))
	for _, state := range states {
		snapshot := make(map[string]bool, len(state.films))
		for filmID := range state.films {
			union[filmID] = true
			snapshot[filmID] = true
		}
		snapshots[state.member.ID] = snapshot
	}

	for _, state := range states {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			result.Success = false
			return
		}
		toAdd := diff(union, state.films)
		r.applyAdds(ctx, result, state, toAdd, func(filmID string) *uint {
			return attributeFilm(states, snapshots, state.member.ID, filmID)
		})
		r.persistSnapshot(ctx, state)
	}
}

// attributeFilm credits an add to the first other member whose list held the
// film before this pass started, so attribution reflects who actually
// brought the film in.
func attributeFilm(states []*memberState, snapshots map[uint]map[string]bool, targetID uint, filmID string) *uint {
	for _, state := range states {
		if state.member.ID == targetID {
			continue
		}
		if snapshots[state.member.ID][filmID] {
			id := state.member.ID
			return &id
		}
	}
	return nil
}

func (r *Reconciler) applyAdds(ctx context.Context, result *SyncResult, state *memberState, filmIDs []string, source func(filmID string) *uint) {
	if len(filmIDs) == 0 {
		return
	}
	listID, err := r.resolveListID(ctx, state)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("resolve list id for %s: %v", state.member.DisplayName, err))
		return
	}

	for _, filmID := range filmIDs {
		err := state.client.AddMovie(ctx, filmID, listID)
		r.logOperation(ctx, state.member.SyncGroupID, models.OperationAddMovie, filmID, source(filmID), state.member.ID, err)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("add film %s to %s: %v", filmID, state.member.DisplayName, err))
			continue
		}
		state.films[filmID] = true
		result.Operations = append(result.Operations, fmt.Sprintf("added film %s to %s", filmID, state.member.DisplayName))
	}
}

func (r *Reconciler) applyRemoves(ctx context.Context, result *SyncResult, state *memberState, filmIDs []string) {
	for _, filmID := range filmIDs {
		err := state.client.RemoveMovie(ctx, filmID, state.member.ListURL)
		r.logOperation(ctx, state.member.SyncGroupID, models.OperationRemoveMovie, filmID, nil, state.member.ID, err)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove film %s from %s: %v", filmID, state.member.DisplayName, err))
			continue
		}
		delete(state.films, filmID)
		result.Operations = append(result.Operations, fmt.Sprintf("removed film %s from %s", filmID, state.member.DisplayName))
	}
}

func (r *Reconciler) fetchMember(ctx context.Context, member repository.GroupMember) (*memberState, error) {
	client, err := r.Sessions.Get(ctx, member.ID, member.Username, member.Password)
	if err != nil {
		return nil, err
	}
	entries, err := client.FetchAllPages(ctx, member.ListURL)
	if err != nil {
		// Session may be stale; next pass logs in fresh.
		r.Sessions.Evict(member.ID)
		return nil, err
	}
	films := make(map[string]bool, len(entries))
	for _, entry := range entries {
		films[entry.FilmID] = true
	}
	return &memberState{member: member, films: films, client: client}, nil
}

// resolveListID finds the numeric id needed by the add endpoint: the cached
// column first, a page scrape as fallback, persisted for next time.
func (r *Reconciler) resolveListID(ctx context.Context, state *memberState) (string, error) {
	if state.member.ListID != nil && *state.member.ListID != "" {
		return *state.member.ListID, nil
	}
	listID, err := state.client.FetchListID(ctx, state.member.ListURL)
	if err != nil {
		return "", err
	}
	if err := r.Store.UpdateMemberListID(ctx, state.member.ID, listID); err != nil {
		r.Logger.Warn("failed to cache list id", zap.Uint("member_id", state.member.ID), zap.Error(err))
	}
	state.member.ListID = &listID
	return listID, nil
}

// persistSnapshot records which films a member's list currently holds,
// including flipping previously present films that have gone away.
func (r *Reconciler) persistSnapshot(ctx context.Context, state *memberState) {
	previous, err := r.Store.GetPresentFilmIDs(ctx, state.member.ID)
	if err != nil {
		r.Logger.Warn("failed to load movie state", zap.Uint("member_id", state.member.ID), zap.Error(err))
		return
	}
	for _, filmID := range previous {
		if !state.films[filmID] {
			if err := r.Store.UpsertMovieState(ctx, state.member.ID, filmID, false); err != nil {
				r.Logger.Warn("failed to update movie state", zap.Uint("member_id", state.member.ID), zap.Error(err))
			}
		}
	}
	for filmID := range state.films {
		if err := r.Store.UpsertMovieState(ctx, state.member.ID, filmID, true); err != nil {
			r.Logger.Warn("failed to update movie state", zap.Uint("member_id", state.member.ID), zap.Error(err))
		}
	}
}

func (r *Reconciler) logOperation(ctx context.Context, groupID uint, opType models.OperationType, filmID string, source *uint, target uint, opErr error) {
	entry := repository.OperationEntry{
		GroupID:        groupID,
		Type:           opType,
		FilmID:         filmID,
		SourceMemberID: source,
		TargetMemberID: &target,
		Success:        opErr == nil,
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.ErrorMessage = &msg
	}
	if err := r.Store.LogOperation(ctx, entry); err != nil {
		r.Logger.Warn("failed to log operation", zap.Uint("group_id", groupID), zap.Error(err))
	}
}

func (r *Reconciler) saveState(ctx context.Context, groupID uint, result SyncResult, attemptedAt time.Time) {
	stats, _ := json.Marshal(map[string]any{
		"mode":       result.Mode,
		"operations": result.OperationsCount,
		"errors":     result.ErrorsCount,
	})
	state := &models.SyncState{
		SyncGroupID:   groupID,
		LastAttemptAt: &attemptedAt,
		StatsJSON:     datatypes.JSON(stats),
	}
	if result.Success {
		now := time.Now().UTC()
		state.LastSuccessAt = &now
	}
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		state.LastError = &msg
	}
	if err := r.Store.SaveSyncState(ctx, state); err != nil {
		r.Logger.Warn("failed to save sync state", zap.Uint("group_id", groupID), zap.Error(err))
	}
}

// diff returns the ids present in a but not in b, sorted for deterministic
// application order.
func diff(a, b map[string]bool) []string {
	var out []string
	for id := range a {
		if !b[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
