package gormrepository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/datatypes"

	"listsync/internal/config"
	"listsync/internal/db"
	"listsync/internal/models"
	"listsync/internal/repository"
	"listsync/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), config.DBConfig{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close(conn) })

	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	v, err := vault.Open(filepath.Join(t.TempDir(), "key"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return New(conn.Gorm, v, 3)
}

func alice() repository.NewMember {
	return repository.NewMember{
		Username:    "alice",
		Password:    "pw-alice",
		ListURL:     "https://letterboxd.com/alice/list/watchlist/",
		DisplayName: "Alice",
		IsMaster:    true,
	}
}

func bob() repository.NewMember {
	return repository.NewMember{
		Username:    "bob",
		Password:    "pw-bob",
		ListURL:     "https://letterboxd.com/bob/list/watchlist/",
		DisplayName: "Bob",
	}
}

func TestCreateGroupWithFounder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, code, err := store.CreateGroup(ctx, "Movie Night", models.SyncModeMasterReplica, &founder)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if groupID == 0 {
		t.Fatal("groupID = 0")
	}
	if len(code) != 8 {
		t.Fatalf("sync code = %q, want 8 chars", code)
	}

	group, err := store.GetGroupBySyncCode(ctx, code)
	if err != nil {
		t.Fatalf("get by sync code: %v", err)
	}
	if group.ID != groupID || group.GroupName != "Movie Night" {
		t.Fatalf("group = %+v", group)
	}
	if group.MasterMemberID == nil {
		t.Fatal("master member id not recorded")
	}

	members, err := store.GetActiveMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	m := members[0]
	if m.Username != "alice" || m.Password != "pw-alice" {
		t.Fatalf("credentials did not round-trip: %+v", m)
	}
	if !m.IsMaster {
		t.Fatal("founder should be master")
	}
	if m.ID != *group.MasterMemberID {
		t.Fatalf("master id = %d, group says %d", m.ID, *group.MasterMemberID)
	}
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, _, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, &founder)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var row models.Member
	if err := store.db.First(&row, "sync_group_id = ?", groupID).Error; err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if row.UsernameEncrypted == "alice" || row.PasswordEncrypted == "pw-alice" {
		t.Fatal("credentials stored in plaintext")
	}
}

func TestJoinGroupOrderingAndMasterRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, code, err := store.CreateGroup(ctx, "g", models.SyncModeMasterReplica, &founder)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	joiner := bob()
	joiner.IsMaster = true // must be ignored
	if _, err := store.JoinGroup(ctx, code, joiner); err != nil {
		t.Fatalf("join: %v", err)
	}
	carol := repository.NewMember{Username: "carol", Password: "pw", ListURL: "https://letterboxd.com/carol/list/w/"}
	if _, err := store.JoinGroup(ctx, code, carol); err != nil {
		t.Fatalf("join: %v", err)
	}

	members, err := store.GetActiveMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	if !members[0].IsMaster || members[0].Username != "alice" {
		t.Fatalf("first member = %+v, want master alice", members[0])
	}
	if members[1].Username != "bob" || members[1].IsMaster {
		t.Fatalf("second member = %+v, want non-master bob", members[1])
	}
	if members[2].Username != "carol" {
		t.Fatalf("third member = %+v", members[2])
	}
}

func TestJoinUnknownCode(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.JoinGroup(context.Background(), "NOPE1234", bob()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSyncCodeLookupIsCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, code, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, nil)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.GetGroupBySyncCode(ctx, "  "+lower(code)+" "); err != nil {
		t.Fatalf("lowercase lookup: %v", err)
	}
}

func lower(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'A' && b <= 'Z' {
			out[i] = b + 'a' - 'A'
		}
	}
	return string(out)
}

func TestDeactivateGroupHidesItAndItsMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, code, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, &founder)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.DeactivateGroup(ctx, groupID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := store.GetGroupBySyncCode(ctx, code); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("sync code lookup after deactivate: %v, want ErrNotFound", err)
	}
	// Direct id lookup still works for audit purposes.
	group, err := store.GetGroupByID(ctx, groupID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if group.IsActive {
		t.Fatal("group still active")
	}
	members, err := store.GetActiveMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("active members after deactivate = %d, want 0", len(members))
	}
	groups, err := store.ListActiveGroups(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("active groups = %d, want 0", len(groups))
	}

	if err := store.DeactivateGroup(ctx, groupID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second deactivate: %v, want ErrNotFound", err)
	}
}

func TestSyncCodesAreUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Seed an existing population, then keep generating against it.
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, code, err := store.CreateGroup(ctx, "seed", models.SyncModeCollaborative, nil)
		if err != nil {
			t.Fatalf("seed group %d: %v", i, err)
		}
		seen[code] = true
	}
	for i := 0; i < 1000; i++ {
		_, code, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, nil)
		if err != nil {
			t.Fatalf("create group %d: %v", i, err)
		}
		if seen[code] {
			t.Fatalf("duplicate sync code %q", code)
		}
		seen[code] = true
		for _, ch := range code {
			if !((ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
				t.Fatalf("sync code %q contains %q", code, ch)
			}
		}
	}
}

func TestRandomSyncCodeShape(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := randomSyncCode()
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if len(code) != syncCodeLength {
			t.Fatalf("code %q length = %d, want %d", code, len(code), syncCodeLength)
		}
		for _, ch := range code {
			if !((ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
				t.Fatalf("code %q contains %q", code, ch)
			}
		}
	}
}

func TestGroupsForUsername(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	g1, _, err := store.CreateGroup(ctx, "one", models.SyncModeCollaborative, &founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	founder2 := alice()
	g2, _, err := store.CreateGroup(ctx, "two", models.SyncModeCollaborative, &founder2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := bob()
	if _, _, err := store.CreateGroup(ctx, "three", models.SyncModeCollaborative, &other); err != nil {
		t.Fatalf("create: %v", err)
	}

	groups, err := store.GroupsForUsername(ctx, "Alice") // case-insensitive
	if err != nil {
		t.Fatalf("groups for username: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].ID != g1 || groups[1].ID != g2 {
		t.Fatalf("group ids = %d, %d, want %d, %d", groups[0].ID, groups[1].ID, g1, g2)
	}

	none, err := store.GroupsForUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("groups for unknown username: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("groups = %d, want 0", len(none))
	}
}

func TestIsListShared(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	if _, _, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, &founder); err != nil {
		t.Fatalf("create: %v", err)
	}

	shared, err := store.IsListShared(ctx, founder.ListURL)
	if err != nil {
		t.Fatalf("is list shared: %v", err)
	}
	if !shared {
		t.Fatal("founder list should be shared")
	}
	shared, err = store.IsListShared(ctx, "https://letterboxd.com/nobody/list/x/")
	if err != nil {
		t.Fatalf("is list shared: %v", err)
	}
	if shared {
		t.Fatal("unknown list should not be shared")
	}
}

func TestMovieStateUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, _, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, &founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, err := store.GetActiveMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	memberID := members[0].ID

	for _, filmID := range []string{"30", "10", "20"} {
		if err := store.UpsertMovieState(ctx, memberID, filmID, true); err != nil {
			t.Fatalf("upsert %s: %v", filmID, err)
		}
	}
	var before models.MovieState
	if err := store.db.First(&before, "member_id = ? AND film_id = ?", memberID, "10").Error; err != nil {
		t.Fatalf("read state: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Flip one to absent, and re-upsert another (must not duplicate).
	if err := store.UpsertMovieState(ctx, memberID, "20", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertMovieState(ctx, memberID, "10", true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-upserting refreshes the observation timestamp.
	var after models.MovieState
	if err := store.db.First(&after, "member_id = ? AND film_id = ?", memberID, "10").Error; err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !after.AddedAt.After(before.AddedAt) {
		t.Fatalf("added_at not refreshed: before %v, after %v", before.AddedAt, after.AddedAt)
	}

	present, err := store.GetPresentFilmIDs(ctx, memberID)
	if err != nil {
		t.Fatalf("get present: %v", err)
	}
	want := []string{"10", "30"}
	if len(present) != len(want) || present[0] != want[0] || present[1] != want[1] {
		t.Fatalf("present = %v, want %v", present, want)
	}
}

func TestLogOperationAndListMemberID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	founder := alice()
	groupID, _, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, &founder)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, _ := store.GetActiveMembers(ctx, groupID)
	memberID := members[0].ID

	msg := "boom"
	entries := []repository.OperationEntry{
		{GroupID: groupID, Type: models.OperationAddMovie, FilmID: "1", TargetMemberID: &memberID, Success: true},
		{GroupID: groupID, Type: models.OperationRemoveMovie, FilmID: "2", TargetMemberID: &memberID, Success: false, ErrorMessage: &msg},
	}
	for _, e := range entries {
		if err := store.LogOperation(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	var rows []models.SyncOperation
	if err := store.db.Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("read ops: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ops = %d, want 2", len(rows))
	}
	if rows[0].OperationType != models.OperationAddMovie || !rows[0].Success {
		t.Fatalf("first op = %+v", rows[0])
	}
	if rows[1].ErrorMessage == nil || *rows[1].ErrorMessage != "boom" {
		t.Fatalf("second op error = %v", rows[1].ErrorMessage)
	}

	if err := store.UpdateMemberListID(ctx, memberID, "12345"); err != nil {
		t.Fatalf("update list id: %v", err)
	}
	members, _ = store.GetActiveMembers(ctx, groupID)
	if members[0].ListID == nil || *members[0].ListID != "12345" {
		t.Fatalf("list id = %v, want 12345", members[0].ListID)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	groupID, _, err := store.CreateGroup(ctx, "g", models.SyncModeCollaborative, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.GetSyncState(ctx, groupID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("state before save: %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	state := &models.SyncState{
		SyncGroupID:   groupID,
		LastAttemptAt: &now,
		LastSuccessAt: &now,
		StatsJSON:     datatypes.JSON(`{"operations":3,"errors":0}`),
	}
	if err := store.SaveSyncState(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Overwrite with a failure record.
	msg := "master fetch failed"
	state2 := &models.SyncState{
		SyncGroupID:   groupID,
		LastAttemptAt: &now,
		LastError:     &msg,
	}
	if err := store.SaveSyncState(ctx, state2); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.GetSyncState(ctx, groupID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastError == nil || *got.LastError != "master fetch failed" {
		t.Fatalf("state = %+v", got)
	}
}
