package storage

import (
	"context"
	"testing"
	"time"

	"github.com/0xKirisame/hokori/internal/analysis"
	"github.com/0xKirisame/hokori/internal/classify"
	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/recency"
	"github.com/0xKirisame/hokori/internal/snapshot"
	"github.com/0xKirisame/hokori/internal/unused"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSnapshot(account string, captured time.Time, users ...string) *snapshot.Snapshot {
	s := &snapshot.Snapshot{
		AccountID:        account,
		CapturedAt:       captured,
		Users:            []snapshot.User{},
		Roles:            []snapshot.Role{{RoleName: "unscanned", AttachedManagedPolicies: []snapshot.AttachedPolicy{}}},
		Groups:           []snapshot.Group{},
		Policies:         []snapshot.ManagedPolicy{},
		CredentialReport: []snapshot.Credentials{},
	}
	for _, u := range users {
		s.Users = append(s.Users, snapshot.User{
			UserName:                u,
			AttachedManagedPolicies: []snapshot.AttachedPolicy{},
			GroupList:               []string{},
			LastAccessed:            []snapshot.ServiceAccess{},
		})
		s.CredentialReport = append(s.CredentialReport, snapshot.Credentials{User: u})
	}
	return s
}

func TestOpenMemory(t *testing.T) {
	openTestDB(t)
}

func TestLatestSnapshotEmpty(t *testing.T) {
	db := openTestDB(t)
	s, ok, err := db.LatestSnapshot(context.Background(), "")
	if err != nil {
		t.Fatalf("LatestSnapshot() error: %v", err)
	}
	if ok || s != nil {
		t.Errorf("expected no snapshot, got %+v", s)
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Now().Truncate(time.Second)
	if err := db.SaveSnapshot(ctx, testSnapshot("111", now.Add(-time.Hour), "old")); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(ctx, testSnapshot("111", now, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(ctx, testSnapshot("222", now.Add(-2*time.Hour), "carol")); err != nil {
		t.Fatal(err)
	}

	s, ok, err := db.LatestSnapshot(ctx, "111")
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot() = %v, %v", ok, err)
	}
	if len(s.Users) != 2 || s.Users[0].UserName != "alice" {
		t.Errorf("expected newest snapshot for 111, got users %+v", s.Users)
	}
	if !s.CapturedAt.Equal(now) {
		t.Errorf("CapturedAt = %v, want %v", s.CapturedAt, now)
	}
	if s.Roles[0].Scanned() {
		t.Error("absent LastAccessed must survive the cache round trip")
	}
	if !s.Users[0].Scanned() {
		t.Error("empty LastAccessed must survive the cache round trip")
	}

	s, ok, err = db.LatestSnapshot(ctx, "")
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot(any) = %v, %v", ok, err)
	}
	if s.AccountID != "111" {
		t.Errorf("expected newest overall from 111, got %s", s.AccountID)
	}

	_, ok, err = db.LatestSnapshot(ctx, "333")
	if err != nil || ok {
		t.Errorf("expected no snapshot for 333, got ok=%v err=%v", ok, err)
	}
}

func TestPurgeSnapshotsKeepsNewestPerAccount(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Now()
	for _, s := range []*snapshot.Snapshot{
		testSnapshot("111", now.Add(-72*time.Hour)),
		testSnapshot("111", now.Add(-48*time.Hour)),
		testSnapshot("111", now),
		testSnapshot("222", now.Add(-96*time.Hour)),
	} {
		if err := db.SaveSnapshot(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.PurgeSnapshots(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged snapshots, got %d", n)
	}

	if _, ok, err := db.LatestSnapshot(ctx, "222"); err != nil || !ok {
		t.Errorf("newest snapshot of 222 must be kept (ok=%v err=%v)", ok, err)
	}
}

func testReport(account string, at time.Time, admins ...string) *analysis.Report {
	return &analysis.Report{
		AccountID:     account,
		GeneratedAt:   at,
		ThresholdDays: 90,
		Unused: &unused.Report{
			Users:             []unused.User{{UserName: "stale", LastUsedDays: recency.Never}},
			Roles:             []unused.Role{},
			AccessKeys:        []unused.AccessKey{},
			LoginProfiles:     []unused.LoginProfile{},
			Policies:          []unused.Policy{},
			Groups:            []unused.Group{},
			PolicyAttachments: []unused.Attachment{},
		},
		Classification: &classify.Result{
			Admins:         admins,
			Powerusers:     classify.Powerusers{Users: []string{}, Policies: []string{}},
			ReadOnly:       []string{"bob"},
			UnchangedUsers: []string{},
			PolicyUsage:    []classify.PolicyUsage{},
			Detachments:    []classify.Detachment{},
		},
		Warnings: []diag.Warning{{Kind: diag.InsufficientData, Subject: "r", Message: "m"}},
	}
}

func TestSaveAndGetAnalysisResult(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Now().Truncate(time.Second).UTC()
	if err := db.SaveAnalysisResult(ctx, testReport("111", now.Add(-time.Hour), "old-admin")); err != nil {
		t.Fatalf("SaveAnalysisResult() error: %v", err)
	}
	if err := db.SaveAnalysisResult(ctx, testReport("111", now, "alice")); err != nil {
		t.Fatalf("SaveAnalysisResult() error: %v", err)
	}

	r, ok, err := db.GetLatestAnalysisResult(ctx, "111")
	if err != nil || !ok {
		t.Fatalf("GetLatestAnalysisResult() = %v, %v", ok, err)
	}
	if len(r.Classification.Admins) != 1 || r.Classification.Admins[0] != "alice" {
		t.Errorf("expected latest report, got admins %v", r.Classification.Admins)
	}
	if !r.Unused.Users[0].LastUsedDays.IsNever() {
		t.Errorf("never-used sentinel lost in round trip: %v", r.Unused.Users[0].LastUsedDays)
	}

	summaries, err := db.ListAnalysisSummaries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Admins != 1 || s.ReadOnly != 1 || s.UnusedCount != 1 || s.Warnings != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
}
