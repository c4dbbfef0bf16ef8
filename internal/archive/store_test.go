package archive_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThomasGoatly/ray/internal/archive"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/process"
)

func openTestStore(t *testing.T) (*archive.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := archive.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func makeReport(id string, generatedAt time.Time) *memstat.ClusterReport {
	return &memstat.ClusterReport{
		ID:          id,
		GeneratedAt: generatedAt,
		ElapsedMS:   7,
		Nodes: []memstat.NodeReport{
			{
				NodeID:     "node-1",
				StoreCount: 1,
				StoreBytes: 1024,
				Processes: []memstat.ProcessReport{
					{
						PID:       1000,
						Role:      process.RoleDriver,
						Reachable: true,
						Objects: []memstat.ObjectRow{
							{
								ObjectID:  "ffffffffffffffffffffffff01000000",
								SizeBytes: 1024,
								Pinned:    true,
								Reasons:   []string{"LOCAL_REFERENCE"},
								Qualifier: "job.go:run",
								CallKind:  "put",
							},
							{
								ObjectID:  "ffffffffffffffffffffffff02000000",
								SizeBytes: -1,
								Reasons:   []string{"USED_BY_PENDING_TASK", "LOCAL_REFERENCE"},
								Qualifier: "job.go:run",
								CallKind:  "task_call",
							},
						},
					},
				},
			},
			{
				NodeID: "node-2",
				Processes: []memstat.ProcessReport{
					{PID: 2000, Role: process.RoleWorker, Reachable: false, Error: "collect timeout", Objects: []memstat.ObjectRow{}},
				},
			},
		},
		Warnings: []string{"1 process unreachable"},
	}
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "reports", "report_rows"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	err := store.DB().QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
	if checksum != "raymem-v1-2026-08-18-reports" {
		t.Fatalf("schema checksum = %q", checksum)
	}
}

func TestOpen_ChecksumMismatchFails(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1"); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := archive.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("error = %v, want checksum mismatch", err)
	}
}

func TestOpen_NewerSchemaFails(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec("INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')"); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := archive.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected newer-schema error")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("error = %v, want newer-than-supported", err)
	}
}

func TestSaveReport_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	in := makeReport("report-1", time.Date(2026, 8, 18, 10, 0, 0, 0, time.UTC))
	id, err := store.SaveReport(ctx, in)
	if err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}
	if id != "report-1" {
		t.Fatalf("SaveReport() id = %q, want report-1", id)
	}

	out, err := store.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if out.ID != in.ID {
		t.Errorf("ID = %q, want %q", out.ID, in.ID)
	}
	if out.NumObjects() != 2 {
		t.Errorf("NumObjects() = %d, want 2", out.NumObjects())
	}
	if out.NumUnreachable() != 1 {
		t.Errorf("NumUnreachable() = %d, want 1", out.NumUnreachable())
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != "1 process unreachable" {
		t.Errorf("Warnings = %v", out.Warnings)
	}

	objects := out.Nodes[0].Processes[0].Objects
	if objects[0].SizeBytes != 1024 || !objects[0].Pinned {
		t.Errorf("first row = %+v, want size 1024 pinned", objects[0])
	}
	if objects[1].SizeKnown() {
		t.Errorf("second row size should stay unknown, got %d", objects[1].SizeBytes)
	}
}

func TestSaveReport_GeneratesID(t *testing.T) {
	store, _ := openTestStore(t)

	report := makeReport("", time.Now().UTC())
	id, err := store.SaveReport(context.Background(), report)
	if err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}
	if id == "" {
		t.Fatal("SaveReport() returned empty id for report without one")
	}
	if _, err := store.GetReport(context.Background(), id); err != nil {
		t.Fatalf("GetReport(generated id) error = %v", err)
	}
}

func TestSaveReport_NilReport(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.SaveReport(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil report")
	}
}

func TestListReports_NewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"report-a", "report-b", "report-c"} {
		if _, err := store.SaveReport(ctx, makeReport(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveReport(%s) error = %v", id, err)
		}
	}

	summaries, err := store.ListReports(ctx, 10)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("ListReports() len = %d, want 3", len(summaries))
	}
	wantOrder := []string{"report-c", "report-b", "report-a"}
	for i, want := range wantOrder {
		if summaries[i].ID != want {
			t.Errorf("summaries[%d].ID = %q, want %q", i, summaries[i].ID, want)
		}
	}
	if summaries[0].NumObjects != 2 || summaries[0].NumProcesses != 2 || summaries[0].NumUnreachable != 1 {
		t.Errorf("summary = %+v, want 2 objects / 2 processes / 1 unreachable", summaries[0])
	}
	if summaries[0].PinnedBytes != 1024 {
		t.Errorf("PinnedBytes = %d, want 1024", summaries[0].PinnedBytes)
	}
}

func TestListReports_LimitClamp(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveReport(ctx, makeReport("only", time.Now().UTC())); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}
	summaries, err := store.ListReports(ctx, -5)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("ListReports() len = %d, want 1", len(summaries))
	}
}

func TestGetReport_NotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.GetReport(context.Background(), "missing")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("GetReport() error = %v, want ErrNotFound", err)
	}
}

func TestObjectHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const objectID = "ffffffffffffffffffffffff02000000"
	base := time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC)

	first := makeReport("report-early", base)
	if _, err := store.SaveReport(ctx, first); err != nil {
		t.Fatalf("SaveReport(early) error = %v", err)
	}

	second := makeReport("report-late", base.Add(5*time.Minute))
	second.Nodes[0].Processes[0].Objects[1].SizeBytes = 2048
	if _, err := store.SaveReport(ctx, second); err != nil {
		t.Fatalf("SaveReport(late) error = %v", err)
	}

	entries, err := store.ObjectHistory(ctx, objectID, 10)
	if err != nil {
		t.Fatalf("ObjectHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ObjectHistory() len = %d, want 2", len(entries))
	}

	if entries[0].ReportID != "report-late" {
		t.Errorf("entries[0].ReportID = %q, want report-late", entries[0].ReportID)
	}
	if entries[0].SizeBytes != 2048 {
		t.Errorf("entries[0].SizeBytes = %d, want 2048", entries[0].SizeBytes)
	}
	if entries[1].ReportID != "report-early" {
		t.Errorf("entries[1].ReportID = %q, want report-early", entries[1].ReportID)
	}
	if entries[1].SizeBytes != -1 {
		t.Errorf("entries[1].SizeBytes = %d, want -1 (unknown)", entries[1].SizeBytes)
	}

	wantReasons := []string{"USED_BY_PENDING_TASK", "LOCAL_REFERENCE"}
	if len(entries[0].Reasons) != len(wantReasons) {
		t.Fatalf("Reasons = %v, want %v", entries[0].Reasons, wantReasons)
	}
	for i, want := range wantReasons {
		if entries[0].Reasons[i] != want {
			t.Errorf("Reasons[%d] = %q, want %q", i, entries[0].Reasons[i], want)
		}
	}
	if entries[0].NodeID != "node-1" || entries[0].PID != 1000 || entries[0].Role != "driver" {
		t.Errorf("entry site = %+v, want node-1/1000/driver", entries[0])
	}
	if entries[0].CallKind != "task_call" {
		t.Errorf("CallKind = %q, want task_call", entries[0].CallKind)
	}
}

func TestObjectHistory_Unseen(t *testing.T) {
	store, _ := openTestStore(t)

	entries, err := store.ObjectHistory(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("ObjectHistory() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ObjectHistory() len = %d, want 0", len(entries))
	}
}

func TestPruneOlderThan_CascadesRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	old := makeReport("report-old", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	fresh := makeReport("report-new", time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC))
	if _, err := store.SaveReport(ctx, old); err != nil {
		t.Fatalf("SaveReport(old) error = %v", err)
	}
	if _, err := store.SaveReport(ctx, fresh); err != nil {
		t.Fatalf("SaveReport(new) error = %v", err)
	}

	removed, err := store.PruneOlderThan(ctx, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PruneOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("PruneOlderThan() removed = %d, want 1", removed)
	}

	summaries, err := store.ListReports(ctx, 10)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "report-new" {
		t.Fatalf("summaries = %+v, want only report-new", summaries)
	}

	var orphanRows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM report_rows WHERE report_id = 'report-old'`).Scan(&orphanRows); err != nil {
		t.Fatalf("count orphan rows: %v", err)
	}
	if orphanRows != 0 {
		t.Fatalf("orphan rows = %d, want 0 (cascade)", orphanRows)
	}

	if _, err := store.GetReport(ctx, "report-old"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("GetReport(pruned) error = %v, want ErrNotFound", err)
	}
}
