package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
)

func meta(gameID int, min int) record.Metadata {
	return record.Metadata{
		OverworldFile: "Overworld_1",
		WorldScale:    1,
		GameID:        gameID,
		SavedAt:       time.Date(2026, 5, 1, 12, min, 0, 0, time.UTC),
		Compressed:    gameID%2 == 0,
	}
}

func TestSQLiteIndex_RecordSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	saveDir := filepath.Join(dir, "saves", "a")
	idx.RecordSave(saveDir, meta(3, 5), 12)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		p          string
		gameID     int
		chunks     int
		compressed int
	)
	row := db.QueryRow(`SELECT path,game_id,chunks,compressed FROM saves`)
	if err := row.Scan(&p, &gameID, &chunks, &compressed); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p != saveDir || gameID != 3 || chunks != 12 || compressed != 0 {
		t.Fatalf("row mismatch: path=%q game=%d chunks=%d compressed=%d", p, gameID, chunks, compressed)
	}
}

func TestSQLiteIndex_LatestAndList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordSave(filepath.Join(dir, "b"), meta(1, 10), 4)
	idx.RecordSave(filepath.Join(dir, "a"), meta(2, 30), 4)
	idx.RecordSave(filepath.Join(dir, "c"), meta(3, 20), 4)
	// Re-saving a directory replaces its row.
	idx.RecordSave(filepath.Join(dir, "b"), meta(4, 5), 9)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	latest, ok, err := idx.LatestSave(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestSave: ok=%v err=%v", ok, err)
	}
	if filepath.Base(latest.Path) != "a" || latest.GameID != 2 || !latest.Compressed {
		t.Fatalf("latest=%+v want a", latest)
	}
	if !latest.SavedAt.Equal(meta(2, 30).SavedAt) {
		t.Fatalf("saved_at=%v", latest.SavedAt)
	}

	rows, err := idx.ListSaves(ctx)
	if err != nil {
		t.Fatalf("ListSaves: %v", err)
	}
	var names []string
	for _, r := range rows {
		names = append(names, filepath.Base(r.Path))
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "c" || names[2] != "b" {
		t.Fatalf("order=%v want [a c b]", names)
	}
	if rows[2].Chunks != 9 || rows[2].GameID != 4 {
		t.Fatalf("replaced row=%+v", rows[2])
	}
}

func TestSQLiteIndex_LatestEmpty(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()
	if _, ok, err := idx.LatestSave(context.Background()); err != nil || ok {
		t.Fatalf("empty index: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan saveRow, 1)}
	s.ch <- saveRow{Path: "/tmp/first"}

	s.RecordSave("/tmp/second", meta(1, 0), 1)
	s.RecordSave("/tmp/third", meta(1, 0), 1)

	st := s.Stats()
	if st.DropSavesTotal != 2 {
		t.Fatalf("DropSavesTotal=%d want=2", st.DropSavesTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilAndClosedAreNoops(t *testing.T) {
	var s *SQLiteIndex
	s.RecordSave("/tmp/x", meta(1, 0), 1)
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("nil stats=%+v", st)
	}

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	idx.RecordSave("/tmp/x", meta(1, 0), 1)
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
