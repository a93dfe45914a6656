package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
)

const schemaVersion = "1"

// SQLiteIndex is a secondary index of save directories. The directories
// themselves remain the source of truth; rows may be missing if the writer
// falls behind.
type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan saveRow
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropSaves atomic.Uint64
}

type saveRow struct {
	Path       string
	GameID     int
	Overworld  string
	SavedAt    time.Time
	Chunks     int
	Compressed bool
	RecordedAt time.Time
}

// SaveRow is one indexed save.
type SaveRow struct {
	Path       string    `json:"path"`
	GameID     int       `json:"game_id"`
	Overworld  string    `json:"overworld"`
	SavedAt    time.Time `json:"saved_at"`
	Chunks     int       `json:"chunks"`
	Compressed bool      `json:"compressed"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropSavesTotal uint64 `json:"drop_saves_total"`
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.Named("indexdb"),
		ch:  make(chan saveRow, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			path TEXT PRIMARY KEY,
			game_id INTEGER NOT NULL,
			overworld TEXT NOT NULL,
			saved_at TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			compressed INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_saves_saved_at ON saves(saved_at);`,
		`CREATE INDEX IF NOT EXISTS idx_saves_game ON saves(game_id, saved_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting rows, waits for queued rows to be written and closes
// the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordSave queues a row for dir. It never blocks: when the queue is full the
// row is dropped and counted.
func (s *SQLiteIndex) RecordSave(dir string, meta record.Metadata, chunks int) {
	if s == nil || s.closed.Load() {
		return
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	r := saveRow{
		Path:       dir,
		GameID:     meta.GameID,
		Overworld:  meta.OverworldFile,
		SavedAt:    meta.SavedAt.UTC(),
		Chunks:     chunks,
		Compressed: meta.Compressed,
		RecordedAt: time.Now().UTC(),
	}
	select {
	case s.ch <- r:
	default:
		s.dropSaves.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropSavesTotal: s.dropSaves.Load(),
	}
}

// ListSaves returns every indexed save, newest first.
func (s *SQLiteIndex) ListSaves(ctx context.Context) ([]SaveRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path,game_id,overworld,saved_at,chunks,compressed,recorded_at FROM saves ORDER BY saved_at DESC, path DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SaveRow
	for rows.Next() {
		r, err := scanSave(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSave returns the most recently saved row, or false when the index is empty.
func (s *SQLiteIndex) LatestSave(ctx context.Context) (SaveRow, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path,game_id,overworld,saved_at,chunks,compressed,recorded_at FROM saves ORDER BY saved_at DESC, path DESC LIMIT 1`)
	r, err := scanSave(row)
	if err == sql.ErrNoRows {
		return SaveRow{}, false, nil
	}
	if err != nil {
		return SaveRow{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSave(sc scanner) (SaveRow, error) {
	var (
		r          SaveRow
		savedAt    string
		recordedAt string
		compressed int
	)
	if err := sc.Scan(&r.Path, &r.GameID, &r.Overworld, &savedAt, &r.Chunks, &compressed, &recordedAt); err != nil {
		return SaveRow{}, err
	}
	var err error
	if r.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return SaveRow{}, fmt.Errorf("saved_at %q: %w", savedAt, err)
	}
	if r.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return SaveRow{}, fmt.Errorf("recorded_at %q: %w", recordedAt, err)
	}
	r.Compressed = compressed != 0
	return r, nil
}

// sortableTime keeps lexical order equal to chronological order in the
// saved_at column.
func sortableTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSave, err := s.db.Prepare(`INSERT OR REPLACE INTO saves(path,game_id,overworld,saved_at,chunks,compressed,recorded_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Error("prepare insert", zap.Error(err))
		for range s.ch {
			s.dropSaves.Add(1)
		}
		return
	}
	defer func() { _ = insertSave.Close() }()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 64
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Warn("begin tx", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.log.Warn("commit", zap.Error(err))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.dropSaves.Add(1)
			continue
		}
		compressed := 0
		if r.Compressed {
			compressed = 1
		}
		if _, err := tx.Stmt(insertSave).Exec(
			r.Path,
			r.GameID,
			r.Overworld,
			sortableTime(r.SavedAt),
			r.Chunks,
			compressed,
			r.RecordedAt.Format(time.RFC3339Nano),
		); err != nil {
			s.log.Warn("insert save", zap.String("path", r.Path), zap.Error(err))
			rollback()
			continue
		}
		opCount++
		// Saves are rare; commit once the queue is idle.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}
