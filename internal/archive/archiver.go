// Package archive moves old job history out of the main database into
// monthly sqlite files.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/db"
)

var ErrArchiveNotFound = errors.New("archive not found")

const (
	filePrefix = "archive_"
	fileSuffix = ".db"
)

type Archiver struct {
	db          *sql.DB
	archivePath string
	archiveDays int
	schedule    string
	clock       clock.PassiveClock
	cron        *cron.Cron
	mu          sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	Month     string    `json:"month"`
}

type Config struct {
	ArchivePath string
	ArchiveDays int
	// Schedule is a five field cron expression.
	Schedule string
}

func NewArchiver(conn *sql.DB, cfg Config, clk clock.PassiveClock) (*Archiver, error) {
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./data/archives"
	}
	if cfg.ArchiveDays <= 0 {
		cfg.ArchiveDays = 30
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", cfg.Schedule, err)
	}
	if err := os.MkdirAll(cfg.ArchivePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		db:          conn,
		archivePath: cfg.ArchivePath,
		archiveDays: cfg.ArchiveDays,
		schedule:    cfg.Schedule,
		clock:       clk,
	}, nil
}

// Start runs RunArchive on the configured schedule.
func (a *Archiver) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() {
		n, err := a.RunArchive(context.Background())
		if err != nil {
			log.WithError(err).Error("history archival failed")
			return
		}
		if n > 0 {
			log.Infof("archived %d history entries", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule archival: %w", err)
	}
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	c.Start()
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunArchive moves history entries older than the retention period into the
// archive file of the month they were recorded in. It returns how many
// entries were moved.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.clock.Now().AddDate(0, 0, -a.archiveDays)
	entries, err := db.History.ForArchival(ctx, a.db, cutoff)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	byFile := make(map[string][]*db.HistoryEntry)
	for _, e := range entries {
		name := FileName(e.CreatedAt)
		byFile[name] = append(byFile[name], e)
	}
	names := make([]string, 0, len(byFile))
	for name := range byFile {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	moved := 0
	for _, name := range names {
		if err := a.archiveFile(ctx, name, byFile[name]); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		moved += len(byFile[name])
	}
	return moved, result.ErrorOrNil()
}

// FileName is the archive file holding entries recorded at t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format("2006_01") + fileSuffix
}

func (a *Archiver) archiveFile(ctx context.Context, name string, entries []*db.HistoryEntry) error {
	archiveDB, err := openArchiveDB(filepath.Join(a.archivePath, name))
	if err != nil {
		return fmt.Errorf("failed to open archive database: %w", err)
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertArchived,
			e.ID, e.Printer, e.JobID, e.Number, e.Owner, e.Host, e.JobName, e.Event,
			e.State, e.Attempt, e.Size, e.Destination, e.Error, e.CreatedAt.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, a.clock.Now().UTC()); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	// The archive copy is committed; move the rows out of the main database.
	mtx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := mtx.ExecContext(ctx, db.DeleteHistory, e.ID); err != nil {
			mtx.Rollback()
			return fmt.Errorf("failed to delete archived entry: %w", err)
		}
		if _, err := mtx.ExecContext(ctx, db.InsertArchiveJob, e.ID, name); err != nil {
			mtx.Rollback()
			return fmt.Errorf("failed to record archived entry: %w", err)
		}
	}
	return mtx.Commit()
}

const insertArchived = `
	INSERT OR REPLACE INTO job_history (id, printer, job_id, number, owner, host, job_name, event, state, attempt, size, destination, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func openArchiveDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(`
		CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY,
			printer TEXT NOT NULL,
			job_id TEXT NOT NULL,
			number INTEGER NOT NULL DEFAULT 0,
			owner TEXT,
			host TEXT,
			job_name TEXT,
			event TEXT NOT NULL,
			state TEXT,
			attempt INTEGER DEFAULT 0,
			size INTEGER DEFAULT 0,
			destination TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_history_created_at ON job_history(created_at);
		CREATE INDEX IF NOT EXISTS idx_archive_history_job ON job_history(job_id);
	`)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, file := range files {
		if file.IsDir() || !isArchiveName(file.Name()) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveFile{
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     month(file.Name()),
		})
	}
	return archives, nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) && filepath.Base(name) == name
}

func month(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	if !isArchiveName(filename) {
		return nil, ErrArchiveNotFound
	}
	info, err := os.Stat(filepath.Join(a.archivePath, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Month:     month(filename),
	}
	if err := a.db.QueryRowContext(ctx, db.CountArchiveJobsByFile, filename).Scan(&archiveFile.JobCount); err != nil {
		return nil, fmt.Errorf("failed to count archived entries: %w", err)
	}
	return archiveFile, nil
}

// History reads archived entries back from one archive file.
func (a *Archiver) History(ctx context.Context, filename, printer string) ([]*db.HistoryEntry, error) {
	if !isArchiveName(filename) {
		return nil, ErrArchiveNotFound
	}
	path := filepath.Join(a.archivePath, filename)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrArchiveNotFound
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	defer conn.Close()

	query := `SELECT id, printer, job_id, number, owner, host, job_name, event, state, attempt, size, destination, error_message, created_at FROM job_history`
	var args []interface{}
	if printer != "" {
		query += ` WHERE printer = ?`
		args = append(args, printer)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var entries []*db.HistoryEntry
	for rows.Next() {
		e := &db.HistoryEntry{}
		var owner, host, jobName, state, dest, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Printer, &e.JobID, &e.Number, &owner, &host, &jobName,
			&e.Event, &state, &e.Attempt, &e.Size, &dest, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived entry: %w", err)
		}
		e.Owner, e.Host, e.JobName = owner.String, host.String, jobName.String
		e.State, e.Destination, e.Error = state.String, dest.String, errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (a *Archiver) DeleteArchive(ctx context.Context, filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !isArchiveName(filename) {
		return ErrArchiveNotFound
	}
	path := filepath.Join(a.archivePath, filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrArchiveNotFound
		}
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, db.DeleteArchiveJobsByFile, filename); err != nil {
		return fmt.Errorf("failed to delete archive records: %w", err)
	}
	return nil
}

func (a *Archiver) SetArchiveDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if days > 0 {
		a.archiveDays = days
	}
}

func (a *Archiver) ArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}

func (a *Archiver) ArchivePath() string {
	return a.archivePath
}
