package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotInitialized = errors.New("database not initialized")

func handle() (*sql.DB, error) {
	conn := GetDB()
	if conn == nil {
		return nil, ErrNotInitialized
	}
	return conn, nil
}

type HistoryOperations struct{}

func (o *HistoryOperations) Record(ctx context.Context, e *HistoryEntry) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	result, err := conn.ExecContext(ctx, InsertHistory,
		e.Printer, e.JobID, e.Number, e.Owner, e.Host, e.JobName,
		e.Event, e.State, e.Attempt, e.Size, e.Destination, e.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get history id: %w", err)
	}
	e.ID = id
	return nil
}

func (o *HistoryOperations) List(ctx context.Context, filter HistoryFilter) ([]*HistoryEntry, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}

	if filter.Printer != "" {
		conditions = append(conditions, "printer = ?")
		args = append(args, filter.Printer)
	}
	if filter.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.FromDate != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.FromDate.UTC())
	}
	if filter.ToDate != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.ToDate.UTC())
	}

	query := ListHistoryBase
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// ForArchival returns entries older than cutoff, oldest first.
func (o *HistoryOperations) ForArchival(ctx context.Context, conn *sql.DB, cutoff time.Time) ([]*HistoryEntry, error) {
	rows, err := conn.QueryContext(ctx, GetHistoryForArchival, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get history for archival: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// CountByEvent returns how many entries of each event a printer has.
func (o *HistoryOperations) CountByEvent(ctx context.Context, printer string) (map[string]int64, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, CountHistoryByEvent, printer)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("failed to scan history count: %w", err)
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

func scanHistory(rows *sql.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var owner, host, jobName, state, dest, errMsg sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Printer, &e.JobID, &e.Number, &owner, &host, &jobName,
			&e.Event, &state, &e.Attempt, &e.Size, &dest, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Owner, e.Host, e.JobName = owner.String, host.String, jobName.String
		e.State, e.Destination, e.Error = state.String, dest.String, errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type SettingsOperations struct{}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}
	s := &Setting{Key: key}
	err = conn.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, DeleteSetting, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) ListSettings(ctx context.Context) ([]*Setting, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, ListSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		s := &Setting{}
		if err := rows.Scan(&s.Key, &s.Value, &s.Encrypted, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

type AuditOperations struct{}

func (o *AuditOperations) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	result, err := conn.ExecContext(ctx, InsertAuditLog,
		log.Action, log.Printer, log.JobID, log.Actor, log.Details, log.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit log id: %w", err)
	}
	log.ID = id
	return nil
}

func (o *AuditOperations) ListAuditLogs(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditLog, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Printer != "" {
		conditions = append(conditions, "printer = ?")
		args = append(args, filter.Printer)
	}

	query := "SELECT id, action, printer, job_id, actor, details, ip_address, created_at FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		log := &AuditLog{}
		var printer, jobID, actor, details, ip sql.NullString
		if err := rows.Scan(
			&log.ID, &log.Action, &printer, &jobID, &actor,
			&details, &ip, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Printer, log.JobID, log.Actor = printer.String, jobID.String, actor.String
		log.Details, log.IPAddress = details.String, ip.String
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type CounterOperations struct{}

func (o *CounterOperations) IncrementDailyCounter(ctx context.Context, printer string, date time.Time) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	dateStr := date.Format("2006-01-02")
	if _, err := conn.ExecContext(ctx, InsertPrintCounter, printer, dateStr, 1, 1); err != nil {
		return fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return nil
}

func (o *CounterOperations) GetCounters(ctx context.Context, printer string, from, to time.Time) ([]*PrintCounter, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, GetPrintCountersByDateRange,
		printer, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	defer rows.Close()

	var counters []*PrintCounter
	for rows.Next() {
		c := &PrintCounter{}
		var dateStr string
		if err := rows.Scan(&c.ID, &c.Printer, &dateStr, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Date, _ = time.Parse("2006-01-02", dateStr)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

type ArchiveOperations struct{}

func (o *ArchiveOperations) GetArchiveJobs(ctx context.Context, limit, offset int) ([]*ArchiveJob, error) {
	conn, err := handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, ListArchiveJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get archive jobs: %w", err)
	}
	defer rows.Close()

	var archives []*ArchiveJob
	for rows.Next() {
		a := &ArchiveJob{}
		if err := rows.Scan(&a.ID, &a.HistoryID, &a.ArchiveFile, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

var (
	History  = &HistoryOperations{}
	Settings = &SettingsOperations{}
	Audit    = &AuditOperations{}
	Counters = &CounterOperations{}
	Archive  = &ArchiveOperations{}
)
