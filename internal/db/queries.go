package db

const historyColumns = `id, printer, job_id, number, owner, host, job_name, event, state, attempt, size, destination, error_message, created_at`

const (
	InsertHistory = `
		INSERT INTO job_history (printer, job_id, number, owner, host, job_name, event, state, attempt, size, destination, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ListHistoryBase = `SELECT ` + historyColumns + ` FROM job_history`

	GetHistoryForArchival = `
		SELECT ` + historyColumns + `
		FROM job_history WHERE created_at < ? ORDER BY created_at ASC
	`

	CountHistoryByEvent = `
		SELECT event, COUNT(*) FROM job_history WHERE printer = ? GROUP BY event
	`

	DeleteHistory = `DELETE FROM job_history WHERE id = ?`
)

const (
	GetSetting = `SELECT value, encrypted, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`

	ListSettings = `SELECT key, value, encrypted, updated_at FROM settings ORDER BY key ASC`
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, printer, job_id, actor, details, ip_address)
		VALUES (?, ?, ?, ?, ?, ?)
	`
)

const (
	InsertArchiveJob = `
		INSERT INTO archive_jobs (history_id, archive_file)
		VALUES (?, ?)
	`

	ListArchiveJobs = `
		SELECT id, history_id, archive_file, archived_at
		FROM archive_jobs ORDER BY archived_at DESC LIMIT ? OFFSET ?
	`

	CountArchiveJobsByFile = `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`

	DeleteArchiveJobsByFile = `DELETE FROM archive_jobs WHERE archive_file = ?`
)

const (
	InsertPrintCounter = `
		INSERT INTO print_counters (printer, date, count)
		VALUES (?, ?, ?)
		ON CONFLICT(printer, date) DO UPDATE SET count = count + ?
	`

	GetPrintCountersByDateRange = `
		SELECT id, printer, date, count
		FROM print_counters WHERE printer = ? AND date >= ? AND date <= ? ORDER BY date ASC
	`
)

const (
	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
