package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/spoold/internal/archive"
	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/db"
)

const settingsKeyArchiveDays = "archive_days"

type SettingsHandler struct {
	config   *config.Config
	archiver *archive.Archiver
}

type SettingsResponse struct {
	ArchiveDays int    `json:"archive_days"`
	ArchivePath string `json:"archive_path"`
}

type ServerConfigResponse struct {
	Listen              string   `json:"listen"`
	AdminListen         string   `json:"admin_listen"`
	SpoolRoot           string   `json:"spool_root"`
	DatabasePath        string   `json:"database_path"`
	ArchivePath         string   `json:"archive_path"`
	HealthCheckInterval string   `json:"health_check_interval"`
	ConnectionTimeout   string   `json:"connection_timeout"`
	PollInterval        string   `json:"poll_interval"`
	MaxRetries          int      `json:"max_retries"`
	RetryDelay          string   `json:"retry_delay"`
	MaxRetryDelay       string   `json:"max_retry_delay"`
	DoneJobsMaxAge      string   `json:"done_jobs_max_age"`
	LogLevel            string   `json:"log_level"`
	LogFormat           string   `json:"log_format"`
	Printers            []string `json:"printers"`
}

type UpdateArchiveSettingsRequest struct {
	ArchiveDays int `json:"archive_days" binding:"required,min=1,max=3650"`
}

func NewSettingsHandler(cfg *config.Config, archiver *archive.Archiver) *SettingsHandler {
	return &SettingsHandler{config: cfg, archiver: archiver}
}

// LoadArchiveDays applies a retention stored through the API over the
// configured one.
func LoadArchiveDays(ctx context.Context, archiver *archive.Archiver) {
	setting, err := db.Settings.GetSetting(ctx, settingsKeyArchiveDays)
	if err != nil {
		return
	}
	if days, err := strconv.Atoi(setting.Value); err == nil && days > 0 {
		archiver.SetArchiveDays(days)
	}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	resp := SettingsResponse{ArchiveDays: h.config.Database.ArchiveDays, ArchivePath: h.config.Database.ArchivePath}
	if h.archiver != nil {
		resp.ArchiveDays = h.archiver.ArchiveDays()
		resp.ArchivePath = h.archiver.ArchivePath()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	c.JSON(http.StatusOK, ServerConfigResponse{
		Listen:              cfg.Server.Listen,
		AdminListen:         cfg.Server.AdminListen,
		SpoolRoot:           cfg.Spool.Root,
		DatabasePath:        cfg.Database.Path,
		ArchivePath:         cfg.Database.ArchivePath,
		HealthCheckInterval: cfg.Devices.HealthCheckInterval.String(),
		ConnectionTimeout:   cfg.Devices.ConnectionTimeout.String(),
		PollInterval:        cfg.Queue.PollInterval.String(),
		MaxRetries:          cfg.Queue.MaxRetries,
		RetryDelay:          cfg.Queue.RetryDelay.String(),
		MaxRetryDelay:       cfg.Queue.MaxRetryDelay.String(),
		DoneJobsMaxAge:      cfg.Queue.DoneJobsMaxAge.String(),
		LogLevel:            cfg.Logging.Level,
		LogFormat:           cfg.Logging.Format,
		Printers:            cfg.PrinterNames(),
	})
}

func (h *SettingsHandler) UpdateArchiveSettings(c *gin.Context) {
	var req UpdateArchiveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if err := db.Settings.SetSetting(c.Request.Context(), settingsKeyArchiveDays, strconv.Itoa(req.ArchiveDays), false); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update archive days",
		})
		return
	}
	if h.archiver != nil {
		h.archiver.SetArchiveDays(req.ArchiveDays)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Archive settings updated",
		"archive_days": req.ArchiveDays,
	})
}

func (h *SettingsHandler) ListAuditLogs(c *gin.Context) {
	filter := db.AuditFilter{Action: c.Query("action"), Printer: c.Query("printer")}
	limit := parseIntDefault(c, "limit", 100)
	offset := parseIntDefault(c, "offset", 0)
	logs, err := db.Audit.ListAuditLogs(c.Request.Context(), filter, limit, offset)
	if err != nil {
		abortWith(c, err, "failed to list audit logs")
		return
	}
	if logs == nil {
		logs = []*db.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "limit": limit, "offset": offset})
}

func RegisterSettingsRoutes(r *gin.RouterGroup, h *SettingsHandler) {
	r.GET("/settings", h.GetSettings)
	r.GET("/settings/server", h.GetServerConfig)
	r.PUT("/settings/archive", h.UpdateArchiveSettings)
	r.GET("/audit", h.ListAuditLogs)
}
