package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/spoold/internal/archive"
	"github.com/orrn/spoold/internal/db"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

func archiveError(c *gin.Context, err error, msg string) {
	if errors.Is(err, archive.ErrArchiveNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}
	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives: archives,
		Count:    len(archives),
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		archiveError(c, err, "failed to read archive")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *ArchiveHandler) GetArchiveHistory(c *gin.Context) {
	entries, err := h.archiver.History(c.Request.Context(), c.Param("filename"), c.Query("printer"))
	if err != nil {
		archiveError(c, err, "failed to read archive")
		return
	}
	if entries == nil {
		entries = []*db.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.DeleteArchive(c.Request.Context(), c.Param("filename")); err != nil {
		archiveError(c, err, "failed to delete archive")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

type TriggerArchiveResponse struct {
	Message  string `json:"message"`
	Archived int    `json:"archived"`
	Error    string `json:"error,omitempty"`
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, TriggerArchiveResponse{
			Message:  "archive completed with errors",
			Archived: n,
			Error:    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, TriggerArchiveResponse{Message: "archive completed successfully", Archived: n})
}

func (h *ArchiveHandler) ListArchivedJobs(c *gin.Context) {
	limit := parseIntDefault(c, "limit", 100)
	offset := parseIntDefault(c, "offset", 0)
	jobs, err := db.Archive.GetArchiveJobs(c.Request.Context(), limit, offset)
	if err != nil {
		abortWith(c, err, "failed to list archived jobs")
		return
	}
	if jobs == nil {
		jobs = []*db.ArchiveJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	archives := r.Group("/archives")
	{
		archives.GET("", h.ListArchives)
		archives.POST("/run", h.TriggerArchive)
		archives.GET("/jobs", h.ListArchivedJobs)
		archives.GET("/files/:filename", h.GetArchiveInfo)
		archives.GET("/files/:filename/history", h.GetArchiveHistory)
		archives.DELETE("/files/:filename", h.DeleteArchive)
	}
}
