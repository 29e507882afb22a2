package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/db"
)

type JobHandler struct {
	svc *core.QueueService
}

func NewJobHandler(svc *core.QueueService) *JobHandler {
	return &JobHandler{svc: svc}
}

type ListHistoryQuery struct {
	Printer  string `form:"printer"`
	JobID    string `form:"job_id"`
	Event    string `form:"event"`
	FromDate string `form:"from_date"`
	ToDate   string `form:"to_date"`
	Limit    int    `form:"limit" binding:"max=500"`
	Offset   int    `form:"offset"`
}

type JobActionResponse struct {
	Printer string   `json:"printer"`
	Count   int      `json:"count"`
	Jobs    []string `json:"jobs,omitempty"`
}

// ListJobs returns the queue listing, optionally narrowed by the same
// selectors the protocol status verb accepts.
func (h *JobHandler) ListJobs(c *gin.Context) {
	st, err := h.svc.Status(c.Param("name"))
	if err != nil {
		abortWith(c, err, "failed to read queue")
		return
	}
	st.Select(c.QueryArray("select"))
	c.JSON(http.StatusOK, st)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	st, err := h.svc.Status(c.Param("name"))
	if err != nil {
		abortWith(c, err, "failed to read queue")
		return
	}
	st.Select([]string{c.Param("id")})
	if len(st.Jobs) == 0 {
		abortWith(c, core.ErrNoMatchingJobs, "job not found")
		return
	}
	c.JSON(http.StatusOK, st.Jobs[0])
}

func (h *JobHandler) mutate(c *gin.Context, fn func(printer string, who core.Requester, selectors []string) (int, error)) {
	printer := c.Param("name")
	n, err := fn(printer, operator(c), []string{c.Param("id")})
	if err != nil {
		abortWith(c, err, "job update failed")
		return
	}
	c.JSON(http.StatusOK, JobActionResponse{Printer: printer, Count: n})
}

func (h *JobHandler) HoldJob(c *gin.Context)    { h.mutate(c, h.svc.Hold) }
func (h *JobHandler) ReleaseJob(c *gin.Context) { h.mutate(c, h.svc.Release) }
func (h *JobHandler) TopqJob(c *gin.Context)    { h.mutate(c, h.svc.Topq) }

func (h *JobHandler) RemoveJob(c *gin.Context) {
	printer := c.Param("name")
	removed, err := h.svc.Remove(c.Request.Context(), printer, operator(c), []string{c.Param("id")})
	if err != nil {
		abortWith(c, err, "failed to remove job")
		return
	}
	c.JSON(http.StatusOK, JobActionResponse{Printer: printer, Count: len(removed), Jobs: removed})
}

func (h *JobHandler) ListHistory(c *gin.Context) {
	var query ListHistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit <= 0 {
		query.Limit = 100
	}

	filter := db.HistoryFilter{
		Printer: query.Printer,
		JobID:   query.JobID,
		Event:   query.Event,
		Limit:   query.Limit,
		Offset:  query.Offset,
	}
	if query.FromDate != "" {
		t, err := time.Parse("2006-01-02", query.FromDate)
		if err == nil {
			filter.FromDate = &t
		}
	}
	if query.ToDate != "" {
		t, err := time.Parse("2006-01-02", query.ToDate)
		if err == nil {
			endOfDay := t.Add(24*time.Hour - time.Second)
			filter.ToDate = &endOfDay
		}
	}

	entries, err := db.History.List(c.Request.Context(), filter)
	if err != nil {
		abortWith(c, err, "failed to list history")
		return
	}
	if entries == nil {
		entries = []*db.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"limit":   query.Limit,
		"offset":  query.Offset,
		"count":   len(entries),
	})
}

func (h *JobHandler) GetHistoryStats(c *gin.Context) {
	printer := c.Param("name")
	if _, _, err := h.svc.Spools().Open(printer); err != nil {
		abortWith(c, err, "printer not found")
		return
	}
	counts, err := db.History.CountByEvent(c.Request.Context(), printer)
	if err != nil {
		abortWith(c, err, "failed to count history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"printer": printer, "events": counts})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers/:name/jobs", h.ListJobs)
	r.GET("/printers/:name/jobs/:id", h.GetJob)
	r.DELETE("/printers/:name/jobs/:id", h.RemoveJob)
	r.POST("/printers/:name/jobs/:id/hold", h.HoldJob)
	r.POST("/printers/:name/jobs/:id/release", h.ReleaseJob)
	r.POST("/printers/:name/jobs/:id/topq", h.TopqJob)
	r.GET("/printers/:name/history/stats", h.GetHistoryStats)
	r.GET("/history", h.ListHistory)
}

// parseIntDefault reads an integer query parameter.
func parseIntDefault(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
