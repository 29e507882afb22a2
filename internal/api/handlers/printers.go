package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/api/middleware"
	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorStatus maps queue and device errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, config.ErrUnknownPrinter), errors.Is(err, core.ErrPrinterNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNoMatchingJobs):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnknownCommand), errors.Is(err, core.ErrMissingArgs):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error, msg string) {
	c.JSON(errorStatus(err), ErrorResponse{Error: msg, Message: err.Error()})
}

// operator is the requester for API calls; every authenticated caller is an
// operator.
func operator(c *gin.Context) core.Requester {
	actor := c.GetString(middleware.ActorKey)
	if actor == "" {
		actor = "admin"
	}
	return core.Requester{User: actor, Host: c.ClientIP(), Operator: true}
}

type PrinterHandler struct {
	svc     *core.QueueService
	devices *core.DeviceManager
	clock   clock.PassiveClock
}

func NewPrinterHandler(svc *core.QueueService, devices *core.DeviceManager, clk clock.PassiveClock) *PrinterHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PrinterHandler{svc: svc, devices: devices, clock: clk}
}

type PrinterResponse struct {
	Name            string             `json:"name"`
	Device          string             `json:"device,omitempty"`
	Remote          string             `json:"remote,omitempty"`
	Servers         []string           `json:"servers,omitempty"`
	PrintingEnabled bool               `json:"printing_enabled"`
	SpoolingEnabled bool               `json:"spooling_enabled"`
	Aborted         bool               `json:"aborted"`
	Message         string             `json:"message,omitempty"`
	Stats           core.QueueStats    `json:"stats"`
	DeviceStatus    *core.DeviceStatus `json:"device_status,omitempty"`
}

type ControlRequest struct {
	Command string   `json:"command" binding:"required"`
	Args    []string `json:"args"`
}

type ControlResponse struct {
	Reply string `json:"reply"`
}

type CounterEntry struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type PrinterCountersResponse struct {
	Printer string         `json:"printer"`
	Total   int64          `json:"total"`
	Today   int64          `json:"today"`
	ByDate  []CounterEntry `json:"by_date"`
}

func (h *PrinterHandler) printerResponse(name string) (*PrinterResponse, error) {
	st, err := h.svc.Status(name)
	if err != nil {
		return nil, err
	}
	p, _ := h.svc.Spools().Config().Printer(name)
	resp := &PrinterResponse{
		Name:            name,
		Device:          p.Device,
		Remote:          p.Remote,
		Servers:         p.Servers,
		PrintingEnabled: st.PrintingEnabled,
		SpoolingEnabled: st.SpoolingEnabled,
		Aborted:         st.Aborted,
		Message:         st.Message,
		Stats:           st.Stats,
	}
	if h.devices != nil {
		if ds, err := h.devices.Status(name); err == nil {
			resp.DeviceStatus = &ds
		}
	}
	return resp, nil
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	names := h.svc.Spools().Names()
	printers := make([]*PrinterResponse, 0, len(names))
	for _, name := range names {
		resp, err := h.printerResponse(name)
		if err != nil {
			abortWith(c, err, "failed to read queue")
			return
		}
		printers = append(printers, resp)
	}
	c.JSON(http.StatusOK, printers)
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	resp, err := h.printerResponse(c.Param("name"))
	if err != nil {
		abortWith(c, err, "failed to read queue")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) GetDeviceStatus(c *gin.Context) {
	if h.devices == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "device monitoring disabled"})
		return
	}
	ds, err := h.devices.Status(c.Param("name"))
	if err != nil {
		abortWith(c, err, "failed to get device status")
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (h *PrinterHandler) CheckDevice(c *gin.Context) {
	if h.devices == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "device monitoring disabled"})
		return
	}
	ds, err := h.devices.CheckStatus(c.Request.Context(), c.Param("name"))
	if err != nil && ds.Printer == "" {
		abortWith(c, err, "failed to check device")
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (h *PrinterHandler) Control(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	reply, err := h.svc.Control(c.Request.Context(), c.Param("name"), operator(c), req.Command, req.Args)
	if err != nil {
		abortWith(c, err, "control command failed")
		return
	}
	c.JSON(http.StatusOK, ControlResponse{Reply: reply})
}

func (h *PrinterHandler) GetPrinterCounters(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.svc.Spools().Config().Printer(name); !ok {
		abortWith(c, config.ErrUnknownPrinter, "printer not found")
		return
	}
	days := 30
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid days"})
			return
		}
		days = n
	}

	now := h.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	from := today.AddDate(0, 0, -(days - 1))
	counters, err := db.Counters.GetCounters(c.Request.Context(), name, from, today)
	if err != nil {
		abortWith(c, err, "failed to get counters")
		return
	}

	resp := PrinterCountersResponse{Printer: name, ByDate: make([]CounterEntry, 0, len(counters))}
	todayKey := today.Format("2006-01-02")
	for _, pc := range counters {
		key := pc.Date.Format("2006-01-02")
		resp.Total += pc.Count
		if key == todayKey {
			resp.Today = pc.Count
		}
		resp.ByDate = append(resp.ByDate, CounterEntry{Date: key, Count: pc.Count})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	printers := r.Group("/printers")
	{
		printers.GET("", h.ListPrinters)
		printers.GET("/:name", h.GetPrinter)
		printers.GET("/:name/device", h.GetDeviceStatus)
		printers.POST("/:name/device/check", h.CheckDevice)
		printers.POST("/:name/control", h.Control)
		printers.GET("/:name/counters", h.GetPrinterCounters)
	}
}
