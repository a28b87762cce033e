package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/perchlabs/dialtone/internal/sync"
	"go.uber.org/zap"
)

var (
	errMissingStatusReader = errors.New("status reader dependency required")
)

// Dependencies wires the read-only services the ops surface exposes.
type Dependencies struct {
	Status  *sync.StatusReader
	CallLog *sync.CallLogIngester
	Logger  *zap.Logger
}

// NewHTTPHandler builds the operator-facing read-only HTTP surface: queue
// depths, error rows, and recent call events. The engine itself has no UI;
// this is the only window into prolonged failure.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Status == nil {
		return nil, errMissingStatusReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		status:  deps.Status,
		callLog: deps.CallLog,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.GET("/errors", handler.handleErrors)
	router.GET("/calls/recent", handler.handleRecentCalls)

	return router, nil
}

type httpHandler struct {
	status  *sync.StatusReader
	callLog *sync.CallLogIngester
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.status.QueueSizes(c.Request.Context())
	if err != nil {
		h.logger.Error("queue status query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_query_failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

type errorRowPayload struct {
	ChangeID     string `json:"changeID"`
	Type         string `json:"type"`
	CID          string `json:"cid,omitempty"`
	Number       string `json:"number,omitempty"`
	ErrorCounter int64  `json:"errorCounter"`
	ChangeTime   int64  `json:"changeTime"`
}

func (h *httpHandler) handleErrors(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)
	rows, err := h.status.ErrorRows(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("error row query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error_query_failed"})
		return
	}

	payload := make([]errorRowPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, errorRowPayload{
			ChangeID:     row.ChangeID,
			Type:         string(row.Type),
			CID:          row.CID,
			Number:       row.Number,
			ErrorCounter: row.ErrorCounter,
			ChangeTime:   row.ChangeTimeMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"errors": payload})
}

func (h *httpHandler) handleRecentCalls(c *gin.Context) {
	if h.callLog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call_log_disabled"})
		return
	}
	limit := parseLimit(c.Query("limit"), 50)
	events, err := h.callLog.RecentCalls(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("recent call query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "call_query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": events})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
