package ingest

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/typeguard/internal/analyzer"
	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/risk"
	"github.com/mbd888/typeguard/internal/validation"
)

// HighRiskAlert is the alert value the HTTP ingestion endpoint reports for
// HIGH scores.
const HighRiskAlert = "HIGH_RISK_DETECTED"

// Handler provides the HTTP ingestion endpoints.
type Handler struct {
	analyzer *analyzer.Analyzer
	risk     *risk.Engine
	cache    SessionCache
	recorder Recorder
	logger   *slog.Logger
}

// NewHandler creates a new ingestion handler. cache and recorder may be nil.
func NewHandler(a *analyzer.Analyzer, engine *risk.Engine, cache SessionCache, recorder Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{analyzer: a, risk: engine, cache: cache, recorder: recorder, logger: logger}
}

// RegisterRoutes sets up ingestion routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/behavioral-data", h.ReceiveBehavioralData)
	r.GET("/sessions/:sessionId", validation.IDParamMiddleware("sessionId"), h.GetSession)
}

// BehavioralDataRequest is the body of POST /v1/behavioral-data.
type BehavioralDataRequest struct {
	SessionID     string                   `json:"sessionId"`
	UserID        string                   `json:"userId"`
	KeystrokeData []features.WireKeystroke `json:"keystrokeData"`
	MouseData     []features.WirePointer   `json:"mouseData"`
}

// BehavioralDataResponse is the reply to POST /v1/behavioral-data.
type BehavioralDataResponse struct {
	Status       string  `json:"status"`
	SessionID    string  `json:"sessionId"`
	RiskScore    float64 `json:"riskScore"`
	Basis        string  `json:"basis"`
	ModelTrained bool    `json:"modelTrained"`
	Timestamp    string  `json:"timestamp"`
	Alert        string  `json:"alert,omitempty"`
}

// ReceiveBehavioralData handles POST /v1/behavioral-data
func (h *Handler) ReceiveBehavioralData(c *gin.Context) {
	var req BehavioralDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("sessionId", req.SessionID),
		validation.ValidID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	wire := features.WireBatch{KeystrokeData: req.KeystrokeData, MouseData: req.MouseData}
	data, err := wire.Decode()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_input",
			"message": err.Error(),
		})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := c.Request.Context()
	res, err := h.analyzer.AnalyzeRealTime(ctx, data.Keystrokes, data.Pointer, req.UserID)
	if errors.Is(err, features.ErrMalformedInput) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_input",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("analysis failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analysis_failed",
			"message": "Failed to analyze behavioral data",
		})
		return
	}

	now := time.Now().UTC()
	score := res.Score
	var alert *risk.Alert
	if h.risk != nil {
		_, alert = h.risk.Evaluate(ctx, risk.Input{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Score:     score,
			Basis:     string(res.Basis),
			Features:  res.Features.Map(),
			At:        now,
		})
	}

	if h.cache != nil {
		cached := &CachedSession{
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			Data:       wire,
			RiskScore:  score,
			ReceivedAt: now,
		}
		if err := h.cache.Put(ctx, cached, DefaultSessionTTL); err != nil {
			h.logger.Warn("failed to cache session", "session_id", req.SessionID, "error", err)
		}
	}
	if h.recorder != nil && !data.Empty() {
		h.recorder.Send(NewBatch(req.SessionID, req.UserID, data, now))
	}

	resp := BehavioralDataResponse{
		Status:       "success",
		SessionID:    req.SessionID,
		RiskScore:    score,
		Basis:        string(res.Basis),
		ModelTrained: res.ModelTrained,
		Timestamp:    now.Format(time.RFC3339Nano),
	}
	if alert != nil && alert.Level == risk.LevelHigh {
		resp.Alert = HighRiskAlert
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession handles GET /v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
		return
	}
	s, err := h.cache.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		h.logger.Error("failed to read session cache", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read session",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}
