package analyzer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/pagination"
	"github.com/mbd888/typeguard/internal/risk"
	"github.com/mbd888/typeguard/internal/validation"
)

// Handler provides HTTP endpoints for profiles and models.
type Handler struct {
	analyzer *Analyzer
	risk     *risk.Engine
	logger   *slog.Logger
}

// NewHandler creates a new analyzer handler. engine may be nil, in which case
// the assessment history endpoint returns an empty list.
func NewHandler(a *Analyzer, engine *risk.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{analyzer: a, risk: engine, logger: logger}
}

// RegisterRoutes sets up profile and model routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/profiles", h.CreateProfile)

	user := r.Group("/profiles/:userId", validation.IDParamMiddleware("userId"))
	user.GET("", h.GetProfile)
	user.POST("/feedback", h.SubmitFeedback)
	user.GET("/assessments", h.ListAssessments)

	r.POST("/models/train", h.TrainModel)
	r.POST("/models/save", h.SaveModels)
	r.GET("/models/status", h.ModelStatus)
}

// CreateProfileRequest is the body of POST /v1/profiles.
type CreateProfileRequest struct {
	UserID         string             `json:"userId"`
	BehavioralData features.WireBatch `json:"behavioralData"`
}

// FeedbackRequest is the body of POST /v1/profiles/:userId/feedback.
type FeedbackRequest struct {
	Feedback       string             `json:"feedback"`
	BehavioralData features.WireBatch `json:"behavioralData"`
}

// TrainRequest is the body of POST /v1/models/train.
type TrainRequest struct {
	Samples []TrainSample `json:"samples"`
}

// TrainSample is one population batch in a TrainRequest.
type TrainSample struct {
	UserID         string             `json:"userId"`
	BehavioralData features.WireBatch `json:"behavioralData"`
}

// ProfileSummary is the public view of a profile. Samples and model
// parameters stay server side.
type ProfileSummary struct {
	UserID        string    `json:"userId"`
	State         string    `json:"state"`
	SampleCount   int       `json:"sampleCount"`
	NegativeCount int       `json:"negativeCount"`
	Personalized  bool      `json:"personalized"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

func (h *Handler) summarize(userID string, sampleCount, negatives int, created, updated time.Time) ProfileSummary {
	state := "warming"
	personalized := sampleCount >= h.analyzer.MinProfileSamples()
	if personalized {
		state = "personalized"
	}
	return ProfileSummary{
		UserID:        userID,
		State:         state,
		SampleCount:   sampleCount,
		NegativeCount: negatives,
		Personalized:  personalized,
		CreatedAt:     created,
		LastUpdatedAt: updated,
	}
}

// CreateProfile handles POST /v1/profiles
func (h *Handler) CreateProfile(c *gin.Context) {
	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	data, err := req.BehavioralData.Decode()
	if err != nil {
		h.writeError(c, err)
		return
	}

	p, created, err := h.analyzer.CreateUserProfile(c.Request.Context(), req.UserID, data)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"profile": h.summarize(p.UserID, p.SampleCount, len(p.Negatives), p.CreatedAt, p.LastUpdatedAt),
		"created": created,
	})
}

// GetProfile handles GET /v1/profiles/:userId
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.analyzer.Profile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": h.summarize(p.UserID, p.SampleCount, len(p.Negatives), p.CreatedAt, p.LastUpdatedAt),
	})
}

// SubmitFeedback handles POST /v1/profiles/:userId/feedback
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	data, err := req.BehavioralData.Decode()
	if err != nil {
		h.writeError(c, err)
		return
	}

	userID := c.Param("userId")
	if err := h.analyzer.UpdateUserProfile(c.Request.Context(), userID, data, req.Feedback); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User profile updated"})
}

// ListAssessments handles GET /v1/profiles/:userId/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	userID := c.Param("userId")
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	page := &risk.Page{Assessments: []*risk.Assessment{}}
	if h.risk != nil {
		var err error
		page, err = h.risk.History(c.Request.Context(), userID, limit, c.Query("cursor"))
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		if err != nil {
			h.logger.Error("failed to list assessments", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to list assessments",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"assessments": page.Assessments,
		"count":       len(page.Assessments),
		"nextCursor":  page.NextCursor,
		"hasMore":     page.HasMore,
	})
}

// TrainModel handles POST /v1/models/train
func (h *Handler) TrainModel(c *gin.Context) {
	var req TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	samples := make([]PopulationSample, 0, len(req.Samples))
	for i, s := range req.Samples {
		data, err := s.BehavioralData.Decode()
		if err != nil {
			h.writeError(c, &TrainingError{Index: i, UserID: s.UserID, Err: err})
			return
		}
		samples = append(samples, PopulationSample{UserID: s.UserID, Data: data})
	}

	if err := h.analyzer.TrainGlobalModel(c.Request.Context(), samples); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.status(c))
}

// SaveModels handles POST /v1/models/save
func (h *Handler) SaveModels(c *gin.Context) {
	if err := h.analyzer.SaveModels(c.Request.Context()); err != nil {
		if errors.Is(err, ErrNoModelStore) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_model_store",
				"message": "Model persistence is not configured",
			})
			return
		}
		h.logger.Error("failed to save models", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "save_failed",
			"message": "Failed to save models",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Models saved"})
}

// ModelStatus handles GET /v1/models/status
func (h *Handler) ModelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status(c))
}

func (h *Handler) status(c *gin.Context) gin.H {
	resp := gin.H{
		"trained":           h.analyzer.IsTrained(),
		"minProfileSamples": h.analyzer.MinProfileSamples(),
		"featureCount":      int(features.NumFeatures),
	}
	if n, err := h.analyzer.ProfileCount(c.Request.Context()); err == nil {
		resp["profiles"] = n
	}
	if g := h.analyzer.Global(); g != nil {
		resp["global"] = gin.H{
			"kind":        g.Model.Kind(),
			"userCount":   g.UserCount,
			"sampleCount": g.SampleCount,
			"trainedAt":   g.TrainedAt,
		}
	}
	return resp
}

// writeError maps analyzer and validation errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var trainErr *TrainingError
	var valErr *features.ValidationError
	switch {
	case errors.As(err, &trainErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_training_sample",
			"message": trainErr.Error(),
			"index":   trainErr.Index,
		})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_input",
			"message": valErr.Error(),
		})
	case errors.Is(err, ErrInvalidFeedback):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_feedback",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoTrainingData):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "no_training_data",
			"message": "No usable training samples",
		})
	case errors.Is(err, ErrEmptyUserID):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "userId is required",
		})
	case errors.Is(err, ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User profile not found",
		})
	default:
		h.logger.Error("analyzer request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}
