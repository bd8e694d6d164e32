package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainwatch/internal/alerting"
	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/logging"
	"github.com/mbd888/chainwatch/internal/metrics"
	"github.com/mbd888/chainwatch/internal/pagination"
	"github.com/mbd888/chainwatch/internal/risk"
	"github.com/mbd888/chainwatch/internal/security"
	"github.com/mbd888/chainwatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Detection engine handlers
// -----------------------------------------------------------------------------

// analyzeTransaction handles POST /v1/transactions/analyze
func (s *Server) analyzeTransaction(c *gin.Context) {
	var req struct {
		Transaction chain.Transaction   `json:"transaction" binding:"required"`
		Related     []chain.Transaction `json:"related,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := req.Transaction.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_transaction",
			"message": err.Error(),
		})
		return
	}

	assessment := s.engine.AnalyzeTransaction(c.Request.Context(), &req.Transaction, req.Related)
	c.JSON(http.StatusOK, assessment)
}

// calculateAddressRisk handles POST /v1/addresses/:address/risk
func (s *Server) calculateAddressRisk(c *gin.Context) {
	address := c.Param("address")

	var req struct {
		Transactions []chain.Transaction `json:"transactions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	assessment := s.engine.CalculateAddressRisk(c.Request.Context(), address, req.Transactions)
	c.JSON(http.StatusOK, assessment)
}

// listAssessments handles GET /v1/addresses/:address/assessments
func (s *Server) listAssessments(c *gin.Context) {
	address := chain.NormalizeAddress(c.Param("address"))
	limit := intQuery(c, "limit", 50)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}
	var before time.Time
	if cursor != nil {
		before = cursor.CreatedAt
	}

	// Fetch one extra row to know whether another page exists.
	assessments, err := s.riskStore.ListByAddress(c.Request.Context(), address, before, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list assessments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(assessments, limit, func(a *risk.Assessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"address":     address,
		"assessments": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     hasMore,
	})
}

// trainModels handles POST /v1/models/train
func (s *Server) trainModels(c *gin.Context) {
	var req struct {
		Transactions []chain.Transaction `json:"transactions" binding:"required"`
		Epochs       int                 `json:"epochs,omitempty"`
		LearningRate float64             `json:"learningRate,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	results := gin.H{}

	err := s.sequence.Train(req.Transactions, anomaly.TrainOptions{
		Epochs:       req.Epochs,
		LearningRate: req.LearningRate,
	})
	results["sequence"] = trainResult("sequence", err, s.sequence.Generation())

	err = s.outlier.Train(req.Transactions)
	results["outlier"] = trainResult("outlier", err, s.outlier.Generation())

	c.JSON(http.StatusOK, results)
}

func trainResult(model string, err error, generation uint64) gin.H {
	if err == nil {
		metrics.TrainingRunsTotal.WithLabelValues(model, "ok").Inc()
		return gin.H{"trained": true, "generation": generation}
	}
	res := gin.H{"trained": false, "error": err.Error()}
	if errors.Is(err, anomaly.ErrInsufficientData) {
		metrics.TrainingRunsTotal.WithLabelValues(model, "insufficient_data").Inc()
		res["reason"] = "insufficient_data"
	} else {
		metrics.TrainingRunsTotal.WithLabelValues(model, "error").Inc()
	}
	return res
}

// modelStatus handles GET /v1/models
func (s *Server) modelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sequence": gin.H{
			"trained":    s.sequence.Trained(),
			"generation": s.sequence.Generation(),
		},
		"outlier": gin.H{
			"trained":    s.outlier.Trained(),
			"generation": s.outlier.Generation(),
		},
	})
}

// detectAnomalies handles POST /v1/anomalies/detect
func (s *Server) detectAnomalies(c *gin.Context) {
	var req struct {
		Transactions []chain.Transaction `json:"transactions" binding:"required"`
		Threshold    float64             `json:"threshold,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = s.cfg.AnomalyThreshold
	}

	sequence, err := s.sequence.DetectAnomalies(req.Transactions, threshold)
	if err != nil && !errors.Is(err, anomaly.ErrNotTrained) {
		logging.L(c.Request.Context()).Error("sequence detection failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Detection failed",
		})
		return
	}
	sequenceTrained := err == nil

	outliers, err := s.outlier.DetectAnomalies(req.Transactions)
	if err != nil && !errors.Is(err, anomaly.ErrNotTrained) {
		logging.L(c.Request.Context()).Error("outlier detection failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Detection failed",
		})
		return
	}
	outlierTrained := err == nil

	findings := append(sequence, outliers...)
	c.JSON(http.StatusOK, gin.H{
		"findings": findings,
		"count":    len(findings),
		"models": gin.H{
			"sequence": sequenceTrained,
			"outlier":  outlierTrained,
		},
	})
}

// predictNext handles POST /v1/predictions/next
func (s *Server) predictNext(c *gin.Context) {
	var req struct {
		Window []float64 `json:"window" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	prediction, err := s.sequence.PredictNext(req.Window)
	switch {
	case errors.Is(err, anomaly.ErrNotTrained):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_trained",
			"message": "Sequence model has not been trained",
		})
		return
	case errors.Is(err, anomaly.ErrBadWindow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_window",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("prediction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Prediction failed",
		})
		return
	}

	c.JSON(http.StatusOK, prediction)
}

// -----------------------------------------------------------------------------
// Monitor & alert handlers
// -----------------------------------------------------------------------------

// createMonitor handles POST /v1/monitors
func (s *Server) createMonitor(c *gin.Context) {
	var req struct {
		UserID        int64    `json:"userId" binding:"required"`
		WalletAddress string   `json:"walletAddress" binding:"required"`
		Blockchain    string   `json:"blockchain" binding:"required"`
		Label         string   `json:"label,omitempty"`
		Threshold     *float64 `json:"threshold,omitempty"`
		AlertEnabled  *bool    `json:"alertEnabled,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "walletAddress must be a valid address (0x + 40 hex chars)",
		})
		return
	}

	enabled := true
	if req.AlertEnabled != nil {
		enabled = *req.AlertEnabled
	}

	monitor, err := s.alertStore.CreateMonitor(c.Request.Context(), alerting.WalletMonitor{
		UserID:        req.UserID,
		WalletAddress: req.WalletAddress,
		Blockchain:    req.Blockchain,
		Label:         validation.SanitizeString(req.Label, 200),
		Threshold:     req.Threshold,
		AlertEnabled:  enabled,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create monitor", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create monitor",
		})
		return
	}

	c.JSON(http.StatusCreated, monitor)
}

// listMonitors handles GET /v1/monitors
func (s *Server) listMonitors(c *gin.Context) {
	monitors, err := s.alertStore.Monitors(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list monitors", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list monitors",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"monitors": monitors,
		"count":    len(monitors),
	})
}

// createAlertConfig handles POST /v1/alert-configs
func (s *Server) createAlertConfig(c *gin.Context) {
	var req struct {
		UserID    int64    `json:"userId" binding:"required"`
		AlertType string   `json:"alertType" binding:"required"`
		Threshold *float64 `json:"threshold,omitempty"`
		Enabled   *bool    `json:"enabled,omitempty"`
		Channels  []string `json:"channels,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Channel entries carrying a URL are webhook targets; reject unsafe ones.
	for _, ch := range req.Channels {
		if !strings.Contains(ch, "://") {
			continue
		}
		if err := security.ValidateEndpointURL(ch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_channel",
				"message": err.Error(),
			})
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cfg, err := s.alertStore.CreateConfig(c.Request.Context(), alerting.AlertConfig{
		UserID:    req.UserID,
		AlertType: alerting.AlertType(req.AlertType),
		Threshold: req.Threshold,
		Enabled:   enabled,
		Channels:  req.Channels,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create alert config", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create alert config",
		})
		return
	}

	c.JSON(http.StatusCreated, cfg)
}

// listAlerts handles GET /v1/users/:userId/alerts
func (s *Server) listAlerts(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be an integer",
		})
		return
	}

	status := c.Query("status")
	limit := intQuery(c, "limit", 50)

	alerts, err := s.alertStore.AlertsForUser(c.Request.Context(), userID, status, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// updateAlertStatus handles PUT /v1/alerts/:alertId/status
func (s *Server) updateAlertStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	switch req.Status {
	case alerting.StatusNew, alerting.StatusRead, alerting.StatusResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of: new, read, resolved",
		})
		return
	}

	alert, err := s.alertStore.UpdateAlertStatus(c.Request.Context(), c.Param("alertId"), req.Status)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Alert not found",
		})
		return
	}

	c.JSON(http.StatusOK, alert)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
