package webhook

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propgate/propgate/pkg/logging"
	"github.com/propgate/propgate/pkg/pipeline"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/signal"
)

// Server exposes the intake and operator surface over HTTP. It is a thin
// layer over the pipeline: all enforcement lives server-side of it.
type Server struct {
	Router *gin.Engine
	pipe   *pipeline.Pipeline
}

func NewServer(pipe *pipeline.Pipeline) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	s := &Server{Router: r, pipe: pipe}
	s.routes()
	return s
}

// requestLogger stamps a request id on the context, honoring an
// X-Request-ID header when the caller supplies one, and emits one
// access line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithRequestID(c.Request.Context(), c.GetHeader("X-Request-ID"))
		log, ctx := logging.GetLogger(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", logging.RequestID(ctx))

		start := time.Now()
		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api/v1")
	{
		api.POST("/signals", s.receiveSignal)
		api.GET("/decisions", s.getDecision)

		api.POST("/accounts/:id/kill-switch", s.engageKillSwitch)
		api.POST("/accounts/:id/rearm", s.rearmKillSwitch)
		api.POST("/connectors/:name/reset", s.resetConnector)

		api.GET("/audit", s.exportAudit)
		api.GET("/audit/verify", s.verifyAudit)
	}
}

type signalRequest struct {
	AccountID  string          `json:"account_id" binding:"required"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol" binding:"required"`
	Side       string          `json:"side" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	Notional   decimal.Decimal `json:"notional"`
	Nonce      string          `json:"nonce" binding:"required"`
	IssuedAt   time.Time       `json:"issued_at"`
}

type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{Status: "ok"})
}

func (s *Server) receiveSignal(c *gin.Context) {
	var req signalRequest
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, envelope{Status: "error", Message: "unreadable body"})
		return
	}
	if err := binding.JSON.BindBody(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Status: "error", Message: "invalid payload"})
		return
	}

	in := &signal.Inbound{
		AccountID:  req.AccountID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       model.SignalSide(req.Side),
		Quantity:   req.Quantity,
		Notional:   req.Notional,
		Nonce:      req.Nonce,
		IssuedAt:   req.IssuedAt,
		Signature:  c.GetHeader("X-Signature"),
		Raw:        string(raw),
	}

	result := s.pipe.Submit(c.Request.Context(), in)
	if result.Status != pipeline.StatusApproved {
		log, _ := logging.GetLogger(c.Request.Context())
		log.Warn("signal refused",
			zap.String("account_id", req.AccountID),
			zap.String("kind", string(result.Kind)),
		)
	}
	c.JSON(statusFor(result), envelope{Status: string(result.Status), Data: result})
}

func statusFor(result *pipeline.SubmitResult) int {
	switch result.Status {
	case pipeline.StatusApproved:
		return http.StatusOK
	case pipeline.StatusRejected:
		return http.StatusOK
	default:
		switch result.Kind {
		case pipeline.KindAuthenticationFailure:
			return http.StatusUnauthorized
		case pipeline.KindSchemaValidation, pipeline.KindStaleSignal, pipeline.KindAccountUnknown:
			return http.StatusBadRequest
		case pipeline.KindRateLimited:
			return http.StatusTooManyRequests
		default:
			return http.StatusBadGateway
		}
	}
}

func (s *Server) getDecision(c *gin.Context) {
	signalID := c.Query("signal_id")
	accountID := c.Query("account_id")
	nonce := c.Query("nonce")

	var (
		decision *model.RiskDecision
		err      error
	)
	switch {
	case signalID != "":
		decision, err = s.pipe.DecisionBySignal(c.Request.Context(), signalID)
	case accountID != "" && nonce != "":
		decision, err = s.pipe.DecisionByNonce(c.Request.Context(), accountID, nonce)
	default:
		c.JSON(http.StatusBadRequest, envelope{Status: "error", Message: "signal_id or account_id+nonce required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, envelope{Status: "error", Message: "decision not found"})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: "ok", Data: decision})
}

type killSwitchRequest struct {
	Cause string `json:"cause"`
}

func (s *Server) engageKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	_ = c.ShouldBindJSON(&req)
	if req.Cause == "" {
		req.Cause = "operator command"
	}

	if err := s.pipe.EngageKillSwitch(c.Request.Context(), c.Param("id"), req.Cause); err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Status: "error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: "ok"})
}

func (s *Server) rearmKillSwitch(c *gin.Context) {
	if err := s.pipe.RearmKillSwitch(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Status: "error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: "ok"})
}

func (s *Server) resetConnector(c *gin.Context) {
	if err := s.pipe.ResetConnector(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, envelope{Status: "error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: "ok"})
}

func (s *Server) exportAudit(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{Status: "ok", Data: s.pipe.AuditRecords(c.Request.Context())})
}

func (s *Server) verifyAudit(c *gin.Context) {
	result, err := s.pipe.VerifyAudit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Status: "error", Message: err.Error()})
		return
	}
	code := http.StatusOK
	if !result.OK {
		code = http.StatusConflict
	}
	c.JSON(code, envelope{Status: "ok", Data: result})
}
