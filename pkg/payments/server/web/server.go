package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/dispatch"
	"github.com/code-payments/payments-engine/pkg/payments/engine"
	"github.com/code-payments/payments-engine/pkg/payments/notify/stream"
	"github.com/code-payments/payments-engine/pkg/rate"
)

const (
	maxWebhookBodySize = 1 << 20
	maxRequestBodySize = 64 << 10

	shutdownTimeout = 10 * time.Second
)

// Server exposes the engine over HTTP. Provider webhooks, invoice creation,
// estimates, invoice reads and the real-time event stream all live here.
type Server struct {
	log *logrus.Entry

	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	hub        *stream.Hub

	webhookLimiter rate.Limiter

	router *gin.Engine
}

// NewServer returns a new Server. hub may be nil to disable streaming, and
// webhookLimiter may be nil to disable inbound webhook rate limiting.
func NewServer(
	engine *engine.Engine,
	dispatcher *dispatch.Dispatcher,
	hub *stream.Hub,
	webhookLimiter rate.Limiter,
) *Server {
	if webhookLimiter == nil {
		webhookLimiter = &rate.NoLimiter{}
	}

	s := &Server{
		log:            logrus.StandardLogger().WithField("type", "server/web"),
		engine:         engine,
		dispatcher:     dispatcher,
		hub:            hub,
		webhookLimiter: webhookLimiter,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	_ = router.SetTrustedProxies(nil)

	router.GET("/healthz", s.healthz)

	v1 := router.Group("/v1")
	{
		v1.POST("/invoices", s.createInvoice)
		v1.GET("/invoices/:id", s.getInvoice)
		v1.GET("/estimate", s.getEstimate)
		v1.POST("/webhooks/:provider", s.webhookRateLimit(), s.receiveWebhook)
		v1.GET("/stream", s.streamEvents)
	}

	return router
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on address until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", address).Info("http server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.hub != nil {
		s.hub.Close()
	}

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return err
	}

	err = <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, NewGenericApiSuccessResponseBody())
}

func (s *Server) createInvoice(c *gin.Context) {
	statusCode, body := s.createInvoiceHandler(c)
	c.JSON(statusCode, body)
}

func (s *Server) createInvoiceHandler(c *gin.Context) (int, GenericApiResponseBody) {
	log := s.log.WithField("method", "createInvoice")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return http.StatusBadRequest, NewGenericApiFailureResponseBody(ReasonInvalidRequest, err)
	}

	p, err := invoice.ParseProvider(req.Provider)
	if err != nil {
		body := NewGenericApiFailureResponseBody(ReasonInvalidRequest, errors.New("provider is not supported"))
		body["field"] = "provider"
		return http.StatusBadRequest, body
	}

	log = log.WithFields(logrus.Fields{
		"provider": p.String(),
		"order":    req.OrderId,
	})

	result, err := s.engine.CreateInvoice(c.Request.Context(), &engine.PaymentRequest{
		OrderId:          req.OrderId,
		Amount:           req.Amount,
		SourceCurrency:   req.SourceCurrency,
		TargetCurrency:   req.TargetCurrency,
		Provider:         p,
		Description:      req.Description,
		CallbackMetadata: req.CallbackMetadata,
	})
	if err != nil {
		if _, ok := engine.IsValidationError(err); !ok {
			log.WithError(err).Info("failure creating invoice")
		}
		return errorToResponse(err)
	}

	record := result.Invoice

	body := NewGenericApiSuccessResponseBody()
	body["invoiceId"] = record.Id
	body["state"] = record.State.String()
	body["expiresAt"] = record.ExpiresAt
	body["created"] = result.Created
	if record.ProviderReferenceId != nil {
		body["providerReferenceId"] = *record.ProviderReferenceId
	}
	if record.CheckoutUrl != nil {
		body["redirectOrCheckoutUrl"] = *record.CheckoutUrl
	}
	if record.FailureReason != nil {
		body["failureReason"] = *record.FailureReason
	}

	if result.Created {
		return http.StatusCreated, body
	}
	return http.StatusOK, body
}

func (s *Server) getInvoice(c *gin.Context) {
	record, err := s.engine.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		if !errors.Is(err, invoice.ErrNotFound) {
			s.log.WithError(err).WithField("method", "getInvoice").Warn("failure getting invoice")
		}
		c.JSON(errorToResponse(err))
		return
	}

	body := NewGenericApiSuccessResponseBody()
	body["invoice"] = toInvoiceView(record)
	c.JSON(http.StatusOK, body)
}

func (s *Server) getEstimate(c *gin.Context) {
	p := invoice.ProviderUnknown
	if value := c.Query("provider"); len(value) > 0 {
		var err error
		p, err = invoice.ParseProvider(value)
		if err != nil {
			body := NewGenericApiFailureResponseBody(ReasonInvalidRequest, errors.New("provider is not supported"))
			body["field"] = "provider"
			c.JSON(http.StatusBadRequest, body)
			return
		}
	}

	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		body := NewGenericApiFailureResponseBody(ReasonInvalidRequest, errors.New("amount is not a decimal"))
		body["field"] = "amount"
		c.JSON(http.StatusBadRequest, body)
		return
	}

	estimate, err := s.engine.GetEstimate(c.Request.Context(), p, c.Query("from"), c.Query("to"), amount)
	if err != nil {
		if _, ok := engine.IsValidationError(err); !ok {
			s.log.WithError(err).WithField("method", "getEstimate").Info("failure getting estimate")
		}
		c.JSON(errorToResponse(err))
		return
	}

	c.JSON(http.StatusOK, toEstimateResponse(estimate))
}

func (s *Server) receiveWebhook(c *gin.Context) {
	providerName := strings.ToLower(c.Param("provider"))

	log := s.log.WithFields(logrus.Fields{
		"method":   "receiveWebhook",
		"provider": providerName,
	})

	rawBody, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusRequestEntityTooLarge, NewGenericApiFailureResponseBody(ReasonPayloadTooLarge, nil))
			return
		}
		c.JSON(http.StatusBadRequest, NewGenericApiFailureResponseBody(ReasonMalformedPayload, err))
		return
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), providerName, rawBody, c.Request.Header)
	if err != nil {
		statusCode, body := errorToResponse(err)
		if statusCode >= http.StatusInternalServerError {
			log.WithError(err).Warn("failure handling webhook")
		}
		c.JSON(statusCode, body)
		return
	}

	body := NewGenericApiSuccessResponseBody()
	body["eventId"] = result.EventId
	body["orphan"] = result.Orphan
	if result.Apply != nil {
		body["duplicate"] = result.Apply.Duplicate
		body["outcome"] = result.Apply.Outcome.String()
		body["state"] = result.Apply.Invoice.State.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) streamEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, NewGenericApiFailureResponseBody(ReasonStreamingNotSupported, nil))
		return
	}
	s.hub.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) webhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := s.webhookLimiter.Allow(c.ClientIP())
		if err != nil {
			s.log.WithError(err).Warn("failure evaluating rate limit")
		} else if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, NewGenericApiFailureResponseBody(ReasonRateLimited, nil))
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.WithFields(logrus.Fields{
			"http_method": c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"latency":     time.Since(start),
			"client":      c.ClientIP(),
		}).Debug("request handled")
	}
}
