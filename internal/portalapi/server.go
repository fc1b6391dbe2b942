// Package portalapi serves the admin endpoints the portal calls to preview and
// trigger reconciliation and to block or unblock devices.
package portalapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/internal/bootstrap"
	"github.com/MarkoPoloResearchLab/devicelink/internal/config"
	"github.com/MarkoPoloResearchLab/devicelink/internal/reporting"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/macaddr"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

var errRunInProgress = errors.New("reconciliation already in progress")

// Reconciliations runs one reconciliation for month.
type Reconciliations interface {
	Reconcile(ctx context.Context, month devicelink.BillingMonth, dryRun bool) (devicelink.RunReport, error)
}

// ClientAdmin blocks and unblocks devices on the controller.
type ClientAdmin interface {
	BlockClient(ctx context.Context, mac string) error
	UnblockClient(ctx context.Context, mac string) error
}

// Run boots the HTTP surface using the supplied configuration.
func Run(ctx context.Context, cfg config.Config) error {
	logger, err := reporting.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHTTPHandler(logger, cfg, &serviceReconciliations{
		services: services,
		cfg:      cfg,
		logger: reporting.FanOut{
			reporting.NewZapLogger(logger),
			services.Recorder,
		},
	}, services.Client, services.Now)

	router := setupRouter(cfg, handler, sessionValidator)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("portalapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type serviceReconciliations struct {
	services *bootstrap.Services
	cfg      config.Config
	logger   devicelink.OperationLogger
}

func (reconciliations *serviceReconciliations) Reconcile(ctx context.Context, month devicelink.BillingMonth, dryRun bool) (devicelink.RunReport, error) {
	reconciler, err := reconciliations.services.NewReconciler(reconciliations.cfg, reconciliations.logger, dryRun)
	if err != nil {
		return devicelink.RunReport{}, err
	}
	return reconciler.Run(ctx, month)
}

func setupRouter(cfg config.Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(requireRole(cfg.AdminRoles))

	api.GET("/session", handler.handleSession)
	api.GET("/reconciliations/preview", handler.handlePreview)
	api.POST("/reconciliations", handler.handleReconcile)
	api.POST("/clients/:mac/block", handler.handleBlock)
	api.POST("/clients/:mac/unblock", handler.handleUnblock)

	return router
}

type httpHandler struct {
	logger          *zap.Logger
	cfg             config.Config
	reconciliations Reconciliations
	clients         ClientAdmin
	now             func() time.Time
	liveRun         sync.Mutex
}

func newHTTPHandler(logger *zap.Logger, cfg config.Config, reconciliations Reconciliations, clients ClientAdmin, now func() time.Time) *httpHandler {
	return &httpHandler{
		logger:          logger,
		cfg:             cfg,
		reconciliations: reconciliations,
		clients:         clients,
		now:             now,
	}
}

func requireRole(allowed []string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, role := range claims.GetUserRoles() {
			if slices.Contains(allowed, role) {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "administrator role required"))
	}
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handlePreview(ctx *gin.Context) {
	month, ok := handler.parseMonth(ctx, ctx.Query("month"))
	if !ok {
		return
	}
	handler.respondWithRun(ctx, month, true)
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	var request reconcileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	month, ok := handler.parseMonth(ctx, request.Month)
	if !ok {
		return
	}
	if !handler.liveRun.TryLock() {
		ctx.JSON(http.StatusConflict, errorResponse("run_in_progress", errRunInProgress.Error()))
		return
	}
	defer handler.liveRun.Unlock()
	handler.respondWithRun(ctx, month, false)
}

func (handler *httpHandler) respondWithRun(ctx *gin.Context, month devicelink.BillingMonth, dryRun bool) {
	runCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RunTimeout)
	defer cancel()
	report, err := handler.reconciliations.Reconcile(runCtx, month, dryRun)
	if err != nil {
		if errors.Is(err, controller.ErrControllerUnavailable) {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  errorBody("controller_unavailable", "controller unavailable, retry next cycle"),
				"report": report,
			})
			return
		}
		handler.logger.Error("reconciliation failed", zap.String("month", month.ISOKey()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":  errorBody("reconcile_error", "reconciliation failed"),
			"report": report,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (handler *httpHandler) handleBlock(ctx *gin.Context) {
	handler.changeClient(ctx, "block", handler.clients.BlockClient)
}

func (handler *httpHandler) handleUnblock(ctx *gin.Context) {
	handler.changeClient(ctx, "unblock", handler.clients.UnblockClient)
}

func (handler *httpHandler) changeClient(ctx *gin.Context, action string, apply func(context.Context, string) error) {
	address, err := macaddr.Parse(ctx.Param("mac"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_mac", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RunTimeout)
	defer cancel()
	if err := apply(requestCtx, address.String()); err != nil {
		handler.logger.Error("client "+action+" failed", zap.String("mac", address.String()), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, controller.ErrControllerUnavailable) {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, errorResponse("controller_error", action+" failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"mac": address.String(), "action": action, "status": "ok"})
}

func (handler *httpHandler) parseMonth(ctx *gin.Context, raw string) (devicelink.BillingMonth, bool) {
	if raw == "" {
		return devicelink.MonthOf(handler.now()), true
	}
	month, err := devicelink.ParseBillingMonth(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_month", err.Error()))
		return devicelink.BillingMonth{}, false
	}
	return month, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": errorBody(code, message)}
}

func errorBody(code string, message string) gin.H {
	return gin.H{
		"code":    code,
		"message": message,
	}
}

type reconcileRequest struct {
	Month string `json:"month"`
}
