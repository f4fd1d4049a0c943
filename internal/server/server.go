package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/authorization"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	"github.com/smallbiznis/factora/internal/observability"
	obsmiddleware "github.com/smallbiznis/factora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	obstracing "github.com/smallbiznis/factora/internal/observability/tracing"
	"github.com/smallbiznis/factora/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the marketplace API. Domain modules are composed by the
// binary so that each app only wires what it needs.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

type EngineParams struct {
	fx.In

	ObsConfig   observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
	Log         *zap.Logger
}

func NewEngine(p EngineParams) *gin.Engine {
	obsCfg := p.ObsConfig
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(p.HTTPMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware(p.Log.Named("http.server")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	clock         clock.Clock
	userSvc       userdomain.Service
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	invoiceSvc    invoicedomain.Service
	settlementSvc settlementdomain.Service
	limiter       *ratelimit.EndpointLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	UserSvc       userdomain.Service
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	InvoiceSvc    invoicedomain.Service
	SettlementSvc settlementdomain.Service
	Limiter       *ratelimit.EndpointLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		clock:         p.Clock,
		userSvc:       p.UserSvc,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		invoiceSvc:    p.InvoiceSvc,
		settlementSvc: p.SettlementSvc,
		limiter:       p.Limiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.RegisterAuthRoutes()
	s.RegisterAPIRoutes()
	s.RegisterAdminRoutes()
	s.registerFallback()
}

func (s *Server) RegisterAuthRoutes() {
	auth := s.engine.Group("/auth")

	auth.POST("/register", s.Register)
	auth.POST("/login", s.LoginRateLimit(), s.Login)
	auth.GET("/me", s.AuthRequired(), s.Me)
	auth.PUT("/wallet", s.AuthRequired(), s.LinkWallet)
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoice)
	api.POST("/invoices/:id/submit", s.SubmitInvoice)
	api.POST("/invoices/:id/invest", s.InvestRateLimit(), s.Invest)
	api.GET("/invoices/:id/escrow", s.GetEscrowStatus)
	api.POST("/invoices/:id/confirm-payment", s.ConfirmPayment)

	api.GET("/investments", s.ListInvestments)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", s.AuthRequired(), RequireRole(userdomain.RoleAdmin))

	admin.GET("/invoices/pending", s.ListPendingInvoices)
	admin.POST("/invoices/:id/approve", s.ApproveInvoice)
	admin.POST("/invoices/:id/reject", s.RejectInvoice)
	admin.POST("/invoices/:id/default", s.MarkInvoiceDefault)
	admin.POST("/reconcile", s.RunReconcile)
	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: errorPayload{
			Type:    typeNotFound,
			Code:    "route_not_found",
			Message: "route not found",
		}})
	})
}
