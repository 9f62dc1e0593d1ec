package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditmeter/internal/config"
	featuredomain "github.com/smallbiznis/creditmeter/internal/feature/domain"
	"github.com/smallbiznis/creditmeter/internal/notification"
	"github.com/smallbiznis/creditmeter/internal/observability"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/creditmeter/internal/settlement/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

func registerGin(obsCfg observability.Config, registry *prometheus.Registry) *gin.Engine {
	return NewEngine(obsCfg, prometheus.Gatherers{registry, prometheus.DefaultGatherer})
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
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
	db            *gorm.DB
	settlementSvc settlementdomain.Service
	walletSvc     walletdomain.Service
	featureSvc    featuredomain.Service
	pricingSvc    pricingdomain.Service
	balanceEvents *notification.Hub
	limiter       *ratelimit.SettlementLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	SettlementSvc settlementdomain.Service
	WalletSvc     walletdomain.Service
	FeatureSvc    featuredomain.Service
	PricingSvc    pricingdomain.Service
	BalanceEvents *notification.Hub            `optional:"true"`
	Limiter       *ratelimit.SettlementLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		settlementSvc: p.SettlementSvc,
		walletSvc:     p.WalletSvc,
		featureSvc:    p.FeatureSvc,
		pricingSvc:    p.PricingSvc,
		balanceEvents: p.BalanceEvents,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Settlement --------
	v1.POST("/features/:code/start", s.SettlementRateLimit(), s.StartFeature)
	v1.POST("/features/:code/end", s.SettlementRateLimit(), s.EndFeature)

	// -------- Wallets --------
	v1.GET("/wallets/:user_id", s.GetWallet)
	v1.GET("/wallets/:user_id/events", s.StreamBalanceEvents)
	v1.GET("/wallets/:user_id/transactions", s.ListTransactions)
	v1.POST("/wallets/:user_id/credits", s.AdminRequired(), s.AddCredits)
	v1.PUT("/wallets/:user_id/package", s.AdminRequired(), s.AssignPackage)

	// -------- Transactions --------
	v1.DELETE("/transactions/:id", s.AdminRequired(), s.DeleteTransaction)
	v1.POST("/transactions/:id/restore", s.AdminRequired(), s.RestoreTransaction)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	// -------- Pricing --------
	admin.PUT("/pricing/billing-price", s.SetBillingPrice)
	admin.PUT("/pricing/models/:model", s.UpsertModelPrice)
	admin.DELETE("/pricing/models/:model", s.DeleteModelPrice)
	admin.PUT("/pricing/profit-margins/:name", s.UpsertProfitMargin)
	admin.DELETE("/pricing/profit-margins/:name", s.DeleteProfitMargin)
	admin.POST("/pricing/invalidate", s.InvalidatePricing)

	// -------- Features --------
	admin.PUT("/features/:code", s.UpsertFeature)
	admin.POST("/packages", s.UpsertPackage)
	admin.PUT("/packages/:package_id/features/:code", s.AttachFeature)
	admin.DELETE("/packages/:package_id/features/:code", s.DetachFeature)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

func (s *Server) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded", "database": "unreachable"}
		}
	}
	c.JSON(status, body)
}
