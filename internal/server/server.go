package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/credix/internal/config"
	"github.com/smallbiznis/credix/internal/creditledger"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
	"github.com/smallbiznis/credix/internal/observability"
	obsmiddleware "github.com/smallbiznis/credix/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/credix/internal/observability/metrics"
	obstracing "github.com/smallbiznis/credix/internal/observability/tracing"
	"github.com/smallbiznis/credix/internal/ratelimit"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	creditledger.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	genID         *snowflake.Node
	creditSvc     creditdomain.Service
	obsMetrics    *obsmetrics.Metrics
	deductLimiter *ratelimit.DeductLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	CreditSvc     creditdomain.Service
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
	DeductLimiter *ratelimit.DeductLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		creditSvc:     p.CreditSvc,
		obsMetrics:    p.ObsMetrics,
		deductLimiter: p.DeductLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired(scopeCreditsRead))

	api.GET("/credits", s.GetCreditStatus)
	api.GET("/credits/history", s.ListCreditHistory)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalAuthRequired())

	internal.POST("/credits/check", s.CheckCredits)
	internal.POST("/credits/deduct", s.DeductRateLimit(), s.DeductCredits)
}
