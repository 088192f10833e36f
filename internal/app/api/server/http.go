package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fatflowers/pointsledger/docs"
	"github.com/fatflowers/pointsledger/internal/app/api/handlers"
	mw "github.com/fatflowers/pointsledger/internal/app/api/middleware"
	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/app/service/payment"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/internal/app/service/statistics"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	cfgpkg "github.com/fatflowers/pointsledger/pkg/config"
	metrics "github.com/fatflowers/pointsledger/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Tracing only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Trace-Id")
		r.Use(cors.New(corsCfg))
	}
	return r
}

func registerRoutes(r *gin.Engine, log *zap.SugaredLogger, cfg *cfgpkg.Config,
	points *pointsvc.Service, sub *subsvc.Service, ledger *ledgerlog.Service,
	rec *expiry.Reconciler, proc *payment.Processor, stats *statistics.Service) {
	// Prometheus metrics
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	handlers.RegisterPointsRoutes(apiV1.Group("/points"), points, rec)
	handlers.RegisterSubscriptionRoutes(apiV1.Group("/subscription"), sub)
	handlers.RegisterPaymentWebhookRoutes(apiV1.Group("/payment"), cfg, proc, log)
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), points, sub, ledger, stats)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
