package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/mail-archiver/internal/auth"
	"github.com/jmehdipour/mail-archiver/internal/config"
	"github.com/jmehdipour/mail-archiver/internal/http/middleware"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/metrics"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, pgDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (Postgres)
	consumersRepo := repository.NewConsumersRepository(pgDB)
	mailRepo := repository.NewMailRepository(pgDB)
	dispatchesRepo := repository.NewDispatchesRepository(pgDB)

	// repos (ClickHouse)
	chDeliveriesRepo := repository.NewCHDeliveriesRepository(clickhouseDB)

	authMgr := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	locker := lock.NewPGLocker(pgDB)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.JWTMiddleware(authMgr, consumersRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:consumer:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	adminMW := middleware.AdminKeyMiddleware(cfg.Auth.AdminAPIKey)

	// consumer-facing routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.GET("/mail", listDueMailHandler(mailRepo, dispatchesRepo, cfg.HTTP.PullRedeliverAfter))
	v1.GET("/mail/:id", getMailHandler(mailRepo))
	v1.DELETE("/mail/:id", ackMailHandler(dispatchesRepo))
	v1.GET("/mail/:id/attachments/:number", getAttachmentHandler(mailRepo))
	v1.GET("/reports/deliveries", listDeliveriesHandler(chDeliveriesRepo))

	// admin routes (consumer lifecycle)
	admin := e.Group("/v1/consumers", adminMW)
	admin.POST("", createConsumerHandler(consumersRepo, authMgr))
	admin.GET("", listConsumersHandler(consumersRepo))
	admin.DELETE("/:id", deleteConsumerHandler(consumersRepo, dispatchesRepo, locker))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
