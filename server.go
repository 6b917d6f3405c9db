package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/middlewares"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"bitbucket.org/mmdatafocus/grants_backend/utils"
	"bitbucket.org/mmdatafocus/grants_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// RateLimiter is a fixed-window per-IP counter kept in Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("X-Correlation-Id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return cors.New(corsConfig)
}

func newRouter(engine *workflow.Engine, logger *logrus.Logger, extra ...gin.HandlerFunc) *gin.Engine {
	a := &api{engine: engine, logger: logger}

	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(corsMiddleware())
	r.Use(extra...)
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	government := middlewares.RequireRole(models.UserRoleGovernment)
	university := middlewares.RequireRole(models.UserRoleUniversity)
	grantee := middlewares.RequireRole(models.UserRoleGrantee)
	overseer := middlewares.RequireRole(models.UserRoleUniversity, models.UserRoleGovernment)
	anyone := middlewares.RequireRole()

	r.POST("/grants", government, a.createGrant)
	r.GET("/grants/:id", anyone, a.getGrant)
	r.GET("/grants/:id/spending-items", anyone, a.listSpendingItems)
	r.POST("/grants/:id/spending-items", middlewares.RequireRole(models.UserRoleGrantee, models.UserRoleUniversity), a.createSpendingItems)
	r.POST("/grants/:id/spending-items/import", middlewares.RequireRole(models.UserRoleGrantee, models.UserRoleUniversity), a.importSpendingItems)
	r.POST("/spending-items/:id/receipt", grantee, a.uploadReceipt(models.ItemTarget))

	r.POST("/spending-requests", grantee, a.createSpendingRequest)
	r.GET("/spending-requests/:id", anyone, a.getSpendingRequest)
	r.POST("/spending-requests/:id/decision", university, a.decideSpendingRequest)
	r.POST("/spending-requests/:id/receipt", grantee, a.uploadReceipt(models.RequestTarget))

	r.POST("/receipts/:id/verify", overseer, a.verifyReceipt)

	r.GET("/aml/requests/:id/flags", overseer, a.requestAMLFlags)
	r.GET("/aml/grants/:id/flags", overseer, a.grantAMLFlags)
	r.POST("/aml/check", overseer, a.checkAML)

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db := config.ConnectDatabaseWithRetry()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can hold DDL locks; run it as a separate job when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	config.ConnectRedisWithRetry(sigCtx)

	files, err := utils.NewFileStoreFromEnv(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Fatal(err.Error())
	}
	defer files.Close()

	store := repository.NewGormStore(db)
	cfg := config.LoadEngineConfig()

	writers := []workflow.AuditWriter{workflow.DBAuditWriter{Repo: store}}
	if topicName := config.AuditTopicName(); topicName != "" {
		if client, err := config.GetClient(sigCtx); err != nil {
			config.LogError(logger, "server", "main", "pubsub client", nil, err)
		} else if topic, err := config.CreateTopicIfNotExists(sigCtx, client, topicName); err != nil {
			config.LogError(logger, "server", "main", "pubsub topic", topicName, err)
		} else {
			defer topic.Stop()
			writers = append(writers, workflow.PubSubAuditWriter{Topic: topic})
		}
	}
	sink := workflow.NewAsyncAuditSink(logger, cfg.AuditQueueSize, cfg.AuditWorkers, writers...)

	engine := workflow.NewEngine(store, cfg, sink, files, logger)
	if lock := config.GetRedisLock(); lock != nil {
		engine.Locker = workflow.NewRedisGrantLocker(lock, logger)
	}

	var extra []gin.HandlerFunc
	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		if client := config.GetRedisDB(); client != nil {
			limit := int64(600)
			if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
					limit = n
				}
			}
			windowSec := int64(60)
			if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
					windowSec = n
				}
			}
			extra = append(extra, NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second).RateLimitMiddleware)
		} else {
			logger.WithFields(logrus.Fields{"field": "rate_limit"}).Warn("RATE_LIMIT_ENABLED=true but redis is unavailable; not limiting")
		}
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(engine, logger, extra...),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	log.Printf("grants backend listening on :%s", port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	// Requests are drained; flush what is left of the audit queue.
	if err := sink.Close(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "audit"}).Warn("audit queue not fully drained: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Fail open: Redis trouble should not take the API down.
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
