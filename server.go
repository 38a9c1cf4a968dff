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
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/excel"
	"bitbucket.org/mmdatafocus/attendance_backend/mailer"
	"bitbucket.org/mmdatafocus/attendance_backend/middlewares"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/scheduler"
	"bitbucket.org/mmdatafocus/attendance_backend/telegram"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// app holds the wired components. Routes are registered before the database
// connects, so handlers dereference this atomically and 503 until wiring is
// done.
type app struct {
	Webhook *telegram.Handler
	Ledger  *models.Ledger
	Sched   *scheduler.Scheduler
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func webhookHandler(holder *atomic.Pointer[app], settings *config.Settings, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if settings.WebhookSecret != "" &&
			c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != settings.WebhookSecret {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		a := holder.Load()
		if a == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}

		var update telegram.Update
		if err := c.ShouldBindJSON(&update); err != nil {
			// Malformed payloads are acked so the Bot API does not redeliver them.
			logger.WithFields(logrus.Fields{"field": "webhook"}).Warn("malformed update: " + err.Error())
			c.Status(http.StatusOK)
			return
		}

		// Infrastructure failures return 5xx so the Bot API redelivers the
		// update; the ledger guards make redelivery safe.
		if err := a.Webhook.HandleUpdate(c.Request.Context(), &update); err != nil {
			config.LogError(logger, "server.go", "webhookHandler", "handle update", update.UpdateID, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	}
}

// presenceHandler is the ops mirror of the admin chat report.
func presenceHandler(holder *atomic.Pointer[app]) gin.HandlerFunc {
	type line struct {
		EmployeeId  int    `json:"employee_id"`
		DisplayName string `json:"display_name"`
		Kind        string `json:"kind"`
		Hours       int    `json:"hours"`
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := middlewares.RequireAdmin(ctx); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		a := holder.Load()
		if a == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}

		date, _ := a.Ledger.Today()
		employees, err := models.ActiveEmployees(ctx, models.EmployeeRoleEmployee)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		out := make([]line, 0, len(employees))
		for _, e := range employees {
			status, err := a.Ledger.DailyStatus(ctx, e, date)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			out = append(out, line{
				EmployeeId:  e.ID,
				DisplayName: e.DisplayName(),
				Kind:        string(status.Kind),
				Hours:       status.Hours,
			})
		}
		c.JSON(http.StatusOK, gin.H{"date": date.Format("2006-01-02"), "employees": out})
	}
}

// autoCloseHandler forces an auto-close run outside the scheduled time.
func autoCloseHandler(holder *atomic.Pointer[app]) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := middlewares.RequireAdmin(ctx); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		a := holder.Load()
		if a == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if err := a.Sched.AutoCloseDay(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "correlation_id": cid})
	}
}

// dispatchHandler mails the current workbook immediately, skipping the
// day-of-month rule.
func dispatchHandler(holder *atomic.Pointer[app], sink models.TimesheetSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := middlewares.RequireAdmin(ctx); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		a := holder.Load()
		if a == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		_, now := a.Ledger.Today()
		if err := sink.DispatchPeriodicArtifact(ctx, now); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	settings, err := config.GetSettings()
	if err != nil {
		fields := logrus.Fields{"field": "settings"}
		for field, tag := range utils.ProcessValidationErrors(err) {
			fields[field] = tag
		}
		logger.WithFields(fields).Panic(err.Error())
	}

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
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
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	var holder atomic.Pointer[app]
	book := excel.NewBook(settings, logger, mailer.New(settings))

	r.POST("/webhook", webhookHandler(&holder, settings, logger))
	// Ops tooling (admin session via "token" header).
	r.GET("/internal/ops/presence", presenceHandler(&holder))
	r.POST("/internal/ops/auto-close", autoCloseHandler(&holder))
	r.POST("/internal/ops/dispatch-timesheet", dispatchHandler(&holder, book))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Wire the attendance core.
	clock := models.SystemClock{}
	botClient := telegram.NewClient(settings.BotToken)
	ledger := models.NewLedger(db, logger, clock, models.GormSiteCatalog{}, book, settings.Location())

	botUsername := ""
	if username, err := botClient.GetMe(context.Background()); err != nil {
		// Invite deep links degrade to bare tokens; everything else still works.
		logger.WithFields(logrus.Fields{"field": "telegram"}).Warn("getMe failed: " + err.Error())
	} else {
		botUsername = username
	}

	webhook := &telegram.Handler{
		Logger:      logger,
		Clock:       clock,
		Settings:    settings,
		Ledger:      ledger,
		Directory:   models.GormDirectory{},
		Sites:       models.GormSiteCatalog{},
		Sender:      botClient,
		Actions:     telegram.RedisActionState{},
		BotUsername: botUsername,
	}
	sched := scheduler.New(logger, clock, settings, models.GormDirectory{}, ledger, botClient, book)
	holder.Store(&app{Webhook: webhook, Ledger: ledger, Sched: sched})

	// Start the reconciliation jobs.
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(schedCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("webhook listening on http://localhost:", port, "/webhook")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background jobs first so they don't start new work while we're draining.
	cancelSched()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP()

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
