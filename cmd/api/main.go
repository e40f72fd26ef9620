package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendance/internal/auth"
	"attendance/internal/config"
	"attendance/internal/geo"
	"attendance/internal/httpmiddleware"
	"attendance/internal/metrics"
	"attendance/internal/queue"
	"attendance/internal/session"
	"attendance/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	var db *store.DB
	if cfg.StoreBackend == "postgres" {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:audit")
	}

	var st session.Store
	var roster session.Roster
	if db != nil {
		repo := session.NewRepository(db.Client)
		st, roster = repo, repo
	} else {
		st = session.NewMemStore()
		roster = session.StaticRoster(cfg.RosterSeed)
		log.Println("using in-memory store; roster seeded from ROSTER_SEED")
	}

	svc := session.NewService(st, roster, cfg.SessionDuration, cfg.LateAfter)
	svc.SetAuditSink(func(evt session.AuditEvent) {
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := q.Publish(pubCtx, evt); err != nil {
			log.Printf("audit publish failed: %v", err)
		}
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev token issuance. In production the identity provider in front of
	// this service issues the tokens; this engine only consumes them.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=student faculty admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, exp, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())

	v1.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID        string     `json:"course_id" binding:"required"`
			StartTime       *time.Time `json:"start_time"`
			DurationMinutes int        `json:"duration_minutes"`
			Fence           struct {
				Lat     float64 `json:"lat"`
				Lon     float64 `json:"lon"`
				RadiusM float64 `json:"radius_m"`
			} `json:"fence" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var start time.Time
		if req.StartTime != nil {
			start = req.StartTime.UTC()
		}
		fence := geo.Fence{
			Center:  geo.Point{Lat: req.Fence.Lat, Lon: req.Fence.Lon},
			RadiusM: req.Fence.RadiusM,
		}
		sess, err := svc.Open(c.Request.Context(), actorFrom(c), req.CourseID, start,
			time.Duration(req.DurationMinutes)*time.Minute, fence)
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.Sessions.WithLabelValues("opened").Inc()
		c.JSON(http.StatusCreated, sess)
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	v1.POST("/sessions/:id/marks", func(c *gin.Context) {
		var req struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := svc.MarkSelf(c.Request.Context(), actorFrom(c), c.Param("id"),
			geo.Point{Lat: req.Lat, Lon: req.Lon})
		if err != nil {
			metrics.Marks.WithLabelValues(markOutcome(err)).Inc()
			writeError(c, err)
			return
		}
		metrics.Marks.WithLabelValues("ok").Inc()
		if rec.DistanceM != nil {
			metrics.MarkDistance.Observe(*rec.DistanceM)
		}
		c.JSON(http.StatusOK, rec)
	})

	v1.PUT("/sessions/:id/marks/:studentId", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required,oneof=present absent late"`
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := svc.Override(c.Request.Context(), actorFrom(c), c.Param("id"),
			c.Param("studentId"), session.Status(req.Status), req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.Overrides.Inc()
		c.JSON(http.StatusOK, rec)
	})

	v1.POST("/sessions/:id/close", func(c *gin.Context) {
		sess, err := svc.CloseEarly(c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.Sessions.WithLabelValues("closed").Inc()
		c.JSON(http.StatusOK, sess)
	})

	v1.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := svc.Cancel(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		metrics.Sessions.WithLabelValues("cancelled").Inc()
		c.Status(http.StatusNoContent)
	})

	v1.GET("/sessions/:id/report", func(c *gin.Context) {
		recs, err := svc.Report(c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	v1.GET("/courses/:id/sessions", func(c *gin.Context) {
		sessions, err := svc.ListByCourse(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func actorFrom(c *gin.Context) session.Actor {
	claims, _ := auth.FromContext(c)
	return session.Actor{ID: claims.Subject, Role: claims.Role}
}

// writeError maps the engine's business-rule failures onto HTTP statuses.
// Anything outside the taxonomy is an infrastructure error.
func writeError(c *gin.Context, err error) {
	var outside *session.OutsideGeofenceError
	switch {
	case errors.As(err, &outside):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "outside geofence",
			"distance_m": outside.DistanceM,
			"radius_m":   outside.RadiusM,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrSessionAlreadyClosed),
		errors.Is(err, session.ErrSessionNotOpen),
		errors.Is(err, session.ErrSessionNotScheduled),
		errors.Is(err, session.ErrAlreadyMarked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidWindow),
		errors.Is(err, session.ErrInvalidFence),
		errors.Is(err, session.ErrReasonRequired),
		errors.Is(err, geo.ErrInvalidCoordinate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func markOutcome(err error) string {
	var outside *session.OutsideGeofenceError
	switch {
	case errors.As(err, &outside):
		return "outside_fence"
	case errors.Is(err, session.ErrSessionClosed):
		return "closed"
	case errors.Is(err, session.ErrAlreadyMarked):
		return "already_marked"
	case errors.Is(err, session.ErrNotEnrolled):
		return "not_enrolled"
	default:
		return "error"
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
