package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/streampush/internal/auth"
	"github.com/danmuck/streampush/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrActionNotFound = errors.New("agent: action not found")

const adminShutdownTimeout = 5 * time.Second

// AdminRouter builds the admin HTTP surface: health, readiness, status,
// prometheus metrics and session actions.
func (a *Agent) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(a.cfg.AgentID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(a.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"service": a.cfg.AgentID,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		st := a.Status()
		code := http.StatusOK
		if !st.Connected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   st.Connected,
			"state":   st.State,
			"service": a.cfg.AgentID,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Status())
	})

	r.POST("/session/actions/:action", auth.RequireToken(a.adminValidator()), func(c *gin.Context) {
		action := c.Param("action")
		if err := a.SessionAction(action); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrActionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, ErrNotConnected):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action, "state": a.Status().State})
	})
	return r
}

func (a *Agent) adminValidator() auth.Validator {
	if a.cfg.AdminToken == "" {
		return nil
	}
	return auth.StaticToken{Token: a.cfg.AdminToken}
}

// SessionAction runs a named operation on the live session.
func (a *Agent) SessionAction(action string) error {
	s := a.Session()
	if s == nil {
		return ErrNotConnected
	}
	switch action {
	case "restart":
		return s.Restart()
	case "stop":
		s.Stop()
		return nil
	case "probe":
		return a.Probe()
	default:
		return ErrActionNotFound
	}
}

func (a *Agent) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("admin server shutdown")
		}
		<-errCh
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
