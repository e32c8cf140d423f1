// Command ccapis-demo is a minimal binary exercising the ccapis core: it
// loads a credentials document, starts the hot-reload watcher and health
// registry, and exposes a tiny admin-authenticated HTTP surface for
// inspecting account health. It intentionally does not implement a full
// chat-completion proxy server — that belongs to a caller of this module.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/pkg/adminauth"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/pkg/ccapis"
)

type demoConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	CredentialsPath string `mapstructure:"credentials_path"`
	AdminSecret     string `mapstructure:"admin_secret"`
}

func loadConfig() (demoConfig, error) {
	v := viper.New()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8089)
	v.SetDefault("credentials_path", credentials.DefaultPath())
	v.SetEnvPrefix("CCAPIS_DEMO")
	_ = v.BindEnv("admin_secret")
	v.AutomaticEnv()

	var cfg demoConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return demoConfig{}, fmt.Errorf("unmarshal demo config: %w", err)
	}
	return cfg, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.AdminSecret == "" {
		log.Fatal().Msg("admin secret is required (set CCAPIS_DEMO_ADMIN_SECRET)")
	}

	core, err := ccapis.New(ccapis.Config{CredentialsPath: cfg.CredentialsPath})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ccapis core")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = core.Shutdown(shutdownCtx)
	}()

	issuer := adminauth.NewIssuer(cfg.AdminSecret, "ccapis-demo")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin := router.Group("/admin")
	admin.Use(adminAuthMiddleware(issuer))
	{
		admin.GET("/accounts/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"accounts": core.HealthSummary()})
		})
		admin.POST("/accounts/usage/refresh", func(c *gin.Context) {
			core.RefreshUsage(c.Request.Context())
			c.JSON(http.StatusAccepted, gin.H{"status": "refreshing"})
		})
		admin.POST("/credentials/reload", func(c *gin.Context) {
			core.Reload()
			c.JSON(http.StatusAccepted, gin.H{"status": "reloaded"})
		})
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting ccapis demo server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down ccapis demo server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
}

func adminAuthMiddleware(issuer *adminauth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := issuer.Validate(header[len(prefix):])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if c.Request.Method != http.MethodGet && !claims.CanOperate() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator scope required"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Int("status", c.Writer.Status()).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
