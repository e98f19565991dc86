package server

import (
	"context"
	"net/http"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/Aidin1998/scriptforge/internal/hooks"
	"github.com/Aidin1998/scriptforge/internal/inference"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/pkg/logger"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// HookService is the hook library as the HTTP layer sees it.
type HookService interface {
	List(ctx context.Context, category string) ([]hooks.Hook, error)
	Categories(ctx context.Context) ([]hooks.CategoryCount, error)
	Create(ctx context.Context, h *hooks.Hook) error
}

// ScriptGenerator produces scripts from the inference backend.
type ScriptGenerator interface {
	Generate(ctx context.Context, req inference.GenerateRequest) (*inference.Script, error)
}

// Deps are the collaborators the router needs. Limiter, Cache and
// AdminTokenHash are optional.
type Deps struct {
	Limiter        *ratelimit.Limiter
	Resolver       *ratelimit.Resolver
	Hooks          HookService
	Scripts        ScriptGenerator
	Breakers       *resilience.Registry
	Cache          *cache.Store
	AdminTokenHash string
	CORSOrigins    []string
}

// Server represents the HTTP server
type Server struct {
	logger   *zap.Logger
	limiter  *ratelimit.Limiter
	resolver *ratelimit.Resolver
	hooks    HookService
	scripts  ScriptGenerator
	breakers *resilience.Registry
	cache    *cache.Store
	// bcrypt hash of the admin token; empty disables /admin.
	adminHash   []byte
	corsOrigins []string
}

// NewServer creates a new HTTP server
func NewServer(lg *zap.Logger, deps Deps) *Server {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = ratelimit.NewResolver("", lg)
	}
	return &Server{
		logger:      logger.OrNop(lg),
		limiter:     deps.Limiter,
		resolver:    resolver,
		hooks:       deps.Hooks,
		scripts:     deps.Scripts,
		breakers:    deps.Breakers,
		cache:       deps.Cache,
		adminHash:   []byte(deps.AdminTokenHash),
		corsOrigins: deps.CORSOrigins,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("scriptforge"))
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		hooksGroup := v1.Group("/hooks", s.limit(ratelimit.ActionHooksRead))
		{
			hooksGroup.GET("", s.handleListHooks)
			hooksGroup.GET("/categories", s.handleListCategories)
		}

		v1.POST("/scripts", s.limit(ratelimit.ActionScriptsGenerate), s.handleGenerateScript)

		admin := v1.Group("/admin", s.limit(ratelimit.ActionAdmin), s.adminMiddleware())
		{
			admin.POST("/hooks", s.handleCreateHook)
			admin.GET("/breakers", s.handleListBreakers)
			admin.POST("/breakers/:name/reset", s.handleResetBreaker)
			admin.POST("/cache/invalidate", s.handleInvalidateCache)
			admin.POST("/ratelimit/reset", s.handleResetRateLimit)
		}
	}

	return router
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	if len(s.corsOrigins) == 0 || (len(s.corsOrigins) == 1 && s.corsOrigins[0] == "*") {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = s.corsOrigins
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-Admin-Token")
	cfg.ExposeHeaders = []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}
	return cors.New(cfg)
}

// limit applies the rate limiter for action, or nothing when no limiter is
// configured.
func (s *Server) limit(action string) gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ratelimit.Middleware(s.limiter, s.resolver, action, func(c *gin.Context, _ ratelimit.Decision, err error) {
		s.writeError(c, err)
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	var snaps []resilience.Snapshot
	if s.breakers != nil {
		snaps = s.breakers.Snapshots()
		for _, snap := range snaps {
			if snap.State == resilience.StateOpen {
				status = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "breakers": snaps})
}
