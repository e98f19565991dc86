package server

import (
	"net/http"
	"strings"

	"github.com/Aidin1998/scriptforge/internal/hooks"
	"github.com/Aidin1998/scriptforge/internal/inference"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	apperrors "github.com/Aidin1998/scriptforge/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// adminMiddleware checks X-Admin-Token against the configured bcrypt hash.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.adminHash) == 0 {
			s.writeError(c, apperrors.NewForbiddenError("admin API is disabled", c.Request.URL.Path))
			return
		}
		token := c.GetHeader("X-Admin-Token")
		if token == "" || bcrypt.CompareHashAndPassword(s.adminHash, []byte(token)) != nil {
			s.writeError(c, apperrors.NewUnauthorizedError("invalid admin token", c.Request.URL.Path))
			return
		}
		c.Next()
	}
}

// handleListHooks returns the hooks of one category.
func (s *Server) handleListHooks(c *gin.Context) {
	category := hooks.NormalizeCategory(c.Query("category"))
	if category == "" {
		s.writeError(c, apperrors.NewValidationError("query parameter category is required", c.Request.URL.Path))
		return
	}
	list, err := s.hooks.List(c.Request.Context(), category)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []hooks.Hook{}
	}
	c.JSON(http.StatusOK, gin.H{"category": category, "hooks": list})
}

func (s *Server) handleListCategories(c *gin.Context) {
	cats, err := s.hooks.Categories(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if cats == nil {
		cats = []hooks.CategoryCount{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

// handleGenerateScript calls the inference backend once. It never retries;
// a tripped circuit surfaces as 503 with Retry-After.
func (s *Server) handleGenerateScript(c *gin.Context) {
	var req inference.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.NewValidationError("malformed request body", c.Request.URL.Path))
		return
	}
	script, err := s.scripts.Generate(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, script)
}

func (s *Server) handleCreateHook(c *gin.Context) {
	var h hooks.Hook
	if err := c.ShouldBindJSON(&h); err != nil {
		s.writeError(c, apperrors.NewValidationError("malformed request body", c.Request.URL.Path))
		return
	}
	h.ID = ""
	if err := s.hooks.Create(c.Request.Context(), &h); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

func (s *Server) handleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshots()})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := s.breakers.Lookup(name)
	if !ok {
		s.writeError(c, apperrors.NewNotFoundError("no breaker named "+name, c.Request.URL.Path))
		return
	}
	b.Reset()
	s.logger.Warn("Breaker reset by operator", zap.String("breaker", name))
	c.JSON(http.StatusOK, b.Snapshot())
}

type invalidateRequest struct {
	Tag      string `json:"tag"`
	Category string `json:"category"`
}

// handleInvalidateCache drops every entry carrying tag, or every entry derived
// from category.
func (s *Server) handleInvalidateCache(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || (strings.TrimSpace(req.Tag) == "" && strings.TrimSpace(req.Category) == "") {
		s.writeError(c, apperrors.NewValidationError("one of tag or category is required", c.Request.URL.Path))
		return
	}
	if req.Category != "" {
		category := hooks.NormalizeCategory(req.Category)
		s.cache.InvalidateCategory(c.Request.Context(), category)
		c.JSON(http.StatusOK, gin.H{"invalidated_category": category})
		return
	}
	s.cache.InvalidateByTag(c.Request.Context(), req.Tag)
	c.JSON(http.StatusOK, gin.H{"invalidated_tag": req.Tag})
}

type resetRateLimitRequest struct {
	Kind   string `json:"kind" binding:"required,oneof=ip user"`
	Value  string `json:"value" binding:"required"`
	Action string `json:"action" binding:"required"`
	Tier   string `json:"tier" binding:"required,oneof=anonymous free pro"`
}

// handleResetRateLimit clears one counter so its next request starts a fresh
// window.
func (s *Server) handleResetRateLimit(c *gin.Context) {
	if s.limiter == nil {
		s.writeError(c, apperrors.NewNotFoundError("rate limiting is not enabled", c.Request.URL.Path))
		return
	}
	var req resetRateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.NewValidationError(err.Error(), c.Request.URL.Path))
		return
	}

	var (
		id  ratelimit.Identifier
		err error
	)
	if req.Kind == string(ratelimit.KindIP) {
		id, err = ratelimit.NewIPIdentifier(req.Value)
	} else {
		id, err = ratelimit.NewUserIdentifier(req.Value)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.limiter.Reset(c.Request.Context(), id, req.Action, ratelimit.Tier(req.Tier)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
