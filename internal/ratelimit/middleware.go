package ratelimit

import (
	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware for downstream handlers.
const (
	ContextSubject  = "ratelimit.subject"
	ContextDecision = "ratelimit.decision"
)

// RejectFunc renders a rejected request. err is never nil.
type RejectFunc func(c *gin.Context, d Decision, err error)

// Middleware admits the request only if Check allows it for action. Headers
// are written for both outcomes; rendering a rejection is left to reject.
func Middleware(l *Limiter, r *Resolver, action string, reject RejectFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := r.Resolve(c.Request, c.ClientIP())
		if err != nil {
			reject(c, Decision{}, err)
			c.Abort()
			return
		}

		d, err := l.Check(c.Request.Context(), sub.Identifier, action, sub.Tier)
		SetHeaders(c.Writer.Header(), d)
		if err != nil {
			reject(c, d, err)
			c.Abort()
			return
		}

		c.Set(ContextSubject, sub)
		c.Set(ContextDecision, d)
		c.Next()
	}
}

// SubjectFrom returns the subject resolved by Middleware.
func SubjectFrom(c *gin.Context) (Subject, bool) {
	v, ok := c.Get(ContextSubject)
	if !ok {
		return Subject{}, false
	}
	s, ok := v.(Subject)
	return s, ok
}
