package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/factora/internal/authorization"
	obscontext "github.com/smallbiznis/factora/internal/observability/context"
	"github.com/smallbiznis/factora/internal/ratelimit"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"go.uber.org/zap"
)

const (
	contextClaimsKey = "auth_claims"
	bearerPrefix     = "bearer "
)

// AuthRequired accepts a bearer access token and stores its claims on the
// request. The actor is also attached to the request context for audit and
// logging.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.userSvc.ParseToken(strings.TrimSpace(header[len(bearerPrefix):]))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextClaimsKey, claims)
		ctx := obscontext.WithActor(c.Request.Context(), string(claims.Role), claims.UserID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. It runs after
// AuthRequired.
func RequireRole(roles ...userdomain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		AbortWithError(c, authorization.ErrForbidden)
	}
}

func claimsFromContext(c *gin.Context) (*userdomain.Claims, bool) {
	value, ok := c.Get(contextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*userdomain.Claims)
	return claims, ok && claims != nil
}

func subjectFromClaims(claims *userdomain.Claims) authorization.Subject {
	return authorization.Subject{UserID: claims.UserID.String(), Role: claims.Role}
}

// authorize checks the caller against a policy. ownerID is zero for actions
// that do not target an owned resource.
func (s *Server) authorize(c *gin.Context, object, action string, ownerID snowflake.ID) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	resource := authorization.Resource{}
	if ownerID != 0 {
		resource.OwnerID = ownerID.String()
	}
	return s.authzSvc.Authorize(c.Request.Context(), subjectFromClaims(claims), object, action, resource)
}

// LoginRateLimit throttles credential attempts per client IP.
func (s *Server) LoginRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := s.limiter.AllowLogin(c.Request.Context(), c.ClientIP())
		s.applyDecision(c, "login", decision, err)
	}
}

// InvestRateLimit throttles investments per authenticated user.
func (s *Server) InvestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		decision, err := s.limiter.AllowInvest(c.Request.Context(), claims.UserID.String())
		s.applyDecision(c, "invest", decision, err)
	}
}

func (s *Server) applyDecision(c *gin.Context, endpoint string, decision ratelimit.Decision, err error) {
	if err != nil {
		s.log.Warn("rate limiter unavailable", zap.String("endpoint", endpoint), zap.Error(err))
	}
	if !decision.Allowed {
		seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		AbortWithError(c, ErrRateLimited)
		return
	}
	c.Next()
}
