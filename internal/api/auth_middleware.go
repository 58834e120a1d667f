package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	apperrors "github.com/nmos-node/core/internal/errors"
	"github.com/nmos-node/core/internal/nmosauth"
)

// claimsKey is the gin context key a successful bearer-token validation
// stores the validated Claims under, for handlers that need to inspect
// the granted scope beyond the read/write privilege already enforced.
const claimsKey = "nmos.claims"

// requireAuth builds a middleware enforcing that a request carries a
// valid bearer token with the given privilege ("read" or "write") on
// api (e.g. "query", "connection"). A nil validator disables
// authorization entirely, matching a node that advertises
// api_auth=false.
func requireAuth(validator *nmosauth.Validator, auth *nmosauth.Controller, apiName, privilege string) gin.HandlerFunc {
	if validator == nil {
		return func(c *gin.Context) {}
	}

	return func(c *gin.Context) {
		claims, result, err := validator.ValidateHeader(c.Request.Context(), c.GetHeader("Authorization"), apiName, privilege)

		switch result {
		case nmosauth.ResultSucceeded:
			c.Set(claimsKey, claims)
			c.Next()
		case nmosauth.ResultInsufficientScope:
			challenge(c, "insufficient_scope", fmt.Sprintf("token lacks %s privilege on %s", privilege, apiName))
			apperrors.AbortWithError(c, apperrors.InsufficientScope(privilege+":"+apiName))
		case nmosauth.ResultNoMatchingKeys:
			if auth != nil && claims != nil {
				// Escalates to the token-issuer helper: a key rotation may
				// not have been picked up yet by the periodic jwks poll.
				auth.RequestIssuerKeys(claims.Issuer)
			}
			challenge(c, "invalid_token", "no matching signing key for this token")
			apperrors.AbortWithError(c, apperrors.TokenInvalid("no matching signing key"))
		case nmosauth.ResultWithoutAuthentication:
			challenge(c, "invalid_request", "no bearer token presented")
			apperrors.AbortWithError(c, apperrors.Unauthorized("authorization required"))
		default:
			detail := "token failed validation"
			if err != nil {
				detail = err.Error()
			}
			challenge(c, "invalid_token", detail)
			apperrors.AbortWithError(c, apperrors.TokenInvalid(detail))
		}
	}
}

// challenge sets the WWW-Authenticate header RFC 6750 requires on every
// 401/403 response from a protected endpoint.
func challenge(c *gin.Context, errCode, description string) {
	c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer realm="nmos", error=%q, error_description=%q`, errCode, description))
}

func claimsFromContext(c *gin.Context) (*nmosauth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*nmosauth.Claims)
	return claims, ok
}
