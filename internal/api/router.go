package api

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/nmos-node/core/internal/errors"
	"github.com/nmos-node/core/internal/middleware"
	"github.com/nmos-node/core/internal/model"
)

// NewRouter assembles the node's served HTTP surface: one Query API and
// one Connection API route group per advertised API version, plus the
// non-versioned authorization callback and JWKS endpoints, all mounted
// behind the same middleware chain the teacher's own services run.
func NewRouter(deps Deps) *gin.Engine {
	if deps.GinMode != "" {
		gin.SetMode(deps.GinMode)
	}

	router := gin.New()

	limiter := middleware.NewRateLimiter(50, 100)
	validator := middleware.NewInputValidator()

	router.Use(middleware.RequestID())
	router.Use(apperrors.Recovery())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.GzipWithExclusions(middleware.DefaultCompression, []string{"/x-nmos/query", "/ws/"}))
	router.Use(middleware.DefaultSizeLimiter())
	router.Use(validator.Middleware())
	router.Use(limiter.Middleware())
	router.Use(apperrors.ErrorHandler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	for _, ver := range deps.APIVersions {
		mountQueryAPI(router, deps, ver)
		mountConnectionAPI(router, deps, ver)
	}

	auth := newAuthHandlers(deps)
	auth.registerRoutes(&router.RouterGroup)

	return router
}

func mountQueryAPI(router *gin.Engine, deps Deps, ver model.APIVersion) {
	group := router.Group("/x-nmos/query/" + ver.String())
	group.Use(requireAuth(deps.Validator, deps.AuthController, "query", "read"))

	h := &queryHandlers{deps: deps, ver: ver}
	h.registerRoutes(group)
}

func mountConnectionAPI(router *gin.Engine, deps Deps, ver model.APIVersion) {
	group := router.Group("/x-nmos/connection/" + ver.String())
	group.Use(requireAuth(deps.Validator, deps.AuthController, "connection", "read"))

	h := &connectionHandlers{deps: deps, ver: ver}
	h.registerRoutes(group)
}
