// Package api wires the Resource Store, Query Engine, Subscription
// Fan-out and Activation Engine into the node's served HTTP surface:
// the Query API, the Connection API, and the authorization callback and
// JWKS endpoints, all mounted behind the teacher's gin middleware
// chain (request id, structured logging, security headers, recovery).
package api

import (
	"crypto/rsa"
	"time"

	"github.com/nmos-node/core/internal/activation"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/nmosauth"
	"github.com/nmos-node/core/internal/query"
	"github.com/nmos-node/core/internal/store"
	"github.com/nmos-node/core/internal/subscription"
)

// Deps is every dependency the served HTTP surface needs. cmd/node
// builds one of these at startup and passes it to NewRouter.
type Deps struct {
	Store *store.Store
	Hub   *subscription.Hub

	// ConnectionEngine drives IS-05 staged/active commits for the
	// Connection API; its WaitForActivation is the causality contract
	// an immediate-activation PATCH blocks on before responding.
	ConnectionEngine *activation.Engine

	// ActivationWaitMax bounds that block; a PATCH handler that hits the
	// deadline returns fatal_internal rather than hang the caller.
	ActivationWaitMax time.Duration

	QuerySettings query.Settings

	// APIVersions is every version this core serves, e.g. {v1.0, ...,
	// v1.3}; NewRouter mounts one route group per version.
	APIVersions []model.APIVersion

	// Validator validates bearer tokens on every protected endpoint.
	// Nil disables authorization entirely (a development node with
	// api_auth=false advertised in its DNS-SD TXT record).
	Validator *nmosauth.Validator

	// AuthController backs the authorization callback handler; nil
	// disables the x-authorization endpoints.
	AuthController *nmosauth.Controller

	// NodePublicKey is this node's own RSA public key, published at
	// the JWKS URI for authorization servers validating this node's
	// private_key_jwt client assertions.
	NodePublicKey *rsa.PublicKey

	GinMode string
}
