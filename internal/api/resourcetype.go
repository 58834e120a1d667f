package api

import "github.com/nmos-node/core/internal/model"

// queryableTypes lists every resource type the Query API's `GET /`
// index advertises and `GET /{type}s` accepts, keyed by its plural path
// segment.
var queryableTypes = map[string]model.ResourceType{
	"nodes":         model.TypeNode,
	"devices":       model.TypeDevice,
	"sources":       model.TypeSource,
	"flows":         model.TypeFlow,
	"senders":       model.TypeSender,
	"receivers":     model.TypeReceiver,
	"subscriptions": model.TypeSubscription,
}

// connectionResourceTypes maps the Connection API's {senders|receivers}
// path segment to the IS-04 resource type it governs.
var connectionResourceTypes = map[string]model.ResourceType{
	"senders":   model.TypeSender,
	"receivers": model.TypeReceiver,
}
