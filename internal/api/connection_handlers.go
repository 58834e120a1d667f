package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nmos-node/core/internal/activation"
	apperrors "github.com/nmos-node/core/internal/errors"
	"github.com/nmos-node/core/internal/model"
)

// connectionHandlers implements the IS-05 Connection API: the
// staged/active/constraints legs of the connection domain (senders and
// receivers share this handler set). The channel-mapping domain has no
// handler set of its own; NewRouter mounts only this one.
type connectionHandlers struct {
	deps Deps
	ver  model.APIVersion
}

func (h *connectionHandlers) registerRoutes(group *gin.RouterGroup) {
	requireWrite := requireAuth(h.deps.Validator, h.deps.AuthController, "connection", "write")

	group.GET("/single/:role/:id/staged", h.getStaged)
	group.PATCH("/single/:role/:id/staged", requireWrite, h.patchStaged)
	group.GET("/single/:role/:id/active", h.getActive)
	group.GET("/single/:role/:id/constraints", h.getConstraints)
	group.GET("/single/senders/:id/transportfile", h.transportFile)
	group.GET("/single/:role/:id/transporttype", h.transportType)
	group.POST("/bulk/:role", requireWrite, h.bulk)
}

func (h *connectionHandlers) getStaged(c *gin.Context) {
	data, _, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, endpointDocument(data.Staged))
}

func (h *connectionHandlers) getActive(c *gin.Context) {
	data, _, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, endpointDocument(data.Active))
}

func (h *connectionHandlers) getConstraints(c *gin.Context) {
	data, _, ok := h.load(c)
	if !ok {
		return
	}
	if data.Constraints == nil {
		data.Constraints = []activation.TransportParams{}
	}
	c.JSON(http.StatusOK, data.Constraints)
}

// patchStaged applies a partial update to the staged leg. An
// activate_immediate request blocks on the engine's causality contract
// before responding so the caller observes the committed active state;
// a scheduled activation while one is already pending is a
// locked_conflict, surfaced as 423.
func (h *connectionHandlers) patchStaged(c *gin.Context) {
	connID, ok := h.connectionID(c)
	if !ok {
		return
	}

	var patch stagedPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		apperrors.AbortWithError(c, apperrors.ValidationFailed(err.Error()))
		return
	}

	r, found := h.deps.Store.Find(connID, "")
	if !found {
		apperrors.AbortWithError(c, apperrors.NotFound("connection resource"))
		return
	}
	data, ok := decodeConnectionData(r)
	if !ok {
		apperrors.AbortWithError(c, apperrors.InternalServer("connection resource has malformed data"))
		return
	}

	// Cancellation (an explicit mode:null patch) is let through even over
	// a pending activation; any other patch is rejected while one is
	// outstanding rather than silently pre-empting it.
	cancelling := patch.Activation != nil && patch.Activation.Mode == activation.ModeNone
	if isActivationPending(data.Staged.Activation) && !cancelling {
		if data.Staged.Activation.Mode != activation.ModeImmediate {
			apperrors.AbortWithError(c, apperrors.Locked(connID))
			return
		}
		if h.deps.ConnectionEngine != nil {
			// An immediate activation is already in flight: bounded-wait
			// for it to settle before applying the new patch on top.
			ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout())
			err := h.deps.ConnectionEngine.WaitForActivation(ctx, connID)
			cancel()
			if err != nil {
				apperrors.AbortWithError(c, apperrors.InternalServer("prior activation did not settle in time"))
				return
			}
		}
	}

	immediate := patch.Activation != nil && patch.Activation.Mode == activation.ModeImmediate

	err := h.deps.Store.Modify(connID, func(res *model.Resource) {
		cur, ok := decodeConnectionData(res)
		if !ok {
			return
		}
		applyStagedPatch(&cur.Staged, patch)
		deriveActivationTime(&cur.Staged.Activation)
		res.Data, _ = json.Marshal(cur)
	})
	if err != nil {
		apperrors.AbortWithError(c, apperrors.StoreError(err))
		return
	}

	if immediate && h.deps.ConnectionEngine != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout())
		defer cancel()
		if err := h.deps.ConnectionEngine.WaitForActivation(ctx, connID); err != nil {
			apperrors.AbortWithError(c, apperrors.InternalServer("activation did not commit in time"))
			return
		}
	}

	r, _ = h.deps.Store.Find(connID, "")
	data, _ = decodeConnectionData(r)
	response := data.Staged

	if immediate {
		// The in-flight "lock" (mode + activation_time on the staged
		// endpoint) is released only now, having already been read back
		// for this response; a concurrent GET or PATCH against this
		// resource must keep seeing it locked until this point.
		_ = h.deps.Store.Modify(connID, func(res *model.Resource) {
			cur, ok := decodeConnectionData(res)
			if !ok {
				return
			}
			if cur.Staged.Activation.Mode == activation.ModeImmediate && cur.Staged.Activation.ActivationTime != nil {
				cur.Staged.Activation = activation.Activation{}
				res.Data, _ = json.Marshal(cur)
			}
		})
	}

	c.JSON(http.StatusOK, endpointDocument(response))
}

// isActivationPending reports whether a staged endpoint's activation
// still holds the per-resource lock: an immediate activation that
// hasn't committed yet, or a scheduled activation armed for a time still
// in the future. A scheduled activation whose time has passed is never
// pending by the time a client can observe it, since the engine clears
// the staged activation back to none in the same commit that sets it.
func isActivationPending(act activation.Activation) bool {
	switch act.Mode {
	case activation.ModeImmediate:
		return act.ActivationTime == nil
	case activation.ModeScheduledAbsolute, activation.ModeScheduledRelative:
		when, ok := activation.ParseActivationTime(act.ActivationTime)
		return ok && when.After(time.Now())
	default:
		return false
	}
}

func (h *connectionHandlers) waitTimeout() time.Duration {
	if h.deps.ActivationWaitMax > 0 {
		return h.deps.ActivationWaitMax
	}
	return 5 * time.Second
}

// transportFile renders the SDP file describing a sender's active RTP
// transport parameters, the form IS-05 clients pass straight to their
// decoder's transportfile import.
func (h *connectionHandlers) transportFile(c *gin.Context) {
	ioID := c.Param("id")
	data, _, ok := h.loadByIOID(c, model.TypeSender, ioID)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/sdp", []byte(renderSDP(ioID, data.Active)))
}

func (h *connectionHandlers) transportType(c *gin.Context) {
	role := c.Param("role")
	resourceType, ok := connectionResourceTypes[role]
	if !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(role))
		return
	}
	r, ok := h.deps.Store.Find(c.Param("id"), resourceType)
	if !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(role))
		return
	}
	var io struct {
		Transport string `json:"transport"`
	}
	_ = json.Unmarshal(r.Data, &io)
	if io.Transport == "" {
		io.Transport = "urn:x-nmos:transport:rtp"
	}
	c.JSON(http.StatusOK, io.Transport)
}

// bulk applies the same staged patch to many ids in one request,
// reporting a per-id result rather than failing the whole batch for one
// bad entry.
func (h *connectionHandlers) bulk(c *gin.Context) {
	role := c.Param("role")
	if _, ok := connectionResourceTypes[role]; !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(role))
		return
	}

	var entries []struct {
		ID     string      `json:"id"`
		Params stagedPatch `json:"params"`
	}
	if err := c.ShouldBindJSON(&entries); err != nil {
		apperrors.AbortWithError(c, apperrors.ValidationFailed(err.Error()))
		return
	}

	results := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		connID := activation.ConnectionResourceID(entry.ID)
		err := h.deps.Store.Modify(connID, func(res *model.Resource) {
			cur, ok := decodeConnectionData(res)
			if !ok {
				return
			}
			applyStagedPatch(&cur.Staged, entry.Params)
			res.Data, _ = json.Marshal(cur)
		})
		result := map[string]any{"id": entry.ID}
		if err != nil {
			result["code"] = http.StatusNotFound
			result["error"] = err.Error()
		} else {
			result["code"] = http.StatusOK
		}
		results = append(results, result)
	}
	c.JSON(http.StatusOK, results)
}

// load resolves the connection-resource id from the request's role/id
// path params and decodes its ConnectionData, writing an error response
// and returning ok=false on any failure.
func (h *connectionHandlers) load(c *gin.Context) (activation.ConnectionData, string, bool) {
	connID, ok := h.connectionID(c)
	if !ok {
		return activation.ConnectionData{}, "", false
	}
	r, found := h.deps.Store.Find(connID, "")
	if !found {
		apperrors.AbortWithError(c, apperrors.NotFound("connection resource"))
		return activation.ConnectionData{}, "", false
	}
	data, ok := decodeConnectionData(r)
	if !ok {
		apperrors.AbortWithError(c, apperrors.InternalServer("connection resource has malformed data"))
		return activation.ConnectionData{}, "", false
	}
	return data, connID, true
}

func (h *connectionHandlers) loadByIOID(c *gin.Context, resourceType model.ResourceType, ioID string) (activation.ConnectionData, string, bool) {
	connID := activation.ConnectionResourceID(ioID)
	r, found := h.deps.Store.Find(connID, "")
	if !found {
		apperrors.AbortWithError(c, apperrors.NotFound(string(resourceType)))
		return activation.ConnectionData{}, "", false
	}
	data, ok := decodeConnectionData(r)
	if !ok {
		apperrors.AbortWithError(c, apperrors.InternalServer("connection resource has malformed data"))
		return activation.ConnectionData{}, "", false
	}
	return data, connID, true
}

func (h *connectionHandlers) connectionID(c *gin.Context) (string, bool) {
	role := c.Param("role")
	if _, ok := connectionResourceTypes[role]; !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(role))
		return "", false
	}
	return activation.ConnectionResourceID(c.Param("id")), true
}

// stagedPatch is the subset of a staged endpoint a client's PATCH body
// may touch; unset fields (nil) are left untouched by applyStagedPatch.
type stagedPatch struct {
	Activation      *activation.Activation       `json:"activation,omitempty"`
	TransportParams []activation.TransportParams `json:"transport_params,omitempty"`
	ReceiverID      *string                      `json:"receiver_id,omitempty"`
	SenderID        *string                      `json:"sender_id,omitempty"`
}

func applyStagedPatch(e *activation.Endpoint, patch stagedPatch) {
	if patch.Activation != nil {
		e.Activation = *patch.Activation
	}
	if patch.TransportParams != nil {
		e.TransportParams = patch.TransportParams
	}
	if patch.ReceiverID != nil {
		e.ReceiverID = patch.ReceiverID
	}
	if patch.SenderID != nil {
		e.SenderID = patch.SenderID
	}
}

// deriveActivationTime computes activation_time for a freshly staged
// activation request, per mode: activate_immediate stamps requested_time
// with now and leaves activation_time unset until the engine commits;
// activate_scheduled_absolute takes requested_time as the activation
// time verbatim; activate_scheduled_relative adds requested_time, itself
// a TAI sec:nsec offset, to now. Both times are TAI sec:nsec strings,
// matching the Resource Store's own Created/Updated wire form.
func deriveActivationTime(act *activation.Activation) {
	switch act.Mode {
	case activation.ModeImmediate:
		now := model.Now().String()
		act.RequestedTime = &now
		act.ActivationTime = nil
	case activation.ModeScheduledAbsolute:
		if act.RequestedTime != nil {
			when := *act.RequestedTime
			act.ActivationTime = &when
		}
	case activation.ModeScheduledRelative:
		if act.RequestedTime != nil {
			offset, err := model.ParseTimestamp(*act.RequestedTime)
			if err == nil {
				dur := time.Duration(offset.Sec)*time.Second + time.Duration(offset.Nsec)*time.Nanosecond
				when := model.TimestampFromTime(time.Now().Add(dur)).String()
				act.ActivationTime = &when
			}
		}
	}
}

func decodeConnectionData(r *model.Resource) (activation.ConnectionData, bool) {
	var data activation.ConnectionData
	if len(r.Data) == 0 {
		return data, false
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return data, false
	}
	return data, true
}

func endpointDocument(e activation.Endpoint) map[string]any {
	doc := map[string]any{
		"activation": map[string]any{
			"mode":            e.Activation.Mode,
			"requested_time":  e.Activation.RequestedTime,
			"activation_time": e.Activation.ActivationTime,
		},
		"transport_params": e.TransportParams,
	}
	if e.ReceiverID != nil {
		doc["receiver_id"] = *e.ReceiverID
	} else {
		doc["receiver_id"] = nil
	}
	if e.SenderID != nil {
		doc["sender_id"] = *e.SenderID
	} else {
		doc["sender_id"] = nil
	}
	return doc
}

// renderSDP builds a minimal, valid SDP description of an active RTP
// sender, enough for a receiving device to pick up media and payload
// type; it carries no codec-specific fmtp beyond what the active
// transport params already resolved.
func renderSDP(senderID string, active activation.Endpoint) string {
	sess := "v=0\r\n" +
		"o=- 0 0 IN IP4 0.0.0.0\r\n" +
		"s=" + senderID + "\r\n" +
		"t=0 0\r\n"
	for _, leg := range active.TransportParams {
		dest := rawString(leg["destination_ip"])
		port := rawString(leg["destination_port"])
		if dest == "" {
			dest = "0.0.0.0"
		}
		if port == "" {
			port = "5004"
		}
		sess += "m=video " + port + " RTP/AVP 96\r\n" +
			"c=IN IP4 " + dest + "\r\n"
	}
	return sess
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
