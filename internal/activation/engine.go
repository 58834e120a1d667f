package activation

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

// Engine watches one resource domain (connection senders+receivers, or
// channel-mapping outputs) for staged activations ready to commit.
type Engine struct {
	store          *store.Store
	senderType     model.ResourceType
	receiverType   model.ResourceType
	ioSenderType   model.ResourceType // the matching IS-04 resource type
	ioReceiverType model.ResourceType
	resolver       Resolver
	log            *zerolog.Logger

	pollInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config parameterizes an Engine for one resource domain. The
// connection domain passes TypeConnectionSender/Receiver paired with
// TypeSender/Receiver; the channel-mapping domain reuses the same
// machinery with its own resource types and a no-op RTP resolver.
type Config struct {
	StagedSenderType   model.ResourceType
	StagedReceiverType model.ResourceType
	IOSenderType       model.ResourceType
	IOReceiverType     model.ResourceType
	Resolver           Resolver
	PollInterval       time.Duration
}

// New creates an Engine for one domain.
func New(s *store.Store, cfg Config) *Engine {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Engine{
		store:          s,
		senderType:     cfg.StagedSenderType,
		receiverType:   cfg.StagedReceiverType,
		ioSenderType:   cfg.IOSenderType,
		ioReceiverType: cfg.IOReceiverType,
		resolver:       cfg.Resolver,
		log:            logger.Activation(),
		pollInterval:   interval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Run executes the wait-sweep-process loop until ctx is cancelled or
// Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	cursor := e.store.MostRecentUpdate()
	for {
		deadline := e.earliestScheduledDeadline()
		pollDeadline := time.Now().Add(e.pollInterval)
		if deadline.IsZero() || pollDeadline.Before(deadline) {
			deadline = pollDeadline
		}

		waitCtx, cancel := context.WithDeadline(ctx, deadline)

		err := e.store.WaitForUpdate(waitCtx, func(s *store.Store) bool {
			return s.MostRecentUpdate().After(cursor)
		})
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		if err == nil {
			cursor = e.store.MostRecentUpdate()
		}
		// A deadline expiry (err != nil but parent ctx not done) still
		// triggers a sweep: a scheduled activation may have become due.

		e.sweep()
	}
}

// Stop requests the engine to exit its loop and waits for it to do so.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// WaitForActivation blocks until the staged immediate activation on
// connectionResourceID has committed (ActivationTime set), the staged
// mode is no longer activate_immediate, the resource is gone, or ctx is
// done. A failed auto-resolution leaves the staged endpoint unchanged,
// so after such a failure the wait ends only with ctx. A Connection API
// PATCH handler that stages
// an immediate activation calls this before responding, so its caller
// observes the resulting active state rather than a race with the
// engine's own poll cadence.
func (e *Engine) WaitForActivation(ctx context.Context, connectionResourceID string) error {
	err := e.store.WaitForUpdate(ctx, func(s *store.Store) bool {
		r, ok := s.Find(connectionResourceID, "")
		if !ok {
			return true // resource gone; nothing left to wait for
		}
		data, ok := parseConnectionData(r)
		if !ok {
			return true
		}
		if data.Staged.Activation.Mode != ModeImmediate {
			return true
		}
		return data.Staged.Activation.ActivationTime != nil
	})
	return err
}

// earliestScheduledDeadline scans pending scheduled activations for the
// soonest activation_time still in the future, so Run can wake even
// without a store mutation.
func (e *Engine) earliestScheduledDeadline() time.Time {
	var earliest time.Time
	for _, r := range e.allStaged() {
		data, ok := parseConnectionData(r)
		if !ok {
			continue
		}
		if data.Staged.Activation.Mode != ModeScheduledAbsolute && data.Staged.Activation.Mode != ModeScheduledRelative {
			continue
		}
		when, ok := ParseActivationTime(data.Staged.Activation.ActivationTime)
		if !ok || when.Before(time.Now()) {
			continue
		}
		if earliest.IsZero() || when.Before(earliest) {
			earliest = when
		}
	}
	return earliest
}

func (e *Engine) allStaged() []*model.Resource {
	senders := e.store.FindByType(e.senderType)
	receivers := e.store.FindByType(e.receiverType)
	return append(senders, receivers...)
}

// sweep processes every resource of the relevant types in reverse
// update order, as required because Modify reorders the updated index
// mid-sweep.
func (e *Engine) sweep() {
	resources := e.allStaged()
	sort.Slice(resources, func(i, j int) bool {
		return resources[j].Updated.Before(resources[i].Updated)
	})

	var notified bool
	for _, r := range resources {
		if e.processOne(r) {
			notified = true
		}
	}
	if notified {
		e.bumpAllDeviceVersions()
	}
}

// processOne inspects one resource's staged activation and commits it
// if ready. Returns true if the resource was processed (a notification
// side effect occurred).
func (e *Engine) processOne(r *model.Resource) bool {
	data, ok := parseConnectionData(r)
	if !ok {
		return false
	}

	ready, err := e.isReady(data)
	if err != nil || !ready {
		return false
	}

	role := RoleSender
	if r.Type == e.receiverType {
		role = RoleReceiver
	}

	resolved, err := e.resolveStaged(role, data)
	if err != nil {
		e.log.Error().Err(err).Str("id", r.ID).Msg("auto resolution failed, leaving active state untouched")
		return false
	}

	now := nowString()

	err = e.store.Modify(r.ID, func(res *model.Resource) {
		cur, ok := parseConnectionData(res)
		if !ok {
			return
		}
		cur.Active = Endpoint{
			Activation:      Activation{Mode: cur.Staged.Activation.Mode, ActivationTime: &now},
			TransportParams: resolved,
			ReceiverID:      cur.Staged.ReceiverID,
			SenderID:        cur.Staged.SenderID,
		}
		cur.Staged.Activation.ActivationTime = &now
		if cur.Staged.Activation.Mode == ModeScheduledAbsolute || cur.Staged.Activation.Mode == ModeScheduledRelative {
			// A scheduled activation unlocks the staged endpoint as soon as
			// it commits. An immediate activation's staged endpoint is
			// reset the same way, but only by the Connection API handler
			// once it has read this activation_time back for its response.
			cur.Staged.Activation = Activation{}
		}
		res.Data, _ = json.Marshal(cur)
	})
	if err != nil {
		e.log.Error().Err(err).Str("id", r.ID).Msg("failed to commit activation")
		return false
	}

	var connectedID *string
	if role == RoleSender {
		connectedID = data.Staged.ReceiverID
	} else {
		connectedID = data.Staged.SenderID
	}
	e.updateIOResource(IOResourceID(r.ID), role, connectedID)

	e.log.Info().Str("id", r.ID).Str("role", string(role)).Msg("activation committed")
	return true
}

// updateIOResource sets the matching IS-04 sender/receiver's
// `subscription` field to reflect the new active connection and bumps
// its version, per the IS-04 notification requirement.
func (e *Engine) updateIOResource(ioID string, role Role, connectedID *string) {
	now := nowString()
	err := e.store.Modify(ioID, func(res *model.Resource) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(res.Data, &m); err != nil {
			m = map[string]json.RawMessage{}
		}
		key := "sender_id"
		if role == RoleSender {
			key = "receiver_id"
		}
		sub := map[string]any{"active": true}
		if connectedID != nil {
			sub[key] = *connectedID
		} else {
			sub[key] = nil
		}
		subData, _ := json.Marshal(sub)
		m["subscription"] = subData
		m["version"] = mustMarshal(now)
		res.Data, _ = json.Marshal(m)
	})
	if err != nil {
		e.log.Warn().Err(err).Str("id", ioID).Msg("failed to update IS-04 resource subscription")
	}
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// bumpAllDeviceVersions bumps the `version` field of every device
// resource, matching IS-04's device-version-changes-on-any-subordinate
// -change requirement.
func (e *Engine) bumpAllDeviceVersions() {
	now := nowString()
	for _, d := range e.store.FindByType(model.TypeDevice) {
		err := e.store.Modify(d.ID, func(res *model.Resource) {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(res.Data, &m); err != nil {
				m = map[string]json.RawMessage{}
			}
			m["version"] = mustMarshal(now)
			res.Data, _ = json.Marshal(m)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("id", d.ID).Msg("failed to bump device version")
		}
	}
}

func (e *Engine) isReady(data ConnectionData) (bool, error) {
	switch data.Staged.Activation.Mode {
	case ModeNone:
		return false, nil
	case ModeScheduledAbsolute, ModeScheduledRelative:
		when, ok := ParseActivationTime(data.Staged.Activation.ActivationTime)
		if !ok {
			return false, nil
		}
		return !when.After(time.Now()), nil
	case ModeImmediate:
		return data.Staged.Activation.RequestedTime != nil && data.Staged.Activation.ActivationTime == nil, nil
	default:
		return false, nil
	}
}

func (e *Engine) resolveStaged(role Role, data ConnectionData) ([]TransportParams, error) {
	if e.resolver == nil {
		return data.Staged.TransportParams, nil
	}
	return e.resolver(role, data.Staged.TransportParams)
}

func parseConnectionData(r *model.Resource) (ConnectionData, bool) {
	var data ConnectionData
	if len(r.Data) == 0 {
		return data, false
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return data, false
	}
	return data, true
}

// ParseActivationTime parses a staged/active endpoint's TAI sec:nsec
// activation_time pointer field, returning ok=false for a nil or empty
// value. Exported so the Connection API handler can reuse the same
// parsing to decide whether an armed scheduled activation has fired.
func ParseActivationTime(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	ts, err := model.ParseTimestamp(*s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.Time(), true
}

// nowString renders the current time in the TAI "sec:nsec" form used for
// both activation_time commits and IS-04 version bumps.
func nowString() string {
	return model.Now().String()
}
