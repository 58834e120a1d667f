package registration

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmos-node/core/internal/config"
	"github.com/nmos-node/core/internal/discovery"
	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

// isRegistrable reports whether a resource type is part of the IS-04
// data model the Registration API accepts. The Resource Store also
// holds synthetic bookkeeping types (connection-sender/receiver,
// channel-mapping outputs) the activation engines use internally;
// those never get POSTed to a registry.
func isRegistrable(t model.ResourceType) bool {
	switch t {
	case model.TypeNode, model.TypeDevice, model.TypeSource, model.TypeFlow,
		model.TypeSender, model.TypeReceiver, model.TypeSubscription:
		return true
	default:
		return false
	}
}

// registryEntry is one priority-ordered candidate registry.
type registryEntry struct {
	uri      string
	priority int
}

// Controller runs the single-goroutine state machine that discovers,
// registers with, and heartbeats a registry, falling back to
// peer-to-peer operation when none can be reached.
type Controller struct {
	store      *store.Store
	bus        *eventbus.Bus
	discoverer discovery.Discoverer
	advertiser discovery.Advertiser
	cfg        *config.Config
	log        *zerolog.Logger

	nodeID string

	mu         sync.Mutex
	registries []registryEntry
	backoff    time.Duration

	registered bool // true once the node resource has been accepted

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a registration controller for nodeID, whose resources
// live in s.
func New(s *store.Store, bus *eventbus.Bus, discoverer discovery.Discoverer, advertiser discovery.Advertiser, cfg *config.Config, nodeID string) *Controller {
	return &Controller{
		store:      s,
		bus:        bus,
		discoverer: discoverer,
		advertiser: advertiser,
		cfg:        cfg,
		log:        logger.Registration(),
		nodeID:     nodeID,
		backoff:    cfg.DiscoveryBackoffMin,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run executes the state machine until ctx is cancelled or Stop is
// called. It blocks; callers run it in its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)

	state := c.stateInitialDiscovery
	for state != nil {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		state = state(ctx)
	}
}

// Stop requests the controller to exit its loop and waits for it to do
// so.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

type stateFunc func(ctx context.Context) stateFunc

// sleepBackoff sleeps a uniformly-random duration in [0, backoff),
// honoring cancellation.
func (c *Controller) sleepBackoff(ctx context.Context) bool {
	c.mu.Lock()
	d := c.backoff
	c.mu.Unlock()

	if d <= 0 {
		return true
	}
	wait := time.Duration(rand.Int63n(int64(d)))
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

// growBackoff multiplies the backoff by the configured factor, clamped
// to [min, max].
func (c *Controller) growBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := time.Duration(float64(c.backoff) * c.cfg.DiscoveryBackoffFactor)
	if next < c.cfg.DiscoveryBackoffMin {
		next = c.cfg.DiscoveryBackoffMin
	}
	if next > c.cfg.DiscoveryBackoffMax {
		next = c.cfg.DiscoveryBackoffMax
	}
	c.backoff = next
}

// stateInitialDiscovery and rediscovery share this implementation:
// browse, build the priority list, and decide where to go next.
func (c *Controller) stateInitialDiscovery(ctx context.Context) stateFunc {
	return c.discover(ctx, false)
}

func (c *Controller) stateRediscovery(ctx context.Context) stateFunc {
	return c.discover(ctx, true)
}

func (c *Controller) discover(ctx context.Context, reentering bool) stateFunc {
	if !c.sleepBackoff(ctx) {
		return nil
	}

	instances, err := c.discoverer.Browse(ctx, discovery.ServiceRegistration)
	if err != nil {
		c.log.Warn().Err(err).Msg("registry browse failed")
		instances = nil
	}
	c.growBackoff()

	entries := filterByPriority(instances, c.cfg.RegistrationHighestPri, c.cfg.RegistrationLowestPri)
	if len(entries) == 0 {
		c.log.Info().Msg("no registries discovered, falling back to peer-to-peer operation")
		return c.statePeerToPeerOperation
	}

	c.mu.Lock()
	c.registries = entries
	c.mu.Unlock()

	c.log.Info().Int("count", len(entries)).Msg("discovered registries")
	if reentering {
		return c.stateRegisteredOperation
	}
	return c.stateInitialRegistration
}

func filterByPriority(instances []discovery.Instance, highest, lowest int) []registryEntry {
	var entries []registryEntry
	for _, inst := range instances {
		if inst.Priority < highest || inst.Priority > lowest {
			continue
		}
		entries = append(entries, registryEntry{
			uri:      registryURI(inst),
			priority: inst.Priority,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].priority < entries[j].priority })
	return entries
}

func registryURI(inst discovery.Instance) string {
	scheme := "http"
	if inst.TXT["api_proto"] == "https" {
		scheme = "https"
	}
	ver := inst.TXT["api_ver"]
	if ver == "" {
		ver = "v1.3"
	}
	return scheme + "://" + inst.Host + ":" + strconv.Itoa(inst.Port) + "/x-nmos/registration/" + ver
}

// currentRegistry returns the highest-priority surviving registry, or
// false if the list is empty.
func (c *Controller) currentRegistry() (registryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.registries) == 0 {
		return registryEntry{}, false
	}
	return c.registries[0], true
}

// dropCurrentRegistry removes the head of the registry list, used when
// a registry returns 5xx or times out.
func (c *Controller) dropCurrentRegistry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.registries) > 0 {
		c.registries = c.registries[1:]
	}
}

// stateInitialRegistration registers the node resource itself, then
// every other resource currently in the store in created order, before
// handing off to registered_operation.
func (c *Controller) stateInitialRegistration(ctx context.Context) stateFunc {
	entry, ok := c.currentRegistry()
	if !ok {
		return c.stateRediscovery
	}
	client := newRegistryClient(entry.uri)

	node, ok := c.store.Find(c.nodeID, model.TypeNode)
	if !ok {
		c.log.Error().Str("id", c.nodeID).Msg("node resource missing from store, cannot register")
		return c.statePeerToPeerOperation
	}

	outcome, err := client.postResource(ctx, c.cfg.RegistrationRequestMax, node)
	switch outcome {
	case postCreated:
		// fallthrough
	case postStale:
		if _, derr := client.deleteResource(ctx, c.cfg.RegistrationRequestMax, model.TypeNode, node.ID); derr != nil {
			c.log.Warn().Err(derr).Msg("failed to delete stale node before re-registration")
		}
		if _, err := client.postResource(ctx, c.cfg.RegistrationRequestMax, node); err != nil {
			c.log.Warn().Err(err).Msg("re-registration of node after stale delete failed")
			c.dropCurrentRegistry()
			return c.stateRediscovery
		}
	case postClientError:
		c.log.Error().Err(err).Msg("registry rejected node registration, treating as fatal for this registry")
		c.dropCurrentRegistry()
		return c.stateRediscovery
	default:
		c.log.Warn().Err(err).Msg("registry unreachable during initial registration")
		c.dropCurrentRegistry()
		return c.stateRediscovery
	}

	c.registered = true

	for _, r := range c.otherResourcesInCreatedOrder(node.ID) {
		outcome, err := client.postResource(ctx, c.cfg.RegistrationRequestMax, r)
		if outcome == postServerError {
			c.log.Warn().Err(err).Str("id", r.ID).Msg("registry unreachable registering sub-resource")
			c.dropCurrentRegistry()
			return c.stateRediscovery
		}
		if outcome == postClientError {
			c.log.Warn().Err(err).Str("id", r.ID).Msg("registry rejected sub-resource, skipping")
		}
	}

	c.log.Info().Str("registry", entry.uri).Msg("node registered")
	return c.stateRegisteredOperation
}

// otherResourcesInCreatedOrder returns every resource except the node
// itself, ordered by Created so that super-resources precede their
// sub-resources.
func (c *Controller) otherResourcesInCreatedOrder(nodeID string) []*model.Resource {
	var out []*model.Resource
	for _, id := range c.store.OrderedByCreated() {
		if id == nodeID {
			continue
		}
		if r, ok := c.store.Find(id, ""); ok && isRegistrable(r.Type) {
			out = append(out, r)
		}
	}
	return out
}

// stateRegisteredOperation runs the heartbeat and event-pump loops
// concurrently until one of them requests a transition.
func (c *Controller) stateRegisteredOperation(ctx context.Context) stateFunc {
	entry, ok := c.currentRegistry()
	if !ok {
		return c.stateRediscovery
	}
	client := newRegistryClient(entry.uri)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	next := make(chan stateFunc, 2)

	go c.heartbeatLoop(opCtx, client, next)
	go c.eventPumpLoop(opCtx, client, next)

	select {
	case n := <-next:
		return n
	case <-ctx.Done():
		return nil
	case <-c.stopCh:
		return nil
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context, client *registryClient, next chan<- stateFunc) {
	ticker := time.NewTicker(c.cfg.RegistrationHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch client.heartbeat(ctx, c.cfg.RegistrationHeartbeatMax, c.nodeID) {
			case heartbeatOK:
				continue
			case heartbeatGone:
				c.log.Warn().Msg("node garbage-collected by registry, re-registering")
				select {
				case next <- c.stateInitialRegistration:
				default:
				}
				return
			case heartbeatFailed:
				c.log.Warn().Msg("heartbeat failed, rediscovering")
				c.dropCurrentRegistry()
				select {
				case next <- c.stateRediscovery:
				default:
				}
				return
			}
		}
	}
}

// eventPumpLoop drains the event bus in arrival order (which matches
// store insertion order because the store publishes synchronously
// under its write lock) and issues a POST or DELETE per event.
func (c *Controller) eventPumpLoop(ctx context.Context, client *registryClient, next chan<- stateFunc) {
	if c.bus == nil {
		<-ctx.Done()
		return
	}
	events, unsubscribe := c.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if c.handleEvent(ctx, client, event, next) {
				return
			}
		}
	}
}

// handleEvent returns true if it requested a state transition and the
// caller should stop pumping.
func (c *Controller) handleEvent(ctx context.Context, client *registryClient, event eventbus.MutationEvent, next chan<- stateFunc) bool {
	if !isRegistrable(event.Resource) {
		return false
	}
	switch event.Kind {
	case eventbus.MutationForget:
		outcome, err := client.deleteResource(ctx, c.cfg.RegistrationRequestMax, event.Resource, event.ID)
		return c.dispatchOutcome(outcome, err, next)
	default:
		r, ok := c.store.Find(event.ID, "")
		if !ok {
			return false
		}
		if r.Erased {
			outcome, err := client.deleteResource(ctx, c.cfg.RegistrationRequestMax, event.Resource, event.ID)
			return c.dispatchOutcome(outcome, err, next)
		}
		outcome, err := client.postResource(ctx, c.cfg.RegistrationRequestMax, r)
		return c.dispatchOutcome(outcome, err, next)
	}
}

func (c *Controller) dispatchOutcome(outcome postOutcome, err error, next chan<- stateFunc) bool {
	switch outcome {
	case postCreated, postStale:
		return false
	case postClientError:
		c.log.Warn().Err(err).Msg("registry rejected resource event, discarding")
		return false
	default:
		c.log.Warn().Err(err).Msg("registry unreachable in event pump, rediscovering")
		c.dropCurrentRegistry()
		select {
		case next <- c.stateRediscovery:
		default:
		}
		return true
	}
}

// statePeerToPeerOperation advertises this node directly and runs a
// periodic re-browse, returning to initial_registration the moment any
// registry reappears.
func (c *Controller) statePeerToPeerOperation(ctx context.Context) stateFunc {
	p2p := newP2PAdvertiser(c)
	p2p.advertise(ctx)
	defer p2p.withdraw(ctx)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.bus != nil {
		go p2p.versionPumpLoop(opCtx)
	}

	ticker := time.NewTicker(c.cfg.DiscoveryBackoffMax)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-ticker.C:
			instances, err := c.discoverer.Browse(ctx, discovery.ServiceRegistration)
			if err != nil || len(instances) == 0 {
				continue
			}
			entries := filterByPriority(instances, c.cfg.RegistrationHighestPri, c.cfg.RegistrationLowestPri)
			if len(entries) == 0 {
				continue
			}
			c.mu.Lock()
			c.registries = entries
			c.mu.Unlock()
			c.log.Info().Msg("registry reappeared, leaving peer-to-peer operation")
			return c.stateInitialRegistration
		}
	}
}

// p2pResourceVerKey maps the resource types a mutation can touch to the
// mDNS TXT version counter the IS-04 Node API advertises for it while
// operating peer-to-peer, so a peer can tell its cached copy of this
// node's model is stale without re-browsing the whole record.
var p2pResourceVerKey = map[model.ResourceType]string{
	model.TypeNode:     "ver_slf",
	model.TypeDevice:   "ver_dvc",
	model.TypeSource:   "ver_src",
	model.TypeFlow:     "ver_flw",
	model.TypeSender:   "ver_snd",
	model.TypeReceiver: "ver_rcv",
}

// p2pAdvertiser owns the single DNS-SD advertisement a node publishes
// while in peer-to-peer operation, and keeps its ver_* TXT counters
// current as resources of each type mutate. Advertise replaces the
// previous record by Name, so bumping a counter means re-advertising
// the whole TXT map rather than patching one field in place.
type p2pAdvertiser struct {
	c *Controller

	mu     sync.Mutex
	handle discovery.Handle
	vers   map[string]int
}

func newP2PAdvertiser(c *Controller) *p2pAdvertiser {
	vers := make(map[string]int, len(p2pResourceVerKey))
	for _, key := range p2pResourceVerKey {
		vers[key] = 0
	}
	return &p2pAdvertiser{c: c, vers: vers}
}

func (p *p2pAdvertiser) advertise(ctx context.Context) {
	if p.c.advertiser == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	h, err := p.c.advertiser.Advertise(ctx, discovery.Advertisement{
		Service: discovery.ServiceNode,
		Name:    p.c.nodeID,
		TXT:     p.txtLocked(),
	})
	if err != nil {
		p.c.log.Warn().Err(err).Msg("failed to advertise in peer-to-peer operation")
		return
	}
	p.handle = h
}

func (p *p2pAdvertiser) withdraw(ctx context.Context) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle != nil {
		_ = handle.Withdraw(ctx)
	}
}

func (p *p2pAdvertiser) txtLocked() map[string]string {
	txt := make(map[string]string, len(p.vers))
	for key, v := range p.vers {
		txt[key] = strconv.Itoa(v)
	}
	return txt
}

// versionPumpLoop subscribes to the resource store's mutation bus and
// re-advertises with an incremented ver_* counter each time a resource
// of a TXT-tracked type changes, matching IS-04's requirement that a
// peer-to-peer node's advertised version counters change whenever its
// model does.
func (p *p2pAdvertiser) versionPumpLoop(ctx context.Context) {
	events, unsubscribe := p.c.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			key, tracked := p2pResourceVerKey[event.Resource]
			if !tracked {
				continue
			}
			p.bump(ctx, key)
		}
	}
}

func (p *p2pAdvertiser) bump(ctx context.Context, key string) {
	if p.c.advertiser == nil {
		return
	}
	p.mu.Lock()
	p.vers[key]++
	txt := p.txtLocked()
	p.mu.Unlock()

	h, err := p.c.advertiser.Advertise(ctx, discovery.Advertisement{
		Service: discovery.ServiceNode,
		Name:    p.c.nodeID,
		TXT:     txt,
	})
	if err != nil {
		p.c.log.Warn().Err(err).Msg("failed to re-advertise updated version counters")
		return
	}
	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()
}
