// Package discovery declares the DNS-SD capability this node depends on
// for finding registries, authorization servers, and system APIs, and
// for advertising itself. mDNS/DNS-SD is explicitly out of scope for
// this core: production deployments inject a real implementation (for
// example one built on a Zeroconf/Bonjour library), and this package
// ships only the interfaces and an in-memory fake for tests.
//
// A concrete discovery backend typically implements both capabilities
// at once, but the node never asks for "the mDNS thing" — it asks for a
// Discoverer where it needs to browse and an Advertiser where it needs
// to advertise. That split is capability composition rather than a
// single do-everything interface, so a component that only browses
// never has to carry advertise methods it will never call.
package discovery

import "context"

// ServiceType names a DNS-SD service type this node browses for or
// advertises.
type ServiceType string

const (
	ServiceNode         ServiceType = "_nmos-node._tcp"
	ServiceRegistration ServiceType = "_nmos-registration._tcp"
	ServiceRegister     ServiceType = "_nmos-register._tcp"
	ServiceQuery        ServiceType = "_nmos-query._tcp"
	ServiceAuth         ServiceType = "_nmos-auth._tcp"
	ServiceSystem       ServiceType = "_nmos-system._tcp"
)

// Instance is one browse result: a host/port pair plus the TXT records
// the service advertised, e.g. api_ver, api_proto, api_auth, pri.
type Instance struct {
	Name     string
	Host     string
	Port     int
	TXT      map[string]string
	Priority int
}

// Discoverer browses for instances of a DNS-SD service type.
type Discoverer interface {
	// Browse performs a single browse pass and returns every instance
	// found before ctx is done or the backend's own scan timeout
	// elapses, whichever comes first.
	Browse(ctx context.Context, service ServiceType) ([]Instance, error)
}

// Advertisement describes this node's own DNS-SD presence.
type Advertisement struct {
	Service ServiceType
	Name    string
	Port    int
	TXT     map[string]string
}

// Advertiser publishes and withdraws this node's own DNS-SD records.
type Advertiser interface {
	// Advertise publishes ad and returns a handle whose Withdraw method
	// removes it. Calling Advertise again with the same Name replaces
	// the previous TXT records (used when api_ver or api_auth change).
	Advertise(ctx context.Context, ad Advertisement) (Handle, error)
}

// Handle represents one active advertisement.
type Handle interface {
	Withdraw(ctx context.Context) error
}

// Backend composes Discoverer and Advertiser, matching the shape a real
// mDNS library typically exposes as a single client type.
type Backend interface {
	Discoverer
	Advertiser
}
