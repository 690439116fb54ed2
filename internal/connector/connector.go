// Package connector defines the capability contract every external payment
// processor integration implements. The dispatcher resolves implementations
// through the registry and never special-cases a connector by name.
package connector

import (
	"sort"
	"sync"
)

// Connector is the base capability every integration carries. Flow support
// beyond this is declared by implementing the per-flow interfaces below;
// the dispatcher probes them with type assertions before invocation.
type Connector interface {
	Name() string
	SupportsPaymentMethod(method string) bool
}

// AuthorizeFlow builds and parses payment authorization calls. A nil
// WireRequest from a build means the flow is a logical no-op for this
// connector and must be treated as success without a network call.
type AuthorizeFlow interface {
	BuildAuthorize(rd *RouterData) (*WireRequest, error)
	HandleAuthorizeResponse(rd *RouterData, resp WireResponse) error
}

type SyncFlow interface {
	BuildSync(rd *RouterData) (*WireRequest, error)
	HandleSyncResponse(rd *RouterData, resp WireResponse) error
}

type CaptureFlow interface {
	BuildCapture(rd *RouterData) (*WireRequest, error)
	HandleCaptureResponse(rd *RouterData, resp WireResponse) error
}

type VoidFlow interface {
	BuildVoid(rd *RouterData) (*WireRequest, error)
	HandleVoidResponse(rd *RouterData, resp WireResponse) error
}

type RefundFlow interface {
	BuildRefund(rd *RouterData) (*WireRequest, error)
	HandleRefundResponse(rd *RouterData, resp WireResponse) error
}

type RefundSyncFlow interface {
	BuildRefundSync(rd *RouterData) (*WireRequest, error)
	HandleRefundSyncResponse(rd *RouterData, resp WireResponse) error
}

// AccessTokenFlow is implemented by OAuth-style connectors. The dispatcher
// refreshes the token before any financial flow when the cache is stale.
type AccessTokenFlow interface {
	BuildAccessToken(rd *RouterData) (*WireRequest, error)
	HandleAccessTokenResponse(resp WireResponse) (*AccessToken, error)
}

// ErrorResponder extracts a classified error from a failed reply. Every
// connector implements it; the dispatcher calls it on HTTP error statuses
// and on connector-specific error envelopes.
type ErrorResponder interface {
	ErrorResponse(resp WireResponse) ErrorResponse
}

// SupportsFlow probes whether the connector implements the given flow.
func SupportsFlow(c Connector, flow Flow) bool {
	switch flow {
	case FlowAuthorize:
		_, ok := c.(AuthorizeFlow)
		return ok
	case FlowPSync:
		_, ok := c.(SyncFlow)
		return ok
	case FlowCapture:
		_, ok := c.(CaptureFlow)
		return ok
	case FlowVoid:
		_, ok := c.(VoidFlow)
		return ok
	case FlowRefund:
		_, ok := c.(RefundFlow)
		return ok
	case FlowRSync:
		_, ok := c.(RefundSyncFlow)
		return ok
	case FlowAccessToken:
		_, ok := c.(AccessTokenFlow)
		return ok
	default:
		return false
	}
}

// Registry maps connector names to implementations. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

func (r *Registry) Resolve(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
