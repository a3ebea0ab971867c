package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// ResourceType names the four resource collections of the discovery
// protocol, plus the secrets sub-bundle.
type ResourceType string

const (
	ResourceListeners ResourceType = "listeners"
	ResourceRoutes    ResourceType = "routes"
	ResourceBackends  ResourceType = "backends"
	ResourceEndpoints ResourceType = "endpoints"
	ResourceSecrets   ResourceType = "secrets"
)

// ValidResourceType reports whether t is a known resource type.
func ValidResourceType(t ResourceType) bool {
	switch t {
	case ResourceListeners, ResourceRoutes, ResourceBackends, ResourceEndpoints, ResourceSecrets:
		return true
	}
	return false
}

// Listener is one ingress surface a data-plane proxy exposes.
type Listener struct {
	Name     string         `json:"name"`
	Protocol types.Protocol `json:"protocol"`
	Port     types.PortRange `json:"port"`
	TLS      bool           `json:"tls,omitempty"`
}

// Route is the match-and-dispatch rule derived from one mapping.
type Route struct {
	Name         string           `json:"name"`
	Listeners    []string         `json:"listeners"`
	Sources      []string         `json:"sources"`
	Destinations []string         `json:"destinations"`
	Protocols    []types.Protocol `json:"protocols"`
	Ports        types.PortSet    `json:"ports"`
	AuthRequired bool             `json:"auth_required"`
}

// Backend is one cluster-of-endpoints: a destination service with its
// balancing and rate-limit policy.
type Backend struct {
	Name      string                 `json:"name"`
	ServiceID string                 `json:"service_id"`
	Protocol  types.Protocol         `json:"protocol"`
	AuthMode  types.AuthMode         `json:"auth_mode"`
	LBPolicy  *types.LBPolicy        `json:"lb_policy,omitempty"`
	RateLimit *types.RateLimitPolicy `json:"rate_limit,omitempty"`
}

// Endpoint is one concrete address of a backend.
type Endpoint struct {
	Backend string        `json:"backend"`
	Address string        `json:"address"`
	Ports   types.PortSet `json:"ports"`
	Weight  int           `json:"weight"`
}

// Secrets is the sub-bundle describing the cryptographic material the
// data plane needs: trust anchors inline, issued certificates by
// handle only.
type Secrets struct {
	TrustAnchors []string `json:"trust_anchors"`
	CertHandles  []string `json:"cert_handles,omitempty"`
}

// Resources is the full deployable configuration of one cluster. All
// slices are sorted; the struct's canonical JSON form is what the
// version hashes.
type Resources struct {
	Listeners []Listener `json:"listeners"`
	Routes    []Route    `json:"routes"`
	Backends  []Backend  `json:"backends"`
	Endpoints []Endpoint `json:"endpoints"`
	Secrets   Secrets    `json:"secrets"`
}

// Count returns the total number of entries across every collection.
func (r *Resources) Count() int {
	return len(r.Listeners) + len(r.Routes) + len(r.Backends) + len(r.Endpoints) +
		len(r.Secrets.TrustAnchors) + len(r.Secrets.CertHandles)
}

// Snapshot is an immutable versioned bundle for one cluster.
type Snapshot struct {
	ClusterID string    `json:"cluster_id"`
	Version   string    `json:"version"`
	Resources Resources `json:"resources"`
	BuiltAt   time.Time `json:"built_at"`
}

// build derives the resource collections from one cluster's persisted
// state. It reads only; it never mutates entities.
func build(store storage.Store, authority *ca.Authority, clusterID string) (*Snapshot, error) {
	services, err := store.ListServices(clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	mappings, err := store.ListMappings(clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	anchors, err := authority.TrustAnchors(clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect trust anchors: %w", err)
	}
	certs, err := store.ListCertificates(clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	byID := make(map[string]*types.Service, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	res := Resources{}

	// Backends and endpoints: one backend per service that appears as
	// a mapping destination.
	destinations := map[string]bool{}
	for _, m := range mappings {
		for _, id := range m.DestinationIDs {
			destinations[id] = true
		}
	}
	for id := range destinations {
		svc, ok := byID[id]
		if !ok {
			continue
		}
		res.Backends = append(res.Backends, Backend{
			Name:      svc.Name,
			ServiceID: svc.ID,
			Protocol:  svc.Protocol,
			AuthMode:  svc.AuthMode,
			LBPolicy:  svc.LBPolicy,
			RateLimit: svc.RateLimit,
		})
		res.Endpoints = append(res.Endpoints, Endpoint{
			Backend: svc.Name,
			Address: svc.Address,
			Ports:   svc.Ports.Normalized(),
			Weight:  1,
		})
	}

	// Listeners: one per (protocol, port range) a mapping exposes.
	// Shared ranges collapse into one listener.
	listeners := map[string]Listener{}
	for _, m := range mappings {
		for _, proto := range m.Protocols {
			for _, r := range m.Ports.Normalized() {
				l := Listener{
					Name:     fmt.Sprintf("%s-%s", proto, r.String()),
					Protocol: proto,
					Port:     r,
					TLS:      proto == types.ProtocolHTTPS,
				}
				listeners[l.Name] = l
			}
		}
	}
	for _, l := range listeners {
		res.Listeners = append(res.Listeners, l)
	}

	// Routes: one per mapping, referencing its listeners by name.
	for _, m := range mappings {
		route := Route{
			Name:         m.ID,
			AuthRequired: m.AuthRequired,
			Ports:        m.Ports.Normalized(),
		}
		for _, proto := range m.Protocols {
			route.Protocols = append(route.Protocols, proto)
			for _, r := range m.Ports.Normalized() {
				route.Listeners = append(route.Listeners, fmt.Sprintf("%s-%s", proto, r.String()))
			}
		}
		for _, id := range m.SourceIDs {
			if svc, ok := byID[id]; ok {
				route.Sources = append(route.Sources, svc.Name)
			}
		}
		for _, id := range m.DestinationIDs {
			if svc, ok := byID[id]; ok {
				route.Destinations = append(route.Destinations, svc.Name)
			}
		}
		res.Routes = append(res.Routes, route)
	}

	for _, anchor := range anchors {
		res.Secrets.TrustAnchors = append(res.Secrets.TrustAnchors, string(anchor))
	}
	for _, cert := range certs {
		if cert.Status == types.CertStatusIssued && cert.Usage == types.CertUsageServer {
			res.Secrets.CertHandles = append(res.Secrets.CertHandles, cert.ID)
		}
	}

	canonicalize(&res)

	raw, err := json.Marshal(&res)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize resources: %w", err)
	}
	sum := sha256.Sum256(raw)

	return &Snapshot{
		ClusterID: clusterID,
		Version:   hex.EncodeToString(sum[:]),
		Resources: res,
		BuiltAt:   time.Now().UTC(),
	}, nil
}

// canonicalize sorts every collection so the marshaled form, and with
// it the version hash, is independent of store iteration and insertion
// order.
func canonicalize(res *Resources) {
	sort.Slice(res.Listeners, func(i, j int) bool { return res.Listeners[i].Name < res.Listeners[j].Name })
	sort.Slice(res.Backends, func(i, j int) bool { return res.Backends[i].Name < res.Backends[j].Name })
	sort.Slice(res.Endpoints, func(i, j int) bool {
		if res.Endpoints[i].Backend != res.Endpoints[j].Backend {
			return res.Endpoints[i].Backend < res.Endpoints[j].Backend
		}
		return res.Endpoints[i].Address < res.Endpoints[j].Address
	})
	sort.Slice(res.Routes, func(i, j int) bool { return res.Routes[i].Name < res.Routes[j].Name })
	for i := range res.Routes {
		r := &res.Routes[i]
		sort.Strings(r.Listeners)
		sort.Strings(r.Sources)
		sort.Strings(r.Destinations)
		sort.Slice(r.Protocols, func(a, b int) bool { return r.Protocols[a] < r.Protocols[b] })
	}
	sort.Strings(res.Secrets.TrustAnchors)
	sort.Strings(res.Secrets.CertHandles)
}

// Filter returns only the requested resource collections, for
// subscribers that did not subscribe to everything.
func (s *Snapshot) Filter(subscribed []ResourceType) Resources {
	want := map[ResourceType]bool{}
	for _, t := range subscribed {
		want[t] = true
	}
	out := Resources{}
	if want[ResourceListeners] {
		out.Listeners = s.Resources.Listeners
	}
	if want[ResourceRoutes] {
		out.Routes = s.Resources.Routes
	}
	if want[ResourceBackends] {
		out.Backends = s.Resources.Backends
	}
	if want[ResourceEndpoints] {
		out.Endpoints = s.Resources.Endpoints
	}
	if want[ResourceSecrets] {
		out.Secrets = s.Resources.Secrets
	}
	return out
}
