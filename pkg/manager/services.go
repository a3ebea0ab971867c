package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// ServiceSpec is the caller-supplied description of a service.
type ServiceSpec struct {
	Name      string                 `json:"name" validate:"required"`
	Address   string                 `json:"address" validate:"required"`
	Ports     string                 `json:"ports" validate:"required"`
	Protocol  types.Protocol         `json:"protocol" validate:"required"`
	AuthMode  types.AuthMode         `json:"auth_mode"`
	LBPolicy  *types.LBPolicy        `json:"lb_policy,omitempty"`
	RateLimit *types.RateLimitPolicy `json:"rate_limit,omitempty"`
}

// bearerCapable lists the protocols that can carry a bearer
// credential; declaring bearer auth on anything else is rejected.
func bearerCapable(p types.Protocol) bool {
	switch p {
	case types.ProtocolHTTP, types.ProtocolHTTPS, types.ProtocolGRPC, types.ProtocolWebsocket:
		return true
	}
	return false
}

func validateServiceSpec(spec *ServiceSpec) (types.PortSet, error) {
	details := map[string]string{}
	if spec.Name == "" {
		details["name"] = "required"
	}
	if spec.Address == "" {
		details["address"] = "required"
	} else if net.ParseIP(spec.Address) == nil {
		// Not an IP literal; must at least look like a host name.
		if _, err := strconv.Atoi(spec.Address); err == nil {
			details["address"] = "not an address"
		}
	}
	if !types.ValidProtocol(spec.Protocol) {
		details["protocol"] = fmt.Sprintf("unknown protocol %q", spec.Protocol)
	}
	if spec.AuthMode == "" {
		spec.AuthMode = types.AuthModeNone
	}
	if !types.ValidAuthMode(spec.AuthMode) {
		details["auth_mode"] = fmt.Sprintf("unknown auth mode %q", spec.AuthMode)
	}
	if spec.AuthMode != types.AuthModeNone && types.ValidProtocol(spec.Protocol) && !bearerCapable(spec.Protocol) {
		details["auth_mode"] = fmt.Sprintf("auth mode %q incompatible with protocol %q", spec.AuthMode, spec.Protocol)
	}

	ports, err := types.ParsePortSet(spec.Ports)
	if err != nil {
		details["ports"] = err.Error()
	}

	if len(details) > 0 {
		return nil, errdef.New(errdef.KindValidation, "invalid service spec").WithDetails(details)
	}
	return ports, nil
}

// CreateService validates and creates a service in the cluster.
func (m *Manager) CreateService(ctx context.Context, actor, clusterID string, spec *ServiceSpec) (*types.Service, error) {
	if _, err := m.GetCluster(clusterID); err != nil {
		return nil, err
	}
	ports, err := validateServiceSpec(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	svc := &types.Service{
		ID:        uuid.New().String(),
		ClusterID: clusterID,
		Name:      spec.Name,
		Address:   spec.Address,
		Ports:     ports,
		Protocol:  spec.Protocol,
		AuthMode:  spec.AuthMode,
		LBPolicy:  spec.LBPolicy,
		RateLimit: spec.RateLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.CreateService(svc); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "service.create", "", audit.HashEntity(svc))
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errdef.Wrap(errdef.KindConflict, fmt.Sprintf("service name %q already taken in cluster", spec.Name), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "failed to create service", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventServiceCreated, ClusterID: clusterID, EntityID: svc.ID})
	log.WithCluster(clusterID).Info().Str("service", spec.Name).Msg("service created")
	return svc, nil
}

// GetService returns one service, checking cluster ownership.
func (m *Manager) GetService(clusterID, id string) (*types.Service, error) {
	svc, err := m.store.GetService(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("service %s not found", id), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "service lookup failed", err)
	}
	if svc.ClusterID != clusterID {
		return nil, errdef.Newf(errdef.KindNotFound, "service %s not found", id)
	}
	return svc, nil
}

// ListServices returns a cluster's services.
func (m *Manager) ListServices(clusterID string) ([]*types.Service, error) {
	services, err := m.store.ListServices(clusterID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "service listing failed", err)
	}
	return services, nil
}

// UpdateService applies a new spec with optimistic concurrency. On a
// version clash the error carries the entity's current version.
func (m *Manager) UpdateService(ctx context.Context, actor, clusterID, id string, spec *ServiceSpec, expectedVersion int64) (*types.Service, error) {
	svc, err := m.GetService(clusterID, id)
	if err != nil {
		return nil, err
	}
	ports, err := validateServiceSpec(spec)
	if err != nil {
		return nil, err
	}

	before := audit.HashEntity(svc)
	svc.Name = spec.Name
	svc.Address = spec.Address
	svc.Ports = ports
	svc.Protocol = spec.Protocol
	svc.AuthMode = spec.AuthMode
	svc.LBPolicy = spec.LBPolicy
	svc.RateLimit = spec.RateLimit
	svc.Version = expectedVersion
	svc.UpdatedAt = time.Now().UTC()

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateService(svc); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "service.update", before, audit.HashEntity(svc))
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			current, cerr := m.store.GetService(id)
			details := map[string]string{}
			if cerr == nil {
				details["current_version"] = strconv.FormatInt(current.Version, 10)
			}
			return nil, errdef.Wrap(errdef.KindStale, "service changed since read", err).WithDetails(details)
		}
		if errors.Is(err, storage.ErrConflict) {
			return nil, errdef.Wrap(errdef.KindConflict, fmt.Sprintf("service name %q already taken in cluster", spec.Name), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "failed to update service", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventServiceUpdated, ClusterID: clusterID, EntityID: id})
	return svc, nil
}

// DeleteService removes a service. Without cascade it fails while any
// mapping still references the service; with cascade, referencing
// mappings are rewritten (or removed when the service was their last
// source or destination) in the same transaction.
func (m *Manager) DeleteService(ctx context.Context, actor, clusterID, id string, cascade bool) error {
	svc, err := m.GetService(clusterID, id)
	if err != nil {
		return err
	}

	mappings, err := m.store.ListMappings(clusterID)
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "mapping listing failed", err)
	}
	var referencing []*types.Mapping
	for _, mp := range mappings {
		if containsString(mp.SourceIDs, id) || containsString(mp.DestinationIDs, id) {
			referencing = append(referencing, mp)
		}
	}
	if len(referencing) > 0 && !cascade {
		return errdef.Newf(errdef.KindConflict, "service %s is referenced by %d mapping(s)", id, len(referencing))
	}

	err = m.store.Tx(func(tx storage.Store) error {
		for _, mp := range referencing {
			mp.SourceIDs = removeString(mp.SourceIDs, id)
			mp.DestinationIDs = removeString(mp.DestinationIDs, id)
			if len(mp.SourceIDs) == 0 || len(mp.DestinationIDs) == 0 {
				if err := tx.DeleteMapping(mp.ID); err != nil {
					return err
				}
				continue
			}
			mp.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateMapping(mp); err != nil {
				return err
			}
		}
		if err := tx.DeleteService(id); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "service.delete", audit.HashEntity(svc), "")
	})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "failed to delete service", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventServiceDeleted, ClusterID: clusterID, EntityID: id})
	return nil
}

// MappingSpec is the caller-supplied description of a mapping.
type MappingSpec struct {
	SourceIDs      []string         `json:"source_ids" validate:"required,min=1"`
	DestinationIDs []string         `json:"destination_ids" validate:"required,min=1"`
	Protocols      []types.Protocol `json:"protocols" validate:"required,min=1"`
	Ports          string           `json:"ports" validate:"required"`
	AuthRequired   bool             `json:"auth_required"`
}

// validateMapping checks referential integrity: every referenced
// service exists in the cluster, the requested ports are covered by a
// source or destination service, and the auth flag is consistent with
// the destinations' auth modes.
func (m *Manager) validateMapping(clusterID string, spec *MappingSpec) (types.PortSet, error) {
	details := map[string]string{}
	if len(spec.SourceIDs) == 0 {
		details["source_ids"] = "at least one source required"
	}
	if len(spec.DestinationIDs) == 0 {
		details["destination_ids"] = "at least one destination required"
	}
	if len(spec.Protocols) == 0 {
		details["protocols"] = "at least one protocol required"
	}
	for _, p := range spec.Protocols {
		if !types.ValidProtocol(p) {
			details["protocols"] = fmt.Sprintf("unknown protocol %q", p)
		}
	}
	ports, err := types.ParsePortSet(spec.Ports)
	if err != nil {
		details["ports"] = err.Error()
	}
	if len(details) > 0 {
		return nil, errdef.New(errdef.KindValidation, "invalid mapping spec").WithDetails(details)
	}

	covered := false
	destAuth := false
	for _, ids := range [][]string{spec.SourceIDs, spec.DestinationIDs} {
		for _, id := range ids {
			svc, err := m.store.GetService(id)
			if err != nil || svc.ClusterID != clusterID {
				return nil, errdef.New(errdef.KindValidation, "invalid mapping spec").
					WithDetails(map[string]string{"services": fmt.Sprintf("service %s not in cluster", id)})
			}
			if svc.Ports.Contains(ports) {
				covered = true
			}
		}
	}
	for _, id := range spec.DestinationIDs {
		svc, _ := m.store.GetService(id)
		if svc != nil && svc.AuthMode != types.AuthModeNone {
			destAuth = true
		}
	}
	if !covered {
		details["ports"] = "requested ports not covered by any referenced service"
	}
	if spec.AuthRequired && !destAuth {
		details["auth_required"] = "no destination service declares an auth mode"
	}
	if !spec.AuthRequired && destAuth {
		details["auth_required"] = "destination service requires authentication"
	}
	if len(details) > 0 {
		return nil, errdef.New(errdef.KindValidation, "invalid mapping spec").WithDetails(details)
	}
	return ports, nil
}

// CreateMapping validates and creates a traffic rule.
func (m *Manager) CreateMapping(ctx context.Context, actor, clusterID string, spec *MappingSpec) (*types.Mapping, error) {
	if _, err := m.GetCluster(clusterID); err != nil {
		return nil, err
	}
	ports, err := m.validateMapping(clusterID, spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	mp := &types.Mapping{
		ID:             uuid.New().String(),
		ClusterID:      clusterID,
		SourceIDs:      spec.SourceIDs,
		DestinationIDs: spec.DestinationIDs,
		Protocols:      spec.Protocols,
		Ports:          ports,
		AuthRequired:   spec.AuthRequired,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.CreateMapping(mp); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "mapping.create", "", audit.HashEntity(mp))
	})
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to create mapping", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventMappingCreated, ClusterID: clusterID, EntityID: mp.ID})
	return mp, nil
}

// GetMapping returns one mapping, checking cluster ownership.
func (m *Manager) GetMapping(clusterID, id string) (*types.Mapping, error) {
	mp, err := m.store.GetMapping(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("mapping %s not found", id), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "mapping lookup failed", err)
	}
	if mp.ClusterID != clusterID {
		return nil, errdef.Newf(errdef.KindNotFound, "mapping %s not found", id)
	}
	return mp, nil
}

// ListMappings returns a cluster's mappings.
func (m *Manager) ListMappings(clusterID string) ([]*types.Mapping, error) {
	mappings, err := m.store.ListMappings(clusterID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "mapping listing failed", err)
	}
	return mappings, nil
}

// UpdateMapping applies a new spec with optimistic concurrency.
func (m *Manager) UpdateMapping(ctx context.Context, actor, clusterID, id string, spec *MappingSpec, expectedVersion int64) (*types.Mapping, error) {
	mp, err := m.GetMapping(clusterID, id)
	if err != nil {
		return nil, err
	}
	ports, err := m.validateMapping(clusterID, spec)
	if err != nil {
		return nil, err
	}

	before := audit.HashEntity(mp)
	mp.SourceIDs = spec.SourceIDs
	mp.DestinationIDs = spec.DestinationIDs
	mp.Protocols = spec.Protocols
	mp.Ports = ports
	mp.AuthRequired = spec.AuthRequired
	mp.Version = expectedVersion
	mp.UpdatedAt = time.Now().UTC()

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateMapping(mp); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "mapping.update", before, audit.HashEntity(mp))
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return nil, errdef.Wrap(errdef.KindStale, "mapping changed since read", err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "failed to update mapping", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventMappingUpdated, ClusterID: clusterID, EntityID: id})
	return mp, nil
}

// DeleteMapping removes a mapping.
func (m *Manager) DeleteMapping(ctx context.Context, actor, clusterID, id string) error {
	mp, err := m.GetMapping(clusterID, id)
	if err != nil {
		return err
	}
	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.DeleteMapping(id); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, clusterID, "mapping.delete", audit.HashEntity(mp), "")
	})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "failed to delete mapping", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventMappingDeleted, ClusterID: clusterID, EntityID: id})
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
