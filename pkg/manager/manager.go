package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/license"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/snapshot"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// proxyCertValidity bounds issued client certificates; proxies roll
// them by re-registering well before expiry.
const proxyCertValidity = 90 * 24 * time.Hour

// Config carries the manager's tunables.
type Config struct {
	RotationOverlap        time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
}

// Manager is the entity service layer: it enforces business
// invariants and coordinates the repository, CA, license gate, audit
// log and snapshot cache. Every successful mutation appends one audit
// event and publishes an entity-change event for the owning cluster.
type Manager struct {
	store     storage.Store
	authority *ca.Authority
	gate      *license.Gate
	auth      *auth.Core
	aud       *audit.Writer
	broker    *events.Broker
	snapshots *snapshot.Cache
	cfg       Config
}

// New creates the entity service layer.
func New(store storage.Store, authority *ca.Authority, gate *license.Gate, authCore *auth.Core, aud *audit.Writer, broker *events.Broker, snapshots *snapshot.Cache, cfg Config) *Manager {
	return &Manager{
		store:     store,
		authority: authority,
		gate:      gate,
		auth:      authCore,
		aud:       aud,
		broker:    broker,
		snapshots: snapshots,
		cfg:       cfg,
	}
}

// CreateCluster creates a tenant and mints its API key. The plaintext
// key is returned exactly once. Enterprise tiers need the license to
// allow them.
func (m *Manager) CreateCluster(ctx context.Context, actor, name string, tier types.Tier) (*types.Cluster, string, error) {
	if name == "" {
		return nil, "", errdef.New(errdef.KindValidation, "cluster name is required")
	}
	if tier != types.TierCommunity && tier != types.TierEnterprise {
		return nil, "", errdef.Newf(errdef.KindValidation, "unknown tier %q", tier)
	}
	if tier == types.TierEnterprise {
		if err := m.gate.Check(ctx, license.Request{Action: license.ActionCreateEnterprise}); err != nil {
			m.aud.Denied(actor, "", "cluster.create", err.Error())
			return nil, "", err
		}
	}

	key, hash, err := m.auth.NewClusterKey()
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindInternal, "failed to mint api key", err)
	}
	now := time.Now().UTC()
	cluster := &types.Cluster{
		ID:            uuid.New().String(),
		Name:          name,
		Tier:          tier,
		APIKeyHash:    hash,
		KeyGeneration: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.CreateCluster(cluster); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, cluster.ID, "cluster.create", "", audit.HashEntity(cluster))
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, "", errdef.Wrap(errdef.KindConflict, fmt.Sprintf("cluster name %q already taken", name), err)
		}
		return nil, "", errdef.Wrap(errdef.KindInternal, "failed to create cluster", err)
	}

	if _, err := m.authority.EnsureCA(cluster.ID); err != nil {
		log.WithCluster(cluster.ID).Error().Err(err).Msg("failed to initialize cluster CA")
	}

	m.broker.Publish(&events.Event{Type: events.EventClusterCreated, ClusterID: cluster.ID, EntityID: cluster.ID})
	log.WithCluster(cluster.ID).Info().Str("name", name).Str("tier", string(tier)).Msg("cluster created")
	return cluster, key, nil
}

// GetCluster returns one cluster.
func (m *Manager) GetCluster(id string) (*types.Cluster, error) {
	cluster, err := m.store.GetCluster(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("cluster %s not found", id), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "cluster lookup failed", err)
	}
	return cluster, nil
}

// ListClusters returns every cluster.
func (m *Manager) ListClusters() ([]*types.Cluster, error) {
	clusters, err := m.store.ListClusters()
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "cluster listing failed", err)
	}
	return clusters, nil
}

// DeleteCluster removes a cluster and everything it owns: services,
// mappings, proxies and their tokens, in one transaction.
func (m *Manager) DeleteCluster(ctx context.Context, actor, id string) error {
	cluster, err := m.GetCluster(id)
	if err != nil {
		return err
	}

	err = m.store.Tx(func(tx storage.Store) error {
		mappings, err := tx.ListMappings(id)
		if err != nil {
			return err
		}
		for _, mp := range mappings {
			if err := tx.DeleteMapping(mp.ID); err != nil {
				return err
			}
		}
		services, err := tx.ListServices(id)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if err := tx.DeleteService(svc.ID); err != nil {
				return err
			}
		}
		proxies, err := tx.ListProxies(id)
		if err != nil {
			return err
		}
		for _, p := range proxies {
			if err := tx.DeleteProxy(p.ID); err != nil {
				return err
			}
		}
		tokens, err := tx.ListProxyTokens(id)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			if !tok.Revoked {
				tok.Revoked = true
				if err := tx.UpdateProxyToken(tok); err != nil {
					return err
				}
			}
		}
		if err := tx.DeleteCluster(id); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, id, "cluster.delete", audit.HashEntity(cluster), "")
	})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "failed to delete cluster", err)
	}

	m.snapshots.Drop(id)
	m.broker.Publish(&events.Event{Type: events.EventClusterDeleted, ClusterID: id, EntityID: id})
	log.WithCluster(id).Info().Msg("cluster deleted")
	return nil
}

// RotateClusterKey mints a new API key; the previous key keeps
// verifying during the rotation overlap window so proxies can
// re-register before it retires.
func (m *Manager) RotateClusterKey(ctx context.Context, actor, id string) (*types.Cluster, string, error) {
	cluster, err := m.GetCluster(id)
	if err != nil {
		return nil, "", err
	}

	key, hash, err := m.auth.NewClusterKey()
	if err != nil {
		return nil, "", errdef.Wrap(errdef.KindInternal, "failed to mint api key", err)
	}
	before := audit.HashEntity(cluster)
	cluster.PrevAPIKeyHash = cluster.APIKeyHash
	cluster.PrevKeyExpiry = time.Now().Add(m.cfg.RotationOverlap)
	cluster.APIKeyHash = hash
	cluster.KeyGeneration++
	cluster.UpdatedAt = time.Now().UTC()

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateCluster(cluster); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, id, "cluster.rotate_key", before, audit.HashEntity(cluster))
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return nil, "", errdef.Wrap(errdef.KindStale, "cluster changed concurrently", err)
		}
		return nil, "", errdef.Wrap(errdef.KindInternal, "failed to rotate key", err)
	}

	m.broker.Publish(&events.Event{Type: events.EventClusterUpdated, ClusterID: id, EntityID: id})
	log.WithCluster(id).Info().Int("generation", cluster.KeyGeneration).Msg("cluster api key rotated")
	return cluster, key, nil
}

// RotateCA rotates the cluster's certificate authority; the old CA
// stays a trust anchor for the overlap window.
func (m *Manager) RotateCA(ctx context.Context, actor, clusterID string) (*types.CA, error) {
	if _, err := m.GetCluster(clusterID); err != nil {
		return nil, err
	}
	newCA, err := m.authority.Rotate(clusterID)
	if err != nil {
		if errors.Is(err, ca.ErrCAAbsent) {
			return nil, errdef.Wrap(errdef.KindPrecondition, "cluster has no active CA", err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "CA rotation failed", err)
	}
	m.aud.Record(&types.AuditEvent{
		Actor:     actor,
		ClusterID: clusterID,
		Action:    "ca.rotate",
		AfterHash: audit.HashEntity(newCA),
		Outcome:   types.OutcomeSuccess,
	})
	m.broker.Publish(&events.Event{Type: events.EventCARotated, ClusterID: clusterID, EntityID: newCA.ID})
	return newCA, nil
}

// RunCARetirer periodically retires CAs whose rotation overlap has
// elapsed so they drop out of the trust-anchor set. It returns when
// ctx is canceled.
func (m *Manager) RunCARetirer(ctx context.Context) {
	interval := m.cfg.RotationOverlap / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retireExpiredCAs()
		}
	}
}

func (m *Manager) retireExpiredCAs() {
	clusters, err := m.store.ListClusters()
	if err != nil {
		log.WithComponent("manager").Error().Err(err).Msg("ca retirement: cluster listing failed")
		return
	}
	for _, c := range clusters {
		retired, err := m.authority.RetireExpired(c.ID)
		if err != nil {
			log.WithCluster(c.ID).Error().Err(err).Msg("ca retirement failed")
			continue
		}
		for _, id := range retired {
			m.aud.Record(&types.AuditEvent{
				Actor:     "system",
				ClusterID: c.ID,
				Action:    "ca.retire",
				Detail:    id,
				Outcome:   types.OutcomeSuccess,
			})
			// Subscribers must stop trusting the retired CA, so the
			// cluster snapshot is rebuilt and pushed.
			m.broker.Publish(&events.Event{Type: events.EventCARotated, ClusterID: c.ID, EntityID: id})
			log.WithCluster(c.ID).Info().Str("ca_id", id).Msg("retiring CA dropped from trust anchors")
		}
	}
}

// RevokeCertificate appends the certificate to the CRL. Revoking an
// already-revoked certificate succeeds without a second CRL entry.
func (m *Manager) RevokeCertificate(ctx context.Context, actor, certID, reason string) error {
	cert, err := m.store.GetCertificate(certID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("certificate %s not found", certID), err)
		}
		return errdef.Wrap(errdef.KindInternal, "certificate lookup failed", err)
	}
	if err := m.authority.Revoke(certID, reason); err != nil {
		return errdef.Wrap(errdef.KindInternal, "certificate revocation failed", err)
	}
	metrics.CertRevocationsTotal.Inc()
	m.aud.Record(&types.AuditEvent{
		Actor:     actor,
		ClusterID: cert.ClusterID,
		Action:    "cert.revoke",
		Detail:    reason,
		Outcome:   types.OutcomeSuccess,
	})
	m.broker.Publish(&events.Event{Type: events.EventCertRevoked, ClusterID: cert.ClusterID, EntityID: certID})
	return nil
}

// ListCertificates returns a cluster's issued certificates.
func (m *Manager) ListCertificates(clusterID string) ([]*types.Certificate, error) {
	certs, err := m.store.ListCertificates(clusterID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "certificate listing failed", err)
	}
	return certs, nil
}
