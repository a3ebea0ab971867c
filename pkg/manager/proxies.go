package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/license"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// RegisterRequest is a data-plane instance's bootstrap call.
type RegisterRequest struct {
	ClusterName     string          `json:"cluster_name" validate:"required"`
	APIKey          string          `json:"api_key" validate:"required"`
	Type            types.ProxyType `json:"type" validate:"required"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	SoftwareVersion string          `json:"software_version,omitempty"`
}

// RegisterResult carries everything a fresh proxy needs: its identity,
// bearer token and client certificate with the private key (returned
// once, never stored).
type RegisterResult struct {
	Proxy      *types.Proxy `json:"proxy"`
	ProxyToken string       `json:"proxy_token"`
	CertPEM    []byte       `json:"cert_pem"`
	KeyPEM     []byte       `json:"key_pem"`
	CAPool     [][]byte     `json:"ca_pool"`
}

// RegisterProxy admits a data-plane instance: it verifies the cluster
// API key, consults the license gate, issues a client certificate and
// mints the proxy bearer token.
func (m *Manager) RegisterProxy(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	if !types.ValidProxyType(req.Type) {
		return nil, errdef.Newf(errdef.KindValidation, "unknown proxy type %q", req.Type)
	}

	cluster, err := m.store.GetClusterByName(req.ClusterName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.New(errdef.KindAuthentication, "invalid cluster credentials")
		}
		return nil, errdef.Wrap(errdef.KindInternal, "cluster lookup failed", err)
	}
	generation, err := m.auth.VerifyClusterKey(cluster, req.APIKey)
	if err != nil {
		m.aud.Failure("proxy", cluster.ID, "proxy.register", "bad api key")
		return nil, err
	}

	proxy := &types.Proxy{
		ID:              uuid.New().String(),
		ClusterID:       cluster.ID,
		Type:            req.Type,
		Capabilities:    req.Capabilities,
		SoftwareVersion: req.SoftwareVersion,
		Status:          types.ProxyStatusRegistering,
		KeyGeneration:   generation,
		CreatedAt:       time.Now().UTC(),
	}

	// The quota count and the admission commit share one transaction;
	// concurrent registrations serialize here instead of both reading
	// the same count.
	err = m.store.Tx(func(tx storage.Store) error {
		admitted, err := m.admittedProxyCount(tx, cluster)
		if err != nil {
			return err
		}
		if err := m.gate.Check(ctx, license.Request{
			Action:         license.ActionRegisterProxy,
			CurrentProxies: admitted,
		}); err != nil {
			return err
		}
		if err := tx.CreateProxy(proxy); err != nil {
			return errdef.Wrap(errdef.KindInternal, "failed to persist proxy", err)
		}
		return m.aud.Success(tx, "proxy", cluster.ID, "proxy.register", "", audit.HashEntity(proxy))
	})
	if err != nil {
		switch errdef.KindOf(err) {
		case errdef.KindQuota, errdef.KindPrecondition:
			m.aud.Denied("proxy", cluster.ID, "proxy.register", err.Error())
		}
		return nil, err
	}

	// Certificates are issued only for admitted proxies; a denied
	// registration must not burn a serial. If issuance fails the
	// admission is discarded rather than leaving a proxy with no
	// certificate.
	issued, err := m.authority.IssueClient(cluster.ID, "proxy-"+proxy.ID, proxyCertValidity)
	if err != nil {
		m.discardAdmission(cluster.ID, proxy.ID)
		return nil, errdef.Wrap(errdef.KindInternal, "client certificate issuance failed", err)
	}
	proxy.CertificateID = issued.Record.ID
	if err := m.store.UpdateProxy(proxy); err != nil {
		m.discardAdmission(cluster.ID, proxy.ID)
		return nil, errdef.Wrap(errdef.KindInternal, "failed to persist proxy", err)
	}
	metrics.CertIssuancesTotal.WithLabelValues(string(types.CertUsageClient)).Inc()

	token, err := m.auth.IssueProxyToken(proxy)
	if err != nil {
		return nil, err
	}
	anchors, err := m.authority.TrustAnchors(cluster.ID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to collect trust anchors", err)
	}

	metrics.ProxiesTotal.WithLabelValues(cluster.ID, string(types.ProxyStatusRegistering)).Inc()
	m.broker.Publish(&events.Event{Type: events.EventProxyRegistered, ClusterID: cluster.ID, EntityID: proxy.ID})
	log.WithCluster(cluster.ID).Info().
		Str("proxy_id", proxy.ID).
		Str("type", string(req.Type)).
		Msg("proxy registered")

	return &RegisterResult{
		Proxy:      proxy,
		ProxyToken: token,
		CertPEM:    issued.CertPEM,
		KeyPEM:     issued.KeyPEM,
		CAPool:     anchors,
	}, nil
}

// admittedProxyCount counts proxies against the license quota. The
// community quota is fleet-wide, so community clusters count every
// admitted proxy in the fleet.
func (m *Manager) admittedProxyCount(store storage.Store, cluster *types.Cluster) (int, error) {
	var proxies []*types.Proxy
	var err error
	if cluster.Tier == types.TierCommunity {
		proxies, err = store.ListAllProxies()
	} else {
		proxies, err = store.ListProxies(cluster.ID)
	}
	if err != nil {
		return 0, errdef.Wrap(errdef.KindInternal, "proxy listing failed", err)
	}
	count := 0
	for _, p := range proxies {
		if p.Status == types.ProxyStatusActive || p.Status == types.ProxyStatusRegistering {
			count++
		}
	}
	return count, nil
}

// HeartbeatRequest is a proxy liveness report. The metrics sample is
// surfaced for dashboards only; the authoritative series lives in the
// metrics backend.
type HeartbeatRequest struct {
	Status  string             `json:"status,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ProxyHeartbeat updates the proxy's last-seen time and promotes a
// fresh registration to active. Heartbeats are idempotent and do not
// produce audit events.
func (m *Manager) ProxyHeartbeat(ctx context.Context, proxyID string, req *HeartbeatRequest) (*types.Proxy, error) {
	proxy, err := m.store.GetProxy(proxyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("proxy %s not found", proxyID), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "proxy lookup failed", err)
	}
	if proxy.Status == types.ProxyStatusRevoked {
		return nil, errdef.New(errdef.KindPrecondition, "proxy is revoked")
	}

	promoted := false
	if proxy.Status == types.ProxyStatusRegistering || proxy.Status == types.ProxyStatusStale {
		m.shiftProxyGauge(proxy.ClusterID, proxy.Status, types.ProxyStatusActive)
		proxy.Status = types.ProxyStatusActive
		promoted = true
	}
	proxy.LastSeen = time.Now().UTC()

	if err := m.store.UpdateProxy(proxy); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			// A concurrent heartbeat won; that is the same effect.
			return m.store.GetProxy(proxyID)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "failed to record heartbeat", err)
	}
	if promoted {
		m.broker.Publish(&events.Event{Type: events.EventProxyUpdated, ClusterID: proxy.ClusterID, EntityID: proxy.ID})
	}
	return proxy, nil
}

// GetProxy returns one proxy.
func (m *Manager) GetProxy(id string) (*types.Proxy, error) {
	proxy, err := m.store.GetProxy(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("proxy %s not found", id), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "proxy lookup failed", err)
	}
	return proxy, nil
}

// ListProxies returns a cluster's proxies.
func (m *Manager) ListProxies(clusterID string) ([]*types.Proxy, error) {
	proxies, err := m.store.ListProxies(clusterID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "proxy listing failed", err)
	}
	return proxies, nil
}

// RevokeProxy forcibly removes a data-plane instance: its status
// flips to revoked, its bearer tokens die and its client certificate
// lands on the CRL.
func (m *Manager) RevokeProxy(ctx context.Context, actor, id, reason string) error {
	proxy, err := m.GetProxy(id)
	if err != nil {
		return err
	}
	if proxy.Status == types.ProxyStatusRevoked {
		return nil
	}

	before := audit.HashEntity(proxy)
	m.shiftProxyGauge(proxy.ClusterID, proxy.Status, types.ProxyStatusRevoked)
	proxy.Status = types.ProxyStatusRevoked

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateProxy(proxy); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, proxy.ClusterID, "proxy.revoke", before, audit.HashEntity(proxy))
	})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "failed to revoke proxy", err)
	}

	if err := m.auth.RevokeProxyTokens(proxy.ClusterID, id); err != nil {
		log.WithCluster(proxy.ClusterID).Error().Err(err).Str("proxy_id", id).Msg("failed to revoke proxy tokens")
	}
	if proxy.CertificateID != "" {
		if err := m.authority.Revoke(proxy.CertificateID, "proxy revoked: "+reason); err != nil {
			log.WithCluster(proxy.ClusterID).Error().Err(err).Str("proxy_id", id).Msg("failed to revoke proxy certificate")
		} else {
			metrics.CertRevocationsTotal.Inc()
		}
	}

	m.broker.Publish(&events.Event{Type: events.EventProxyRevoked, ClusterID: proxy.ClusterID, EntityID: id})
	log.WithCluster(proxy.ClusterID).Info().Str("proxy_id", id).Str("reason", reason).Msg("proxy revoked")
	return nil
}

// discardAdmission rolls back a committed registration whose
// certificate could not be produced.
func (m *Manager) discardAdmission(clusterID, proxyID string) {
	if err := m.store.DeleteProxy(proxyID); err != nil {
		log.WithCluster(clusterID).Error().Err(err).Str("proxy_id", proxyID).Msg("failed to discard proxy admission")
	}
}

func (m *Manager) shiftProxyGauge(clusterID string, from, to types.ProxyStatus) {
	metrics.ProxiesTotal.WithLabelValues(clusterID, string(from)).Dec()
	metrics.ProxiesTotal.WithLabelValues(clusterID, string(to)).Inc()
}

// RunStaleSweeper periodically marks proxies stale once they miss
// their heartbeat deadline. It returns when ctx is canceled.
func (m *Manager) RunStaleSweeper(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	deadline := time.Duration(m.cfg.HeartbeatMissThreshold) * m.cfg.HeartbeatInterval
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	cutoff := time.Now().Add(-deadline)

	proxies, err := m.store.ListAllProxies()
	if err != nil {
		log.WithComponent("manager").Error().Err(err).Msg("stale sweep: proxy listing failed")
		return
	}
	for _, p := range proxies {
		if p.Status != types.ProxyStatusActive || p.LastSeen.After(cutoff) {
			continue
		}
		m.shiftProxyGauge(p.ClusterID, types.ProxyStatusActive, types.ProxyStatusStale)
		p.Status = types.ProxyStatusStale
		if err := m.store.UpdateProxy(p); err != nil {
			if !errors.Is(err, storage.ErrStaleWrite) {
				log.WithCluster(p.ClusterID).Error().Err(err).Str("proxy_id", p.ID).Msg("stale sweep: update failed")
			}
			continue
		}
		m.broker.Publish(&events.Event{Type: events.EventProxyUpdated, ClusterID: p.ClusterID, EntityID: p.ID})
		log.WithCluster(p.ClusterID).Warn().Str("proxy_id", p.ID).Msg("proxy marked stale")
	}
}
