package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Sentinel errors surfaced by the gate.
var (
	ErrLicenseUnreachable   = errors.New("license service unreachable")
	ErrLicenseInvalid       = errors.New("license invalid")
	ErrLicenseQuotaExceeded = errors.New("license quota exceeded")
)

// Verdict is the cached decision from the license service.
type Verdict struct {
	Tier       types.Tier `json:"tier"`
	MaxProxies int        `json:"max_proxies"`
	Features   []string   `json:"features,omitempty"`
	Valid      bool       `json:"valid"`

	FetchedAt time.Time `json:"-"`
	// Degraded marks the fallback verdict produced after the grace
	// period expired; it denies privileged mutations but does not
	// kill running proxies.
	Degraded bool `json:"-"`
}

// HasFeature reports whether the verdict enables a feature flag.
func (v *Verdict) HasFeature(name string) bool {
	for _, f := range v.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Action names the mutation classes the gate arbitrates.
type Action string

const (
	ActionRegisterProxy     Action = "register_proxy"
	ActionCreateEnterprise  Action = "create_enterprise_cluster"
	ActionEnterpriseFeature Action = "enterprise_feature"
)

// Request describes the mutation a caller wants the gate to admit.
type Request struct {
	Action Action
	// CurrentProxies is the fleet-wide count of admitted (active or
	// registering) proxies before the mutation.
	CurrentProxies int
	// Feature names the flag for ActionEnterpriseFeature.
	Feature string
}

// Config tunes the gate.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration
	Grace    time.Duration
}

// Gate periodically validates the deployment license and arbitrates
// quota-raising mutations against the cached verdict.
type Gate struct {
	cfg    Config
	client *http.Client

	mu       sync.RWMutex
	cached   *Verdict
	lastGood *Verdict
}

// New creates a Gate. An empty endpoint yields a static community
// verdict, which suits air-gapped deployments.
func New(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 24 * time.Hour
	}
	return &Gate{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Run refreshes the verdict in the background until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	if g.cfg.Endpoint == "" {
		return
	}
	logger := log.WithComponent("license")

	ticker := time.NewTicker(g.cfg.CacheTTL / 2)
	defer ticker.Stop()

	for {
		if _, err := g.refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("license refresh failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Verdict returns the current verdict, fetching or falling back as
// the cache and grace policy dictate. It never returns an error: past
// the grace window it returns a degraded verdict.
func (g *Gate) Verdict(ctx context.Context) *Verdict {
	if g.cfg.Endpoint == "" {
		return &Verdict{
			Tier:       types.TierCommunity,
			MaxProxies: types.CommunityProxyLimit,
			Valid:      true,
			FetchedAt:  time.Now().UTC(),
		}
	}

	g.mu.RLock()
	cached := g.cached
	g.mu.RUnlock()

	now := time.Now().UTC()
	if cached != nil && now.Sub(cached.FetchedAt) < g.cfg.CacheTTL {
		metrics.LicenseCacheHits.WithLabelValues("hit").Inc()
		return cached
	}

	v, err := g.refresh(ctx)
	if err == nil {
		metrics.LicenseCacheHits.WithLabelValues("refresh").Inc()
		return v
	}

	g.mu.RLock()
	lastGood := g.lastGood
	g.mu.RUnlock()

	if lastGood != nil && now.Sub(lastGood.FetchedAt) < g.cfg.Grace {
		metrics.LicenseCacheHits.WithLabelValues("stale").Inc()
		stale := *lastGood
		return &stale
	}

	metrics.LicenseCacheHits.WithLabelValues("degraded").Inc()
	return &Verdict{
		Tier:       types.TierCommunity,
		MaxProxies: types.CommunityProxyLimit,
		Valid:      false,
		Degraded:   true,
		FetchedAt:  now,
	}
}

// Check admits or denies a quota-raising mutation. Called by the
// service layer before proxy registration and enterprise feature
// enablement.
func (g *Gate) Check(ctx context.Context, req Request) error {
	v := g.Verdict(ctx)

	if v.Degraded {
		metrics.LicenseDecisionsTotal.WithLabelValues("deny").Inc()
		return errdef.Wrap(errdef.KindPrecondition, "license degraded: privileged mutations denied", ErrLicenseUnreachable)
	}

	switch req.Action {
	case ActionRegisterProxy:
		limit := types.CommunityProxyLimit
		if v.Tier == types.TierEnterprise && v.MaxProxies > 0 {
			limit = v.MaxProxies
		}
		if req.CurrentProxies >= limit {
			metrics.LicenseDecisionsTotal.WithLabelValues("deny").Inc()
			return errdef.Wrap(errdef.KindQuota,
				fmt.Sprintf("proxy quota of %d reached", limit), ErrLicenseQuotaExceeded)
		}

	case ActionCreateEnterprise:
		if v.Tier != types.TierEnterprise {
			metrics.LicenseDecisionsTotal.WithLabelValues("deny").Inc()
			return errdef.Wrap(errdef.KindQuota, "enterprise tier not licensed", ErrLicenseInvalid)
		}

	case ActionEnterpriseFeature:
		if v.Tier != types.TierEnterprise || !v.HasFeature(req.Feature) {
			metrics.LicenseDecisionsTotal.WithLabelValues("deny").Inc()
			return errdef.Wrap(errdef.KindQuota,
				fmt.Sprintf("feature %q not licensed", req.Feature), ErrLicenseInvalid)
		}
	}

	metrics.LicenseDecisionsTotal.WithLabelValues("allow").Inc()
	return nil
}

// refresh queries the license service once and updates the cache.
func (g *Gate) refresh(ctx context.Context) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseUnreachable, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLicenseUnreachable, resp.StatusCode)
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseInvalid, err)
	}
	if !v.Valid {
		return nil, ErrLicenseInvalid
	}
	v.FetchedAt = time.Now().UTC()

	g.mu.Lock()
	g.cached = &v
	g.lastGood = &v
	g.mu.Unlock()

	return &v, nil
}
