package license

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/types"
)

func licenseServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticVerdictWithoutEndpoint(t *testing.T) {
	g := New(Config{})

	v := g.Verdict(context.Background())
	if v.Tier != types.TierCommunity {
		t.Errorf("expected community tier, got %s", v.Tier)
	}
	if v.MaxProxies != types.CommunityProxyLimit {
		t.Errorf("expected limit %d, got %d", types.CommunityProxyLimit, v.MaxProxies)
	}
	if v.Degraded {
		t.Error("static verdict should not be degraded")
	}
}

func TestCommunityProxyQuota(t *testing.T) {
	g := New(Config{})
	ctx := context.Background()

	for count := 0; count < types.CommunityProxyLimit; count++ {
		if err := g.Check(ctx, Request{Action: ActionRegisterProxy, CurrentProxies: count}); err != nil {
			t.Fatalf("registration %d should be admitted: %v", count+1, err)
		}
	}

	err := g.Check(ctx, Request{Action: ActionRegisterProxy, CurrentProxies: types.CommunityProxyLimit})
	if !errdef.IsKind(err, errdef.KindQuota) {
		t.Errorf("expected quota error, got %v", err)
	}
}

func TestEnterpriseVerdictFetched(t *testing.T) {
	srv := licenseServer(t, `{"tier":"enterprise","max_proxies":50,"features":["sso"],"valid":true}`, http.StatusOK)
	g := New(Config{Endpoint: srv.URL})
	ctx := context.Background()

	v := g.Verdict(ctx)
	if v.Tier != types.TierEnterprise || v.MaxProxies != 50 {
		t.Errorf("unexpected verdict %+v", v)
	}

	if err := g.Check(ctx, Request{Action: ActionCreateEnterprise}); err != nil {
		t.Errorf("enterprise creation should be admitted: %v", err)
	}
	if err := g.Check(ctx, Request{Action: ActionEnterpriseFeature, Feature: "sso"}); err != nil {
		t.Errorf("licensed feature should be admitted: %v", err)
	}
	if err := g.Check(ctx, Request{Action: ActionEnterpriseFeature, Feature: "hsm"}); err == nil {
		t.Error("unlicensed feature should be denied")
	}
	if err := g.Check(ctx, Request{Action: ActionRegisterProxy, CurrentProxies: 49}); err != nil {
		t.Errorf("registration under licensed limit should be admitted: %v", err)
	}
	if err := g.Check(ctx, Request{Action: ActionRegisterProxy, CurrentProxies: 50}); err == nil {
		t.Error("registration at licensed limit should be denied")
	}
}

func TestGraceFallbackThenDegraded(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"tier":"enterprise","max_proxies":10,"valid":true}`))
	}))
	defer srv.Close()

	// TTL of a nanosecond forces a refresh attempt on every call.
	g := New(Config{Endpoint: srv.URL, CacheTTL: time.Nanosecond, Grace: time.Hour})
	ctx := context.Background()

	if v := g.Verdict(ctx); v.Tier != types.TierEnterprise {
		t.Fatalf("expected enterprise verdict, got %+v", v)
	}

	// Outage within grace: last known good verdict is served.
	failing.Store(true)
	v := g.Verdict(ctx)
	if v.Degraded || v.Tier != types.TierEnterprise {
		t.Errorf("expected last-good verdict within grace, got %+v", v)
	}
	if err := g.Check(ctx, Request{Action: ActionCreateEnterprise}); err != nil {
		t.Errorf("within grace, enterprise creation should still be admitted: %v", err)
	}
}

func TestDegradedDeniesPrivilegedMutations(t *testing.T) {
	srv := licenseServer(t, "unreachable", http.StatusBadGateway)
	// Grace of a nanosecond expires immediately; with no last-good
	// verdict the gate degrades at once.
	g := New(Config{Endpoint: srv.URL, CacheTTL: time.Nanosecond, Grace: time.Nanosecond})
	ctx := context.Background()

	v := g.Verdict(ctx)
	if !v.Degraded {
		t.Fatalf("expected degraded verdict, got %+v", v)
	}

	err := g.Check(ctx, Request{Action: ActionRegisterProxy, CurrentProxies: 0})
	if !errdef.IsKind(err, errdef.KindPrecondition) {
		t.Errorf("expected precondition error when degraded, got %v", err)
	}
}

func TestInvalidLicenseRejected(t *testing.T) {
	srv := licenseServer(t, `{"tier":"enterprise","valid":false}`, http.StatusOK)
	g := New(Config{Endpoint: srv.URL, CacheTTL: time.Nanosecond, Grace: time.Nanosecond})

	v := g.Verdict(context.Background())
	if !v.Degraded {
		t.Errorf("invalid license with no grace should degrade, got %+v", v)
	}
}
