package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/license"
	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/snapshot"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

type testEnv struct {
	server  *httptest.Server
	manager *manager.Manager
	store   storage.Store
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink, err := secrets.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	aud, err := audit.NewWriter(store)
	if err != nil {
		t.Fatalf("Failed to create audit writer: %v", err)
	}
	authCore, err := auth.NewCore(store, sink, aud, nil, auth.Config{
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  24 * time.Hour,
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		KeyOverlap:       time.Hour,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	authority := ca.New(store, sink, time.Hour)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	mgr := manager.New(store, authority, license.New(license.Config{}), authCore, aud, broker,
		snapshot.NewCache(store, authority), manager.Config{
			RotationOverlap:        time.Hour,
			HeartbeatInterval:      30 * time.Second,
			HeartbeatMissThreshold: 3,
		})

	// High rate limit so tests never trip it.
	srv := New(Config{RateLimitRPS: 10000, RateLimitBurst: 10000}, mgr, authCore, aud, store)
	srv.ready.Store(true)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	env := &testEnv{server: ts, manager: mgr, store: store}

	// Seed a global admin and log in.
	hash, err := auth.HashPassword("admin-password", authCore.Pepper())
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := store.CreateUser(&types.User{
		ID: "u-admin", Login: "admin", PasswordHash: hash,
		Roles: map[string]types.Role{types.GlobalScope: types.RoleAdministrator},
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	status, body := env.do(t, "POST", "/api/v1/auth/login", "",
		map[string]string{"login": "admin", "password": "admin-password"})
	if status != http.StatusOK {
		t.Fatalf("login: status %d body %s", status, body)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		t.Fatalf("login body: %v", err)
	}
	env.token = pair.AccessToken
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var envl struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envl); err != nil {
		t.Fatalf("error envelope: %v in %s", err, body)
	}
	return envl.Error.Kind
}

func (e *testEnv) createCluster(t *testing.T, name string) (string, string) {
	t.Helper()
	status, body := e.do(t, "POST", "/api/v1/clusters", e.token,
		map[string]string{"name": name, "tier": "community"})
	if status != http.StatusCreated {
		t.Fatalf("create cluster: status %d body %s", status, body)
	}
	var res struct {
		Cluster types.Cluster `json:"cluster"`
		APIKey  string        `json:"api_key"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("cluster body: %v", err)
	}
	return res.Cluster.ID, res.APIKey
}

func TestLoginFailureEnvelope(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/api/v1/auth/login", "",
		map[string]string{"login": "admin", "password": "wrong"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if kind := errorKind(t, body); kind != "authentication" {
		t.Errorf("expected authentication kind, got %s", kind)
	}
}

func TestMissingBearer(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/api/v1/clusters", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", status, body)
	}
}

func TestClusterLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id, key := env.createCluster(t, "prod")
	if key == "" {
		t.Fatal("expected api key in create response")
	}

	status, body := env.do(t, "GET", "/api/v1/clusters/"+id, env.token, nil)
	if status != http.StatusOK {
		t.Fatalf("get cluster: %d %s", status, body)
	}

	// Duplicate name: 409.
	status, body = env.do(t, "POST", "/api/v1/clusters", env.token,
		map[string]string{"name": "prod", "tier": "community"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", status, body)
	}

	status, _ = env.do(t, "DELETE", "/api/v1/clusters/"+id, env.token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete cluster: %d", status)
	}
	status, _ = env.do(t, "GET", "/api/v1/clusters/"+id, env.token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestServiceValidationEnvelope(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createCluster(t, "prod")

	status, body := env.do(t, "POST", "/api/v1/clusters/"+id+"/services", env.token,
		map[string]interface{}{"name": "web", "address": "10.0.0.7", "ports": "90-80", "protocol": "http"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", status, body)
	}
	var envl struct {
		Error struct {
			Kind    string            `json:"kind"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	json.Unmarshal(body, &envl)
	if envl.Error.Kind != "validation" || envl.Error.Details["ports"] == "" {
		t.Errorf("expected field detail for ports, got %+v", envl.Error)
	}
}

func TestStaleServiceUpdate(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createCluster(t, "prod")

	status, body := env.do(t, "POST", "/api/v1/clusters/"+id+"/services", env.token,
		map[string]interface{}{"name": "web", "address": "10.0.0.7", "ports": "80", "protocol": "http"})
	if status != http.StatusCreated {
		t.Fatalf("create service: %d %s", status, body)
	}
	var svc types.Service
	json.Unmarshal(body, &svc)

	update := map[string]interface{}{
		"name": "web", "address": "10.0.0.8", "ports": "80", "protocol": "http",
		"expected_version": svc.Version,
	}
	path := fmt.Sprintf("/api/v1/clusters/%s/services/%s", id, svc.ID)
	if status, body = env.do(t, "PUT", path, env.token, update); status != http.StatusOK {
		t.Fatalf("first update: %d %s", status, body)
	}

	// Same expected version again: 412 with the current version.
	update["address"] = "10.0.0.9"
	status, body = env.do(t, "PUT", path, env.token, update)
	if status != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d %s", status, body)
	}
	if kind := errorKind(t, body); kind != "stale" {
		t.Errorf("expected stale kind, got %s", kind)
	}
}

func TestProxyRegisterAndQuota(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createCluster(t, "prod")

	register := func() (int, []byte) {
		return env.do(t, "POST", "/api/v1/proxies/register", "",
			map[string]interface{}{"cluster_name": "prod", "api_key": key, "type": "l7"})
	}
	var lastBody []byte
	for i := 0; i < types.CommunityProxyLimit; i++ {
		status, body := register()
		if status != http.StatusCreated {
			t.Fatalf("register %d: %d %s", i, status, body)
		}
		lastBody = body
	}

	status, body := register()
	if status != http.StatusPaymentRequired {
		t.Fatalf("expected 402 quota, got %d %s", status, body)
	}

	// Heartbeat with the last proxy's token.
	var res struct {
		Proxy      types.Proxy `json:"proxy"`
		ProxyToken string      `json:"proxy_token"`
	}
	json.Unmarshal(lastBody, &res)
	status, body = env.do(t, "POST", "/api/v1/proxies/"+res.Proxy.ID+"/heartbeat", res.ProxyToken,
		map[string]interface{}{})
	if status != http.StatusNoContent {
		t.Fatalf("heartbeat: %d %s", status, body)
	}

	// A proxy token cannot heartbeat another proxy.
	status, _ = env.do(t, "POST", "/api/v1/proxies/someone-else/heartbeat", res.ProxyToken,
		map[string]interface{}{})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign heartbeat, got %d", status)
	}
}

func TestRBACScoping(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createCluster(t, "prod")
	other, _ := env.createCluster(t, "staging")

	// Create a service-owner scoped to prod only.
	status, body := env.do(t, "POST", "/api/v1/users", env.token, map[string]interface{}{
		"login": "owner", "password": "owner-password1",
		"roles": map[string]string{id: "service-owner"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create user: %d %s", status, body)
	}

	status, body = env.do(t, "POST", "/api/v1/auth/login", "",
		map[string]string{"login": "owner", "password": "owner-password1"})
	if status != http.StatusOK {
		t.Fatalf("owner login: %d %s", status, body)
	}
	var pair auth.TokenPair
	json.Unmarshal(body, &pair)

	// Read own cluster: allowed.
	status, _ = env.do(t, "GET", "/api/v1/clusters/"+id+"/services", pair.AccessToken, nil)
	if status != http.StatusOK {
		t.Errorf("owner read own cluster: %d", status)
	}
	// Read foreign cluster: 403.
	status, _ = env.do(t, "GET", "/api/v1/clusters/"+other+"/services", pair.AccessToken, nil)
	if status != http.StatusForbidden {
		t.Errorf("owner read foreign cluster: expected 403, got %d", status)
	}
	// Admin-only action on own cluster: 403.
	status, _ = env.do(t, "POST", "/api/v1/clusters/"+id+"/rotate-key", pair.AccessToken, nil)
	if status != http.StatusForbidden {
		t.Errorf("owner rotate-key: expected 403, got %d", status)
	}
	// Cluster creation needs global admin: 403.
	status, _ = env.do(t, "POST", "/api/v1/clusters", pair.AccessToken,
		map[string]string{"name": "new", "tier": "community"})
	if status != http.StatusForbidden {
		t.Errorf("owner create cluster: expected 403, got %d", status)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "GET", "/healthz", "", nil)
	if status != http.StatusOK {
		t.Errorf("healthz: %d", status)
	}
	status, _ = env.do(t, "GET", "/readyz", "", nil)
	if status != http.StatusOK {
		t.Errorf("readyz: %d", status)
	}
	status, _ = env.do(t, "GET", "/metrics", "", nil)
	if status != http.StatusOK {
		t.Errorf("metrics: %d", status)
	}
}

func TestRefreshAndLogoutFlow(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/api/v1/auth/login", "",
		map[string]string{"login": "admin", "password": "admin-password"})
	if status != http.StatusOK {
		t.Fatalf("login: %d", status)
	}
	var pair auth.TokenPair
	json.Unmarshal(body, &pair)

	status, body = env.do(t, "POST", "/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken})
	if status != http.StatusOK {
		t.Fatalf("refresh: %d %s", status, body)
	}
	var next auth.TokenPair
	json.Unmarshal(body, &next)

	status, _ = env.do(t, "POST", "/api/v1/auth/logout", "",
		map[string]string{"refresh_token": next.RefreshToken})
	if status != http.StatusNoContent {
		t.Fatalf("logout: %d", status)
	}
	status, _ = env.do(t, "POST", "/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": next.RefreshToken})
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", status)
	}
}
