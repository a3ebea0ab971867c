package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/license"
	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/snapshot"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

type testEnv struct {
	manager *manager.Manager
	server  *Server
	store   storage.Store
	broker  *events.Broker
	http    *httptest.Server
	cancel  context.CancelFunc
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
	gate := license.New(license.Config{})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	snapshots := snapshot.NewCache(store, authority)

	mgr := manager.New(store, authority, gate, authCore, aud, broker, snapshots, manager.Config{
		RotationOverlap:        time.Hour,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatMissThreshold: 3,
	})

	srv := New(Config{KeepAliveInterval: 100 * time.Millisecond}, authCore, snapshots, broker, aud)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.watch(ctx)
	t.Cleanup(cancel)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{manager: mgr, server: srv, store: store, broker: broker, http: hs, cancel: cancel}
}

// registerProxy creates a cluster with one service, registers a proxy
// and returns the cluster and the proxy bearer token.
func (env *testEnv) registerProxy(t *testing.T, name string) (*types.Cluster, *manager.RegisterResult) {
	t.Helper()
	cluster, key, err := env.manager.CreateCluster(context.Background(), "admin", name, types.TierCommunity)
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	_, err = env.manager.CreateService(context.Background(), "admin", cluster.ID, &manager.ServiceSpec{
		Name:     "web",
		Address:  "10.0.0.7",
		Ports:    "80",
		Protocol: types.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	result, err := env.manager.RegisterProxy(context.Background(), &manager.RegisterRequest{
		ClusterName: name,
		APIKey:      key,
		Type:        types.ProxyTypeL7,
	})
	if err != nil {
		t.Fatalf("RegisterProxy: %v", err)
	}
	return cluster, result
}

func (env *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/discovery"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, rts []snapshot.ResourceType) {
	t.Helper()
	data, err := encodeFrame(FrameSubscribe, &SubscribeRequest{ResourceTypes: rts})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func readResponse(t *testing.T, conn *websocket.Conn) *DiscoveryResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if frame.Type != FrameResponse {
		t.Fatalf("expected response frame, got %s", frame.Type)
	}
	resp := &DiscoveryResponse{}
	if err := json.Unmarshal(frame.Body, resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	return resp
}

func allResourceTypes() []snapshot.ResourceType {
	return []snapshot.ResourceType{
		snapshot.ResourceListeners,
		snapshot.ResourceRoutes,
		snapshot.ResourceBackends,
		snapshot.ResourceEndpoints,
		snapshot.ResourceSecrets,
	}
}

func TestSubscribeDeliversCurrentSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, reg := env.registerProxy(t, "prod")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, allResourceTypes())
	resp := readResponse(t, conn)

	if resp.Version == "" {
		t.Fatal("expected a snapshot version")
	}
	if len(resp.Resources.Endpoints) != 1 || resp.Resources.Endpoints[0].Address != "10.0.0.7" {
		t.Errorf("expected the registered service endpoint, got %+v", resp.Resources.Endpoints)
	}
	if len(resp.Resources.Secrets.TrustAnchors) == 0 {
		t.Error("expected trust anchors in the secrets bundle")
	}
}

func TestSubscribeFiltersResourceTypes(t *testing.T) {
	env := newTestEnv(t)
	_, reg := env.registerProxy(t, "prod")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, []snapshot.ResourceType{snapshot.ResourceEndpoints})
	resp := readResponse(t, conn)

	if len(resp.Resources.Endpoints) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(resp.Resources.Endpoints))
	}
	if len(resp.Resources.Backends) != 0 || len(resp.Resources.Routes) != 0 {
		t.Error("unsubscribed collections must be empty")
	}
}

func TestEntityChangeTriggersPush(t *testing.T) {
	env := newTestEnv(t)
	cluster, reg := env.registerProxy(t, "prod")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, allResourceTypes())
	first := readResponse(t, conn)

	_, err := env.manager.CreateService(context.Background(), "admin", cluster.ID, &manager.ServiceSpec{
		Name:     "api",
		Address:  "10.0.0.8",
		Ports:    "443",
		Protocol: types.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	second := readResponse(t, conn)
	if second.Version == first.Version {
		t.Error("expected a new version after the service change")
	}
	if len(second.Resources.Endpoints) != 2 {
		t.Errorf("expected 2 endpoints, got %d", len(second.Resources.Endpoints))
	}
}

func TestForeignClusterChangeIsNotPushed(t *testing.T) {
	env := newTestEnv(t)
	_, reg := env.registerProxy(t, "prod")
	other, _ := env.registerProxy(t, "staging")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, allResourceTypes())
	readResponse(t, conn)

	_, err := env.manager.CreateService(context.Background(), "admin", other.ID, &manager.ServiceSpec{
		Name:     "db",
		Address:  "10.1.0.1",
		Ports:    "5432",
		Protocol: types.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no push for a change in a foreign cluster")
	}
}

func TestNackIsAudited(t *testing.T) {
	env := newTestEnv(t)
	cluster, reg := env.registerProxy(t, "prod")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, allResourceTypes())
	resp := readResponse(t, conn)

	data, err := encodeFrame(FrameNack, &Ack{Version: resp.Version, Error: "listener bind failed"})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		evts, err := env.store.ListAudit(cluster.ID, 50)
		if err != nil {
			t.Fatalf("ListAudit: %v", err)
		}
		found := false
		for _, e := range evts {
			if e.Action == "discovery.nack" && e.Detail == "listener bind failed" {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nack was not audited")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewRetainsKeepAliveSettings(t *testing.T) {
	srv := New(Config{KeepAliveInterval: 7 * time.Second, KeepAliveMissLimit: 5}, nil, nil, nil, nil)
	if srv.cfg.KeepAliveInterval != 7*time.Second {
		t.Errorf("keep-alive interval = %v, want 7s", srv.cfg.KeepAliveInterval)
	}
	if srv.cfg.KeepAliveMissLimit != 5 {
		t.Errorf("keep-alive miss limit = %d, want 5", srv.cfg.KeepAliveMissLimit)
	}

	def := New(Config{}, nil, nil, nil, nil)
	if def.cfg.KeepAliveInterval != 30*time.Second || def.cfg.KeepAliveMissLimit != 3 {
		t.Errorf("unset keep-alive settings did not default: %+v", def.cfg)
	}
}

func TestSlowStreamReceivesNewestVersion(t *testing.T) {
	st := &stream{
		pushCh:  make(chan *snapshot.Snapshot, 2),
		closeCh: make(chan struct{}),
	}
	st.enqueue(&snapshot.Snapshot{Version: "v1"})
	st.enqueue(&snapshot.Snapshot{Version: "v2"})
	// The queue is full; the oldest pending version gives way.
	st.enqueue(&snapshot.Snapshot{Version: "v3"})

	var got []string
drain:
	for {
		select {
		case snap := <-st.pushCh:
			got = append(got, snap.Version)
		default:
			break drain
		}
	}
	if len(got) == 0 || got[len(got)-1] != "v3" {
		t.Fatalf("expected the newest version queued last, got %v", got)
	}
	for _, v := range got {
		if v == "v1" {
			t.Errorf("expected the oldest pending version to be discarded, got %v", got)
		}
	}
}

func sendAck(t *testing.T, conn *websocket.Conn, version string) {
	t.Helper()
	data, err := encodeFrame(FrameAck, &Ack{Version: version})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func waitForLagGauge(t *testing.T, clusterID string, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := testutil.ToFloat64(metrics.ConfigurationLag.WithLabelValues(clusterID))
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("configuration lag gauge = %v, want %v", got, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConfigurationLagCountsLaggingStreams(t *testing.T) {
	env := newTestEnv(t)
	cluster, reg := env.registerProxy(t, "prod")

	conn1 := env.dial(t, reg.ProxyToken)
	subscribe(t, conn1, allResourceTypes())
	resp := readResponse(t, conn1)

	conn2 := env.dial(t, reg.ProxyToken)
	subscribe(t, conn2, allResourceTypes())
	readResponse(t, conn2)

	// One subscriber on the current version leaves one still behind.
	sendAck(t, conn1, resp.Version)
	waitForLagGauge(t, cluster.ID, 1)

	sendAck(t, conn2, resp.Version)
	waitForLagGauge(t, cluster.ID, 0)
}

func TestRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/discovery"
	header := http.Header{"Authorization": []string{"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 handshake status, got %+v", resp)
	}
}

func TestRevokedProxyStreamCloses(t *testing.T) {
	env := newTestEnv(t)
	_, reg := env.registerProxy(t, "prod")

	conn := env.dial(t, reg.ProxyToken)
	subscribe(t, conn, allResourceTypes())
	readResponse(t, conn)

	if err := env.manager.RevokeProxy(context.Background(), "admin", reg.Proxy.ID, "compromised"); err != nil {
		t.Fatalf("RevokeProxy: %v", err)
	}

	// The keep-alive ticker rechecks the token and drops the stream.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if strings.Contains(err.Error(), "deadline") {
				t.Fatal("stream stayed open after the proxy was revoked")
			}
			return
		}
	}
}
