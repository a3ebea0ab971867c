package snapshot

import (
	"testing"
	"time"

	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

func newTestCache(t *testing.T) (*Cache, storage.Store, *ca.Authority) {
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
	authority := ca.New(store, sink, time.Hour)
	return NewCache(store, authority), store, authority
}

func seedCluster(t *testing.T, store storage.Store, authority *ca.Authority) {
	t.Helper()
	if err := store.CreateCluster(&types.Cluster{ID: "c1", Name: "prod", Tier: types.TierCommunity}); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	if _, err := authority.EnsureCA("c1"); err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}

	ports, _ := types.ParsePortSet("8080")
	web := &types.Service{
		ID: "s-web", ClusterID: "c1", Name: "web",
		Address: "10.0.0.7", Ports: ports,
		Protocol: types.ProtocolHTTP, AuthMode: types.AuthModeNone,
	}
	ext := &types.Service{
		ID: "s-ext", ClusterID: "c1", Name: "ext",
		Address: "0.0.0.0", Ports: ports,
		Protocol: types.ProtocolHTTP, AuthMode: types.AuthModeNone,
	}
	for _, svc := range []*types.Service{web, ext} {
		if err := store.CreateService(svc); err != nil {
			t.Fatalf("CreateService: %v", err)
		}
	}

	mapPorts, _ := types.ParsePortSet("80")
	m := &types.Mapping{
		ID: "m1", ClusterID: "c1",
		SourceIDs: []string{"s-ext"}, DestinationIDs: []string{"s-web"},
		Protocols: []types.Protocol{types.ProtocolTCP},
		Ports:     mapPorts,
	}
	if err := store.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	first, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	second, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	if first.Version != second.Version {
		t.Errorf("unchanged state must keep its version: %s != %s", first.Version, second.Version)
	}
	if first.Version == "" {
		t.Error("version must not be empty")
	}
}

func TestVersionIgnoresSetOrder(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	ports, _ := types.ParsePortSet("9090")
	api := &types.Service{
		ID: "s-api", ClusterID: "c1", Name: "api",
		Address: "10.0.0.8", Ports: ports,
		Protocol: types.ProtocolHTTP, AuthMode: types.AuthModeNone,
	}
	if err := store.CreateService(api); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	m, err := store.GetMapping("m1")
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	m.DestinationIDs = []string{"s-web", "s-api"}
	if err := store.UpdateMapping(m); err != nil {
		t.Fatalf("UpdateMapping: %v", err)
	}
	before, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// Same destination set, different order: the version must not move.
	m, _ = store.GetMapping("m1")
	m.DestinationIDs = []string{"s-api", "s-web"}
	if err := store.UpdateMapping(m); err != nil {
		t.Fatalf("UpdateMapping: %v", err)
	}
	after, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if before.Version != after.Version {
		t.Errorf("reordered destination set changed the version")
	}
}

func TestVersionTracksDeployableState(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	before, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	svc, err := store.GetService("s-web")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	svc.Address = "10.0.0.99"
	if err := store.UpdateService(svc); err != nil {
		t.Fatalf("UpdateService: %v", err)
	}

	after, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if before.Version == after.Version {
		t.Error("changed service address must change the version")
	}
}

func TestVersionTracksTrustAnchors(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	before, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(before.Resources.Secrets.TrustAnchors) != 1 {
		t.Fatalf("expected 1 trust anchor, got %d", len(before.Resources.Secrets.TrustAnchors))
	}

	if _, err := authority.Rotate("c1"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if after.Version == before.Version {
		t.Error("CA rotation must change the version")
	}
	if len(after.Resources.Secrets.TrustAnchors) != 2 {
		t.Errorf("expected both anchors during overlap, got %d", len(after.Resources.Secrets.TrustAnchors))
	}
}

func TestDerivedResources(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	snap, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	res := snap.Resources

	if len(res.Listeners) != 1 || res.Listeners[0].Name != "tcp-80" {
		t.Errorf("unexpected listeners: %+v", res.Listeners)
	}
	if len(res.Routes) != 1 || res.Routes[0].Destinations[0] != "web" {
		t.Errorf("unexpected routes: %+v", res.Routes)
	}
	if len(res.Backends) != 1 || res.Backends[0].Name != "web" {
		t.Errorf("unexpected backends: %+v", res.Backends)
	}
	if len(res.Endpoints) != 1 || res.Endpoints[0].Address != "10.0.0.7" {
		t.Errorf("unexpected endpoints: %+v", res.Endpoints)
	}
}

func TestFilter(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	snap, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	res := snap.Filter([]ResourceType{ResourceBackends, ResourceEndpoints})
	if len(res.Backends) == 0 || len(res.Endpoints) == 0 {
		t.Error("subscribed collections missing")
	}
	if len(res.Listeners) != 0 || len(res.Routes) != 0 {
		t.Error("unsubscribed collections leaked")
	}
}

func TestCacheGC(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	v1, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !cache.Acquire("c1", v1.Version) {
		t.Fatal("Acquire of resident version failed")
	}

	svc, _ := store.GetService("s-web")
	svc.Address = "10.0.0.50"
	if err := store.UpdateService(svc); err != nil {
		t.Fatalf("UpdateService: %v", err)
	}
	v2, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if v2.Version == v1.Version {
		t.Fatal("expected a new version")
	}

	// The pinned old version survives the rebuild.
	if cache.Resident("c1") != 2 {
		t.Errorf("expected 2 resident versions, got %d", cache.Resident("c1"))
	}

	cache.Release("c1", v1.Version)
	if cache.Resident("c1") != 1 {
		t.Errorf("expected old version collected, got %d resident", cache.Resident("c1"))
	}

	// An unpinned, collected version cannot be re-acquired.
	if cache.Acquire("c1", v1.Version) {
		t.Error("Acquire of collected version should fail")
	}
}

func TestRebuildEnforcesResourceLimit(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	cache.MaxResources = 1
	if _, err := cache.Rebuild("c1"); !errdef.IsKind(err, errdef.KindOverload) {
		t.Fatalf("expected overload for oversized snapshot, got %v", err)
	}
	if _, err := cache.Current("c1"); !errdef.IsKind(err, errdef.KindOverload) {
		t.Fatalf("expected overload from lazy build, got %v", err)
	}

	// A limit the state fits under builds normally.
	cache.MaxResources = 100
	snap, err := cache.Rebuild("c1")
	if err != nil {
		t.Fatalf("Rebuild under the limit: %v", err)
	}
	if snap.Resources.Count() == 0 {
		t.Error("expected resources in the rebuilt snapshot")
	}
}

func TestCurrentBuildsLazily(t *testing.T) {
	cache, store, authority := newTestCache(t)
	seedCluster(t, store, authority)

	snap, err := cache.Current("c1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if snap.Version == "" {
		t.Error("lazy build produced no version")
	}

	again, err := cache.Current("c1")
	if err != nil {
		t.Fatalf("second Current: %v", err)
	}
	if again.Version != snap.Version {
		t.Error("Current must serve the cached snapshot")
	}
}
