package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cordonlabs/cordon/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)

	c := &types.Cluster{
		ID:        "c1",
		Name:      "prod",
		Tier:      types.TierCommunity,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateCluster(c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("expected version 1, got %d", c.Version)
	}

	got, err := store.GetCluster("c1")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.Name != "prod" {
		t.Errorf("expected name prod, got %s", got.Name)
	}

	byName, err := store.GetClusterByName("prod")
	if err != nil {
		t.Fatalf("GetClusterByName: %v", err)
	}
	if byName.ID != "c1" {
		t.Errorf("expected id c1, got %s", byName.ID)
	}

	if _, err := store.GetCluster("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClusterNameUniqueness(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateCluster(&types.Cluster{ID: "c1", Name: "prod"}); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	err := store.CreateCluster(&types.Cluster{ID: "c2", Name: "prod"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	store := newTestStore(t)

	svc := &types.Service{
		ID:        "s1",
		ClusterID: "c1",
		Name:      "web",
		Address:   "10.0.0.7",
		Ports:     types.PortSet{{From: 8080, To: 8080}},
		Protocol:  types.ProtocolHTTP,
		AuthMode:  types.AuthModeNone,
	}
	if err := store.CreateService(svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	// Two readers at version 1.
	a, _ := store.GetService("s1")
	b, _ := store.GetService("s1")

	a.Address = "10.0.0.8"
	if err := store.UpdateService(a); err != nil {
		t.Fatalf("first update should succeed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", a.Version)
	}

	b.Address = "10.0.0.9"
	if err := store.UpdateService(b); !errors.Is(err, ErrStaleWrite) {
		t.Errorf("expected ErrStaleWrite, got %v", err)
	}

	// State reflects only the winner.
	got, _ := store.GetService("s1")
	if got.Address != "10.0.0.8" {
		t.Errorf("expected winner's address, got %s", got.Address)
	}
}

func TestServiceNameScopedPerCluster(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateService(&types.Service{ID: "s1", ClusterID: "c1", Name: "web"}); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	// Same name in another cluster is fine.
	if err := store.CreateService(&types.Service{ID: "s2", ClusterID: "c2", Name: "web"}); err != nil {
		t.Errorf("same name in different cluster should succeed: %v", err)
	}
	// Same name in same cluster conflicts.
	err := store.CreateService(&types.Service{ID: "s3", ClusterID: "c1", Name: "web"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestTxAtomicity(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateService(&types.Service{ID: "s1", ClusterID: "c1", Name: "web"}); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	// A failing transaction must roll back every write.
	err := store.Tx(func(tx Store) error {
		if err := tx.DeleteService("s1"); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}

	if _, err := store.GetService("s1"); err != nil {
		t.Errorf("service should survive rolled-back delete: %v", err)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	store := newTestStore(t)

	for i := uint64(1); i <= 3; i++ {
		err := store.AppendAudit(&types.AuditEvent{
			Seq:     i,
			Time:    time.Now().UTC(),
			Actor:   "user-1",
			Action:  "cluster.create",
			Outcome: types.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("AppendAudit(%d): %v", i, err)
		}
	}

	// Duplicate sequence is rejected.
	err := store.AppendAudit(&types.AuditEvent{Seq: 2, Action: "x"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate seq, got %v", err)
	}

	seq, err := store.LastAuditSeq()
	if err != nil {
		t.Fatalf("LastAuditSeq: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected last seq 3, got %d", seq)
	}

	events, err := store.ListAudit("", 2)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 {
		t.Errorf("expected newest-first page of 2, got %+v", events)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.CreateCluster(&types.Cluster{ID: "c1", Name: "prod"}); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	store.Close()

	// Reopen applies migrations again without damage.
	store, err = NewBoltStore(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store.Close()

	if _, err := store.GetCluster("c1"); err != nil {
		t.Errorf("data should survive reopen: %v", err)
	}
}
