package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

func newTestCore(t *testing.T) (*Core, storage.Store) {
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
	core, err := NewCore(store, sink, aud, nil, Config{
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  24 * time.Hour,
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		KeyOverlap:       time.Hour,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return core, store
}

func createTestUser(t *testing.T, core *Core, store storage.Store, login, password string) *types.User {
	t.Helper()
	hash, err := HashPassword(password, core.Pepper())
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &types.User{
		ID:           "u-" + login,
		Login:        login,
		PasswordHash: hash,
		Roles:        map[string]types.Role{types.GlobalScope: types.RoleAdministrator},
	}
	if err := store.CreateUser(user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func TestLoginSuccess(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")

	pair, err := core.Login(context.Background(), "alice", "s3cret-pw", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	claims, err := core.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Login != "alice" {
		t.Errorf("expected login alice, got %s", claims.Login)
	}
	if claims.Roles[types.GlobalScope] != types.RoleAdministrator {
		t.Errorf("expected global administrator role in claims")
	}
}

func TestLoginBadPassword(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")

	_, err := core.Login(context.Background(), "alice", "wrong", "", "10.0.0.1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	// Unknown logins fail the same way.
	_, err = core.Login(context.Background(), "nobody", "wrong", "", "10.0.0.1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown login, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")

	// The first threshold failures report plain bad credentials; only
	// the attempt past the threshold locks.
	for i := 0; i < 5; i++ {
		_, err := core.Login(context.Background(), "alice", "wrong", "", "10.0.0.1")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	_, err := core.Login(context.Background(), "alice", "wrong", "", "10.0.0.1")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked past the threshold, got %v", err)
	}

	// Correct credentials are rejected during the cool-off window.
	_, err = core.Login(context.Background(), "alice", "s3cret-pw", "", "10.0.0.1")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked with correct password during lockout, got %v", err)
	}

	// The lock survives in the persisted record too.
	user, err := store.GetUserByLogin("alice")
	if err != nil {
		t.Fatalf("GetUserByLogin: %v", err)
	}
	if !user.Locked || user.LockedUntil.IsZero() {
		t.Error("expected persisted lock on user record")
	}
}

func TestSourceAddressLockout(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")
	createTestUser(t, core, store, "bob", "hunter22-pw")

	// The threshold admits five failures from one address; the sixth
	// locks the address for every account.
	for i := 0; i < 5; i++ {
		if _, err := core.Login(context.Background(), "nobody", "wrong", "", "10.9.9.9"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := core.Login(context.Background(), "nobody", "wrong", "", "10.9.9.9"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked past the threshold, got %v", err)
	}
	_, err := core.Login(context.Background(), "bob", "hunter22-pw", "", "10.9.9.9")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for locked source address, got %v", err)
	}

	// Other addresses are unaffected.
	if _, err := core.Login(context.Background(), "bob", "hunter22-pw", "", "10.0.0.2"); err != nil {
		t.Fatalf("Login from clean address: %v", err)
	}
}

func TestLoginMFA(t *testing.T) {
	core, store := newTestCore(t)
	user := createTestUser(t, core, store, "alice", "s3cret-pw")

	secret, err := GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	user.TOTPSecret = secret
	if err := store.UpdateUser(user); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	// Correct password without a code gets the MFA challenge, not a
	// failure.
	_, err = core.Login(context.Background(), "alice", "s3cret-pw", "", "10.0.0.1")
	if !errors.Is(err, ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}

	// A wrong code is a credential failure.
	_, err = core.Login(context.Background(), "alice", "s3cret-pw", "000000", "10.0.0.1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad code, got %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")

	pair, err := core.Login(context.Background(), "alice", "s3cret-pw", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := core.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh must rotate the token")
	}

	// The rotated-out token is single use.
	if _, err := core.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked on reuse, got %v", err)
	}

	// The fresh token still works.
	if _, err := core.Refresh(context.Background(), next.RefreshToken); err != nil {
		t.Fatalf("Refresh with rotated token: %v", err)
	}
}

func TestLogout(t *testing.T) {
	core, store := newTestCore(t)
	createTestUser(t, core, store, "alice", "s3cret-pw")

	pair, err := core.Login(context.Background(), "alice", "s3cret-pw", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := core.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := core.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}

	// Logout is idempotent, including for unknown tokens.
	if err := core.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if err := core.Logout(context.Background(), "rt_deadbeef"); err != nil {
		t.Fatalf("Logout of unknown token: %v", err)
	}
}

func TestClusterKeyRotationOverlap(t *testing.T) {
	core, _ := newTestCore(t)

	oldKey, oldHash, err := core.NewClusterKey()
	if err != nil {
		t.Fatalf("NewClusterKey: %v", err)
	}
	newKey, newHash, err := core.NewClusterKey()
	if err != nil {
		t.Fatalf("NewClusterKey: %v", err)
	}

	cluster := &types.Cluster{
		ID:             "c1",
		APIKeyHash:     newHash,
		PrevAPIKeyHash: oldHash,
		PrevKeyExpiry:  time.Now().Add(time.Hour),
		KeyGeneration:  2,
	}

	gen, err := core.VerifyClusterKey(cluster, newKey)
	if err != nil || gen != 2 {
		t.Fatalf("current key: gen=%d err=%v", gen, err)
	}
	gen, err = core.VerifyClusterKey(cluster, oldKey)
	if err != nil || gen != 1 {
		t.Fatalf("previous key inside overlap: gen=%d err=%v", gen, err)
	}

	// Past the overlap window the previous key is dead.
	cluster.PrevKeyExpiry = time.Now().Add(-time.Minute)
	if _, err := core.VerifyClusterKey(cluster, oldKey); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials past overlap, got %v", err)
	}

	if _, err := core.VerifyClusterKey(cluster, "ck_bogus"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bogus key, got %v", err)
	}
}

func TestProxyTokenLifecycle(t *testing.T) {
	core, store := newTestCore(t)

	cluster := &types.Cluster{ID: "c1", Name: "edge", Tier: types.TierCommunity, KeyGeneration: 1}
	if err := store.CreateCluster(cluster); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	proxy := &types.Proxy{
		ID:            "p1",
		ClusterID:     "c1",
		Type:          types.ProxyTypeL7,
		Status:        types.ProxyStatusActive,
		KeyGeneration: 1,
	}
	if err := store.CreateProxy(proxy); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}

	token, err := core.IssueProxyToken(proxy)
	if err != nil {
		t.Fatalf("IssueProxyToken: %v", err)
	}
	record, err := core.VerifyProxyToken(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyProxyToken: %v", err)
	}
	if record.ProxyID != "p1" || record.KeyGeneration != 1 {
		t.Errorf("unexpected token record: %+v", record)
	}

	if err := core.RevokeProxyTokens("c1", "p1"); err != nil {
		t.Fatalf("RevokeProxyTokens: %v", err)
	}
	if _, err := core.VerifyProxyToken(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after revocation, got %v", err)
	}
}

func TestProxyTokenGenerationWindow(t *testing.T) {
	core, store := newTestCore(t)

	cluster := &types.Cluster{ID: "c1", Name: "edge", Tier: types.TierCommunity, KeyGeneration: 1}
	if err := store.CreateCluster(cluster); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	proxy := &types.Proxy{
		ID:            "p1",
		ClusterID:     "c1",
		Type:          types.ProxyTypeL3L4,
		Status:        types.ProxyStatusActive,
		KeyGeneration: 1,
	}
	if err := store.CreateProxy(proxy); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	token, err := core.IssueProxyToken(proxy)
	if err != nil {
		t.Fatalf("IssueProxyToken: %v", err)
	}

	// Rotate the cluster key with an open overlap window: old-generation
	// tokens still verify.
	cluster, err = store.GetCluster("c1")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	cluster.KeyGeneration = 2
	cluster.PrevKeyExpiry = time.Now().Add(time.Hour)
	if err := store.UpdateCluster(cluster); err != nil {
		t.Fatalf("UpdateCluster: %v", err)
	}
	if _, err := core.VerifyProxyToken(context.Background(), token); err != nil {
		t.Fatalf("token inside overlap window: %v", err)
	}

	// Close the window: the token dies.
	cluster, _ = store.GetCluster("c1")
	cluster.PrevKeyExpiry = time.Now().Add(-time.Minute)
	if err := store.UpdateCluster(cluster); err != nil {
		t.Fatalf("UpdateCluster: %v", err)
	}
	if _, err := core.VerifyProxyToken(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked past overlap, got %v", err)
	}

	// A revoked proxy's token fails even with a fresh generation.
	proxy2 := &types.Proxy{ID: "p2", ClusterID: "c1", Type: types.ProxyTypeL7, Status: types.ProxyStatusActive, KeyGeneration: 2}
	if err := store.CreateProxy(proxy2); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	token2, err := core.IssueProxyToken(proxy2)
	if err != nil {
		t.Fatalf("IssueProxyToken: %v", err)
	}
	proxy2, _ = store.GetProxy("p2")
	proxy2.Status = types.ProxyStatusRevoked
	if err := store.UpdateProxy(proxy2); err != nil {
		t.Fatalf("UpdateProxy: %v", err)
	}
	if _, err := core.VerifyProxyToken(context.Background(), token2); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked for revoked proxy, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	claims := &Claims{
		Login: "bob",
		Roles: map[string]types.Role{"c1": types.RoleServiceOwner},
	}
	if err := Authorize(claims, ActionRead, "c1"); err != nil {
		t.Errorf("service-owner read on own cluster: %v", err)
	}
	if err := Authorize(claims, ActionWriteService, "c1"); err != nil {
		t.Errorf("service-owner write_service on own cluster: %v", err)
	}
	if err := Authorize(claims, ActionAdmin, "c1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("service-owner admin should be forbidden, got %v", err)
	}
	if err := Authorize(claims, ActionRead, "c2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("read on foreign cluster should be forbidden, got %v", err)
	}

	admin := &Claims{
		Login: "root",
		Roles: map[string]types.Role{types.GlobalScope: types.RoleAdministrator},
	}
	if err := Authorize(admin, ActionAdmin, "c2"); err != nil {
		t.Errorf("global admin on any cluster: %v", err)
	}
	if !IsGlobalAdmin(admin) || IsGlobalAdmin(claims) {
		t.Error("IsGlobalAdmin misclassified")
	}
}
