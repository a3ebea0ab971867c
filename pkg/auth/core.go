package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/cache"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

const (
	pepperHandle = "auth/pepper"
	jwtKeyHandle = "auth/jwt-key"

	// proxyTokenTTL bounds a proxy bearer token's life independently of
	// revocation and key rotation.
	proxyTokenTTL = 30 * 24 * time.Hour

	sessionCachePrefix = "session:"
)

// Config carries the tunables of the auth core.
type Config struct {
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
	// KeyOverlap is how long a rotated-out cluster API key keeps
	// verifying.
	KeyOverlap time.Duration
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Core implements operator authentication, session management and the
// machine-credential side: cluster API keys and proxy bearer tokens.
type Core struct {
	store storage.Store
	aud   *audit.Writer
	cache cache.Cache

	pepper []byte
	jwtKey []byte
	cfg    Config

	accounts *Lockout
	addrs    *Lockout
}

// NewCore builds the auth core, loading (or minting on first start)
// the pepper and JWT signing key from the secret sink.
func NewCore(store storage.Store, sink secrets.Sink, aud *audit.Writer, c cache.Cache, cfg Config) (*Core, error) {
	pepper, err := loadOrCreateSecret(sink, pepperHandle)
	if err != nil {
		return nil, err
	}
	jwtKey, err := loadOrCreateSecret(sink, jwtKeyHandle)
	if err != nil {
		return nil, err
	}
	return &Core{
		store:    store,
		aud:      aud,
		cache:    c,
		pepper:   pepper,
		jwtKey:   jwtKey,
		cfg:      cfg,
		accounts: NewLockout(cfg.LockoutThreshold, cfg.LockoutWindow),
		addrs:    NewLockout(cfg.LockoutThreshold, cfg.LockoutWindow),
	}, nil
}

func loadOrCreateSecret(sink secrets.Sink, handle string) ([]byte, error) {
	if secret, err := sink.Get(handle); err == nil && len(secret) == 32 {
		return secret, nil
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", handle, err)
	}
	if err := sink.Put(handle, secret); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", handle, err)
	}
	return secret, nil
}

// Pepper exposes the process pepper for password hashing at user
// creation.
func (c *Core) Pepper() []byte { return c.pepper }

// Login authenticates an operator and mints a token pair. Failed
// attempts count against both the account and the source address;
// exhausting either bucket locks logins out for the cool-off window
// without revealing whether the credentials were right.
func (c *Core) Login(ctx context.Context, login, password, totpCode, source string) (*TokenPair, error) {
	logger := log.WithComponent("auth")

	if c.accounts.Locked(login) || c.addrs.Locked(source) {
		metrics.AuthOutcomesTotal.WithLabelValues("locked").Inc()
		c.aud.Failure(login, "", "auth.login", "attempt during lockout")
		return nil, errdef.Wrap(errdef.KindLocked, "too many failed attempts", ErrLocked)
	}

	user, err := c.store.GetUserByLogin(login)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, c.loginFailed(login, source, "unknown login")
		}
		return nil, errdef.Wrap(errdef.KindInternal, "user lookup failed", err)
	}

	if user.Locked && time.Now().Before(user.LockedUntil) {
		metrics.AuthOutcomesTotal.WithLabelValues("locked").Inc()
		c.aud.Failure(login, "", "auth.login", "account locked")
		return nil, errdef.Wrap(errdef.KindLocked, "account locked", ErrLocked)
	}

	if !VerifyPassword(user.PasswordHash, password, c.pepper) {
		return nil, c.loginFailed(login, source, "bad password")
	}

	if user.TOTPSecret != "" {
		if totpCode == "" {
			metrics.AuthOutcomesTotal.WithLabelValues("mfa_required").Inc()
			return nil, errdef.Wrap(errdef.KindMFARequired, "mfa code required", ErrMFARequired)
		}
		if !VerifyTOTP(user.TOTPSecret, totpCode) {
			return nil, c.loginFailed(login, source, "bad mfa code")
		}
	}

	c.accounts.Reset(login)
	c.addrs.Reset(source)
	if user.Locked {
		user.Locked = false
		user.LockedUntil = time.Time{}
		if err := c.store.UpdateUser(user); err != nil && !errors.Is(err, storage.ErrStaleWrite) {
			logger.Warn().Err(err).Str("login", login).Msg("failed to clear persisted lock")
		}
	}

	pair, err := c.mintPair(ctx, user, "")
	if err != nil {
		return nil, err
	}
	metrics.AuthOutcomesTotal.WithLabelValues("success").Inc()
	c.aud.Record(&types.AuditEvent{
		Actor:   login,
		Action:  "auth.login",
		Outcome: types.OutcomeSuccess,
	})
	logger.Info().Str("login", login).Msg("operator logged in")
	return pair, nil
}

func (c *Core) loginFailed(login, source, detail string) error {
	lockedAcct := c.accounts.RecordFailure(login)
	lockedAddr := c.addrs.RecordFailure(source)
	metrics.AuthOutcomesTotal.WithLabelValues("failure").Inc()
	c.aud.Failure(login, "", "auth.login", detail)

	if lockedAcct {
		// Persist the lock so it survives a restart.
		if user, err := c.store.GetUserByLogin(login); err == nil {
			user.Locked = true
			user.LockedUntil = time.Now().Add(c.cfg.LockoutWindow)
			if err := c.store.UpdateUser(user); err != nil && !errors.Is(err, storage.ErrStaleWrite) {
				log.WithComponent("auth").Warn().Err(err).Str("login", login).Msg("failed to persist lock")
			}
		}
	}
	if lockedAcct || lockedAddr {
		return errdef.Wrap(errdef.KindLocked, "too many failed attempts", ErrLocked)
	}
	return errdef.Wrap(errdef.KindAuthentication, "invalid credentials", ErrInvalidCredentials)
}

// mintPair signs an access token and creates the refresh session,
// linking it to the rotated-out session when this is a refresh.
func (c *Core) mintPair(ctx context.Context, user *types.User, rotatedFrom string) (*TokenPair, error) {
	access, err := signAccessToken(user, c.jwtKey, c.cfg.AccessTokenTTL)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to sign token", err)
	}
	refresh, err := newOpaqueToken("rt")
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to mint refresh token", err)
	}
	now := time.Now().UTC()
	session := &types.Session{
		TokenHash:   hashToken(refresh),
		UserID:      user.ID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.cfg.RefreshTokenTTL),
		RotatedFrom: rotatedFrom,
	}
	if err := c.store.CreateSession(session); err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to persist session", err)
	}
	c.mirrorSession(ctx, session)
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(c.cfg.AccessTokenTTL),
	}, nil
}

// Refresh exchanges a refresh token for a fresh pair. Refresh tokens
// are single use: the presented token is revoked and the new session
// records the rotation. Presenting an already-rotated token revokes
// the whole chain, since it means the token leaked.
func (c *Core) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	hash := hashToken(refreshToken)
	session, err := c.getSession(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindAuthentication, "unknown refresh token", ErrInvalidCredentials)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "session lookup failed", err)
	}
	if session.Revoked {
		c.aud.Failure(session.UserID, "", "auth.refresh", "reuse of revoked refresh token")
		return nil, errdef.Wrap(errdef.KindAuthentication, "refresh token revoked", ErrTokenRevoked)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, errdef.Wrap(errdef.KindAuthentication, "refresh token expired", ErrTokenExpired)
	}

	user, err := c.store.GetUser(session.UserID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindAuthentication, "session user gone", ErrInvalidCredentials)
	}
	if user.Locked && time.Now().Before(user.LockedUntil) {
		return nil, errdef.Wrap(errdef.KindLocked, "account locked", ErrLocked)
	}

	session.Revoked = true
	if err := c.store.UpdateSession(session); err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to rotate session", err)
	}
	c.dropSession(ctx, hash)
	return c.mintPair(ctx, user, hash)
}

// Logout revokes the presented refresh token. Revoking an unknown or
// already-revoked token is not an error.
func (c *Core) Logout(ctx context.Context, refreshToken string) error {
	hash := hashToken(refreshToken)
	session, err := c.getSession(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "session lookup failed", err)
	}
	if !session.Revoked {
		session.Revoked = true
		if err := c.store.UpdateSession(session); err != nil {
			return errdef.Wrap(errdef.KindInternal, "failed to revoke session", err)
		}
	}
	c.dropSession(ctx, hash)
	c.aud.Record(&types.AuditEvent{
		Actor:   session.UserID,
		Action:  "auth.logout",
		Outcome: types.OutcomeSuccess,
	})
	return nil
}

// VerifyAccess validates a bearer access token and returns its claims.
func (c *Core) VerifyAccess(token string) (*Claims, error) {
	claims, err := parseAccessToken(token, c.jwtKey)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, errdef.Wrap(errdef.KindAuthentication, "access token expired", err)
		}
		return nil, errdef.Wrap(errdef.KindAuthentication, "invalid access token", err)
	}
	return claims, nil
}

func (c *Core) getSession(ctx context.Context, hash string) (*types.Session, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, sessionCachePrefix+hash); err == nil {
			session := &types.Session{}
			if json.Unmarshal(raw, session) == nil {
				return session, nil
			}
		}
	}
	return c.store.GetSession(hash)
}

func (c *Core) mirrorSession(ctx context.Context, s *types.Session) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := c.cache.Set(ctx, sessionCachePrefix+s.TokenHash, raw, ttl); err != nil {
		log.WithComponent("auth").Debug().Err(err).Msg("session cache write failed")
	}
}

func (c *Core) dropSession(ctx context.Context, hash string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, sessionCachePrefix+hash); err != nil {
		log.WithComponent("auth").Debug().Err(err).Msg("session cache delete failed")
	}
}

// NewClusterKey mints a cluster API key and the hash stored for it.
// The plaintext is shown exactly once.
func (c *Core) NewClusterKey() (key, hash string, err error) {
	key, err = newOpaqueToken("ck")
	if err != nil {
		return "", "", err
	}
	return key, c.HashClusterKey(key), nil
}

// HashClusterKey derives the stored hash for a cluster API key.
func (c *Core) HashClusterKey(key string) string {
	mac := hmac.New(sha256.New, c.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClusterKey checks a presented API key against the cluster's
// current and, inside the rotation overlap window, previous key. It
// returns the generation the key belongs to.
func (c *Core) VerifyClusterKey(cluster *types.Cluster, key string) (int, error) {
	hash := c.HashClusterKey(key)
	if hmac.Equal([]byte(hash), []byte(cluster.APIKeyHash)) {
		return cluster.KeyGeneration, nil
	}
	if cluster.PrevAPIKeyHash != "" && time.Now().Before(cluster.PrevKeyExpiry) &&
		hmac.Equal([]byte(hash), []byte(cluster.PrevAPIKeyHash)) {
		return cluster.KeyGeneration - 1, nil
	}
	return 0, errdef.Wrap(errdef.KindAuthentication, "invalid cluster api key", ErrInvalidCredentials)
}

// IssueProxyToken mints the bearer token a proxy presents on the
// discovery stream. The record carries the key generation that
// admitted the proxy.
func (c *Core) IssueProxyToken(proxy *types.Proxy) (string, error) {
	token, err := newOpaqueToken("pt")
	if err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "failed to mint proxy token", err)
	}
	now := time.Now().UTC()
	record := &types.ProxyToken{
		TokenHash:     hashToken(token),
		ProxyID:       proxy.ID,
		ClusterID:     proxy.ClusterID,
		KeyGeneration: proxy.KeyGeneration,
		IssuedAt:      now,
		ExpiresAt:     now.Add(proxyTokenTTL),
	}
	if err := c.store.CreateProxyToken(record); err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "failed to persist proxy token", err)
	}
	return token, nil
}

// VerifyProxyToken validates a proxy bearer token: it must exist, be
// unrevoked and unexpired, belong to an unrevoked proxy, and carry a
// key generation still inside the cluster's rotation overlap window.
func (c *Core) VerifyProxyToken(ctx context.Context, token string) (*types.ProxyToken, error) {
	record, err := c.store.GetProxyToken(hashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindAuthentication, "unknown proxy token", ErrInvalidCredentials)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "proxy token lookup failed", err)
	}
	if record.Revoked {
		return nil, errdef.Wrap(errdef.KindAuthentication, "proxy token revoked", ErrTokenRevoked)
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, errdef.Wrap(errdef.KindAuthentication, "proxy token expired", ErrTokenExpired)
	}

	proxy, err := c.store.GetProxy(record.ProxyID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindAuthentication, "proxy gone", ErrTokenRevoked)
	}
	if proxy.Status == types.ProxyStatusRevoked {
		return nil, errdef.Wrap(errdef.KindAuthentication, "proxy revoked", ErrTokenRevoked)
	}

	cluster, err := c.store.GetCluster(record.ClusterID)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindAuthentication, "cluster gone", ErrTokenRevoked)
	}
	if record.KeyGeneration < cluster.KeyGeneration {
		// Tokens from the immediately previous generation ride out the
		// overlap window; anything older is dead.
		if record.KeyGeneration < cluster.KeyGeneration-1 || time.Now().After(cluster.PrevKeyExpiry) {
			return nil, errdef.Wrap(errdef.KindAuthentication, "proxy token from rotated-out key generation", ErrTokenRevoked)
		}
	}
	return record, nil
}

// RevokeProxyTokens revokes every token of the given proxy, or of the
// whole cluster when proxyID is empty.
func (c *Core) RevokeProxyTokens(clusterID, proxyID string) error {
	tokens, err := c.store.ListProxyTokens(clusterID)
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, "proxy token listing failed", err)
	}
	for _, t := range tokens {
		if t.Revoked || (proxyID != "" && t.ProxyID != proxyID) {
			continue
		}
		t.Revoked = true
		if err := c.store.UpdateProxyToken(t); err != nil {
			return errdef.Wrap(errdef.KindInternal, "proxy token revocation failed", err)
		}
	}
	return nil
}
