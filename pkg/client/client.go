package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Client talks to the control plane's REST API. It holds the access
// token from Login and re-sends it on every request.
type Client struct {
	base    string
	http    *http.Client
	token   string
	refresh string
}

// New creates a client for the given base URL, e.g.
// "https://cordon.internal:8440".
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken installs a previously obtained access token.
func (c *Client) SetToken(token string) { c.token = token }

// errorEnvelope mirrors the API's error body.
type errorEnvelope struct {
	Error struct {
		Kind          string            `json:"kind"`
		Message       string            `json:"message"`
		Details       map[string]string `json:"details,omitempty"`
		CorrelationID string            `json:"correlation_id,omitempty"`
	} `json:"error"`
}

// do performs one request. Non-2xx responses are decoded back into the
// typed error the server produced.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdef.Wrap(errdef.KindUnavailable, "control plane unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Kind == "" {
		return errdef.Newf(errdef.KindInternal, "unexpected response status %d", resp.StatusCode)
	}
	e := errdef.New(errdef.Kind(env.Error.Kind), env.Error.Message)
	if len(env.Error.Details) > 0 {
		e = e.WithDetails(env.Error.Details)
	}
	return e
}

// --- Auth ---

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// Login authenticates and remembers the returned token pair.
func (c *Client) Login(ctx context.Context, login, password, totpCode string) (*auth.TokenPair, error) {
	pair := &auth.TokenPair{}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", &loginRequest{
		Login: login, Password: password, TOTPCode: totpCode,
	}, pair)
	if err != nil {
		return nil, err
	}
	c.token = pair.AccessToken
	c.refresh = pair.RefreshToken
	return pair, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates the refresh token and installs the new pair.
func (c *Client) Refresh(ctx context.Context) (*auth.TokenPair, error) {
	pair := &auth.TokenPair{}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", &refreshRequest{RefreshToken: c.refresh}, pair)
	if err != nil {
		return nil, err
	}
	c.token = pair.AccessToken
	c.refresh = pair.RefreshToken
	return pair, nil
}

// Logout revokes the session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/logout", &refreshRequest{RefreshToken: c.refresh}, nil)
	c.token = ""
	c.refresh = ""
	return err
}

// --- Clusters ---

type createClusterRequest struct {
	Name string     `json:"name"`
	Tier types.Tier `json:"tier"`
}

// ClusterWithKey pairs a cluster with the plaintext API key that is
// only ever returned at creation or rotation time.
type ClusterWithKey struct {
	Cluster *types.Cluster `json:"cluster"`
	APIKey  string         `json:"api_key"`
}

func (c *Client) CreateCluster(ctx context.Context, name string, tier types.Tier) (*ClusterWithKey, error) {
	out := &ClusterWithKey{}
	if err := c.do(ctx, http.MethodPost, "/api/v1/clusters", &createClusterRequest{Name: name, Tier: tier}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var out []*types.Cluster
	if err := c.do(ctx, http.MethodGet, "/api/v1/clusters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCluster(ctx context.Context, id string) (*types.Cluster, error) {
	out := &types.Cluster{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/clusters/"+url.PathEscape(id), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteCluster(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/clusters/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RotateClusterKey(ctx context.Context, id string) (*ClusterWithKey, error) {
	out := &ClusterWithKey{}
	if err := c.do(ctx, http.MethodPost, "/api/v1/clusters/"+url.PathEscape(id)+"/rotate-key", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Services ---

func (c *Client) CreateService(ctx context.Context, clusterID string, spec *manager.ServiceSpec) (*types.Service, error) {
	out := &types.Service{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/services"
	if err := c.do(ctx, http.MethodPost, path, spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListServices(ctx context.Context, clusterID string) ([]*types.Service, error) {
	var out []*types.Service
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/services"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetService(ctx context.Context, clusterID, id string) (*types.Service, error) {
	out := &types.Service{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/services/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

type updateServiceRequest struct {
	manager.ServiceSpec
	ExpectedVersion int64 `json:"expected_version"`
}

// UpdateService replaces the service definition; expectedVersion is
// the version the caller last read, and a stale error carries the
// current version in its details.
func (c *Client) UpdateService(ctx context.Context, clusterID, id string, spec *manager.ServiceSpec, expectedVersion int64) (*types.Service, error) {
	out := &types.Service{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/services/" + url.PathEscape(id)
	req := &updateServiceRequest{ServiceSpec: *spec, ExpectedVersion: expectedVersion}
	if err := c.do(ctx, http.MethodPut, path, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteService(ctx context.Context, clusterID, id string, cascade bool) error {
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/services/" + url.PathEscape(id)
	if cascade {
		path += "?cascade=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// --- Mappings ---

func (c *Client) CreateMapping(ctx context.Context, clusterID string, spec *manager.MappingSpec) (*types.Mapping, error) {
	out := &types.Mapping{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/mappings"
	if err := c.do(ctx, http.MethodPost, path, spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMappings(ctx context.Context, clusterID string) ([]*types.Mapping, error) {
	var out []*types.Mapping
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/mappings"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMapping(ctx context.Context, clusterID, id string) (*types.Mapping, error) {
	out := &types.Mapping{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/mappings/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

type updateMappingRequest struct {
	manager.MappingSpec
	ExpectedVersion int64 `json:"expected_version"`
}

func (c *Client) UpdateMapping(ctx context.Context, clusterID, id string, spec *manager.MappingSpec, expectedVersion int64) (*types.Mapping, error) {
	out := &types.Mapping{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/mappings/" + url.PathEscape(id)
	req := &updateMappingRequest{MappingSpec: *spec, ExpectedVersion: expectedVersion}
	if err := c.do(ctx, http.MethodPut, path, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteMapping(ctx context.Context, clusterID, id string) error {
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/mappings/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// --- Proxies ---

func (c *Client) ListProxies(ctx context.Context, clusterID string) ([]*types.Proxy, error) {
	var out []*types.Proxy
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/proxies"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (c *Client) RevokeProxy(ctx context.Context, id, reason string) error {
	path := "/api/v1/proxies/" + url.PathEscape(id) + "/revoke"
	return c.do(ctx, http.MethodPost, path, &revokeRequest{Reason: reason}, nil)
}

// --- CA & certificates ---

func (c *Client) RotateCA(ctx context.Context, clusterID string) (*types.CA, error) {
	out := &types.CA{}
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/ca/rotate"
	if err := c.do(ctx, http.MethodPost, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCertificates(ctx context.Context, clusterID string) ([]*types.Certificate, error) {
	var out []*types.Certificate
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/certs"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RevokeCertificate(ctx context.Context, clusterID, certID, reason string) error {
	path := "/api/v1/clusters/" + url.PathEscape(clusterID) + "/certs/" + url.PathEscape(certID) + "/revoke"
	return c.do(ctx, http.MethodPost, path, &revokeRequest{Reason: reason}, nil)
}

// --- Users ---

type createUserRequest struct {
	Login    string                `json:"login"`
	Password string                `json:"password"`
	Roles    map[string]types.Role `json:"roles,omitempty"`
}

func (c *Client) CreateUser(ctx context.Context, login, password string, roles map[string]types.Role) (*types.User, error) {
	out := &types.User{}
	req := &createUserRequest{Login: login, Password: password, Roles: roles}
	if err := c.do(ctx, http.MethodPost, "/api/v1/users", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]*types.User, error) {
	var out []*types.User
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type assignRoleRequest struct {
	Scope string     `json:"scope"`
	Role  types.Role `json:"role"`
}

func (c *Client) AssignRole(ctx context.Context, userID, scope string, role types.Role) (*types.User, error) {
	out := &types.User{}
	path := "/api/v1/users/" + url.PathEscape(userID) + "/role"
	if err := c.do(ctx, http.MethodPost, path, &assignRoleRequest{Scope: scope, Role: role}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LockUser(ctx context.Context, userID string) (*types.User, error) {
	return c.setLock(ctx, userID, "lock")
}

func (c *Client) UnlockUser(ctx context.Context, userID string) (*types.User, error) {
	return c.setLock(ctx, userID, "unlock")
}

func (c *Client) setLock(ctx context.Context, userID, op string) (*types.User, error) {
	out := &types.User{}
	path := "/api/v1/users/" + url.PathEscape(userID) + "/" + op
	if err := c.do(ctx, http.MethodPost, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnableTOTP turns on a user's second factor and returns the shared
// secret; the server does not keep a retrievable copy.
func (c *Client) EnableTOTP(ctx context.Context, userID string) (string, error) {
	var out struct {
		TOTPSecret string `json:"totp_secret"`
	}
	path := "/api/v1/users/" + url.PathEscape(userID) + "/totp"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.TOTPSecret, nil
}

// --- Audit ---

func (c *Client) ListAudit(ctx context.Context, clusterID string, limit int) ([]*types.AuditEvent, error) {
	var out []*types.AuditEvent
	q := url.Values{}
	if clusterID != "" {
		q.Set("cluster_id", clusterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
