package storage

import (
	"errors"

	"github.com/cordonlabs/cordon/pkg/types"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrStaleWrite: the entity was modified since it was read.
	ErrStaleWrite = errors.New("stale write")
	// ErrStore: the store itself failed (transport, integrity).
	ErrStore = errors.New("store failure")
)

// Store is the typed repository over the persistent state. Updates
// use optimistic concurrency: the entity's Version must match the
// stored version or the update fails with ErrStaleWrite. Uniqueness
// constraints (cluster name, service name per cluster, user login)
// are enforced here; all other business invariants belong to the
// service layer.
type Store interface {
	// Clusters
	CreateCluster(c *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(c *types.Cluster) error
	DeleteCluster(id string) error

	// Services
	CreateService(svc *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByName(clusterID, name string) (*types.Service, error)
	ListServices(clusterID string) ([]*types.Service, error)
	UpdateService(svc *types.Service) error
	DeleteService(id string) error

	// Mappings
	CreateMapping(m *types.Mapping) error
	GetMapping(id string) (*types.Mapping, error)
	ListMappings(clusterID string) ([]*types.Mapping, error)
	UpdateMapping(m *types.Mapping) error
	DeleteMapping(id string) error

	// Proxies
	CreateProxy(p *types.Proxy) error
	GetProxy(id string) (*types.Proxy, error)
	ListProxies(clusterID string) ([]*types.Proxy, error)
	ListAllProxies() ([]*types.Proxy, error)
	UpdateProxy(p *types.Proxy) error
	DeleteProxy(id string) error

	// Users
	CreateUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByLogin(login string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(u *types.User) error
	DeleteUser(id string) error

	// Certificate authorities
	CreateCA(ca *types.CA) error
	GetCA(id string) (*types.CA, error)
	ListCAs(clusterID string) ([]*types.CA, error)
	UpdateCA(ca *types.CA) error

	// Certificates
	CreateCertificate(cert *types.Certificate) error
	GetCertificate(id string) (*types.Certificate, error)
	ListCertificates(clusterID string) ([]*types.Certificate, error)
	UpdateCertificate(cert *types.Certificate) error

	// CRL
	AppendCRL(entry *types.CRLEntry) error
	ListCRL(clusterID string) ([]*types.CRLEntry, error)

	// Sessions (refresh tokens)
	CreateSession(s *types.Session) error
	GetSession(tokenHash string) (*types.Session, error)
	UpdateSession(s *types.Session) error
	DeleteSession(tokenHash string) error

	// Proxy tokens
	CreateProxyToken(t *types.ProxyToken) error
	GetProxyToken(tokenHash string) (*types.ProxyToken, error)
	ListProxyTokens(clusterID string) ([]*types.ProxyToken, error)
	UpdateProxyToken(t *types.ProxyToken) error

	// Audit (append-only; never updated or deleted)
	AppendAudit(e *types.AuditEvent) error
	ListAudit(clusterID string, limit int) ([]*types.AuditEvent, error)
	LastAuditSeq() (uint64, error)

	// Tx runs fn with a Store view whose writes commit atomically.
	// Nested Tx calls join the enclosing transaction.
	Tx(fn func(tx Store) error) error

	Close() error
}
