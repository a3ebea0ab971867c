package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cordonlabs/cordon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters    = []byte("clusters")
	bucketServices    = []byte("services")
	bucketMappings    = []byte("mappings")
	bucketProxies     = []byte("proxies")
	bucketUsers       = []byte("users")
	bucketCAs         = []byte("cas")
	bucketCerts       = []byte("certificates")
	bucketCRL         = []byte("crl_entries")
	bucketAudit       = []byte("audit_events")
	bucketSessions    = []byte("sessions")
	bucketProxyTokens = []byte("proxy_tokens")
	bucketMeta        = []byte("meta")

	// Uniqueness indexes
	idxClusterNames = []byte("idx_cluster_names")
	idxServiceNames = []byte("idx_service_names")
	idxUserLogins   = []byte("idx_user_logins")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and
// applies any pending schema migrations.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cordon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStore, err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Tx runs fn inside a single writable transaction.
func (s *BoltStore) Tx(fn func(tx Store) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) update(fn func(t *boltTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) view(fn func(t *boltTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// boltTx implements Store against one open transaction. BoltStore
// delegates every operation here so that Tx gets the same semantics
// as the one-shot methods.
type boltTx struct {
	tx *bolt.Tx
}

// Tx joins the enclosing transaction.
func (t *boltTx) Tx(fn func(tx Store) error) error {
	return fn(t)
}

// Close is a no-op inside a transaction.
func (t *boltTx) Close() error { return nil }

func (t *boltTx) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStore, err)
	}
	return t.tx.Bucket(bucket).Put([]byte(key), data)
}

func (t *boltTx) get(bucket []byte, key string, v interface{}) error {
	data := t.tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
	}
	return nil
}

func serviceNameKey(clusterID, name string) string {
	return clusterID + "/" + name
}

// --- Clusters ---

func (t *boltTx) CreateCluster(c *types.Cluster) error {
	idx := t.tx.Bucket(idxClusterNames)
	if idx.Get([]byte(c.Name)) != nil {
		return fmt.Errorf("%w: cluster name %q already taken", ErrConflict, c.Name)
	}
	c.Version = 1
	if err := idx.Put([]byte(c.Name), []byte(c.ID)); err != nil {
		return err
	}
	return t.put(bucketClusters, c.ID, c)
}

func (t *boltTx) GetCluster(id string) (*types.Cluster, error) {
	var c types.Cluster
	if err := t.get(bucketClusters, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) GetClusterByName(name string) (*types.Cluster, error) {
	id := t.tx.Bucket(idxClusterNames).Get([]byte(name))
	if id == nil {
		return nil, ErrNotFound
	}
	return t.GetCluster(string(id))
}

func (t *boltTx) ListClusters() ([]*types.Cluster, error) {
	var out []*types.Cluster
	err := t.tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
		var c types.Cluster
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateCluster(c *types.Cluster) error {
	current, err := t.GetCluster(c.ID)
	if err != nil {
		return err
	}
	if current.Version != c.Version {
		return fmt.Errorf("%w: cluster %s at version %d, expected %d", ErrStaleWrite, c.ID, current.Version, c.Version)
	}
	if current.Name != c.Name {
		idx := t.tx.Bucket(idxClusterNames)
		if idx.Get([]byte(c.Name)) != nil {
			return fmt.Errorf("%w: cluster name %q already taken", ErrConflict, c.Name)
		}
		if err := idx.Delete([]byte(current.Name)); err != nil {
			return err
		}
		if err := idx.Put([]byte(c.Name), []byte(c.ID)); err != nil {
			return err
		}
	}
	c.Version++
	return t.put(bucketClusters, c.ID, c)
}

func (t *boltTx) DeleteCluster(id string) error {
	c, err := t.GetCluster(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(idxClusterNames).Delete([]byte(c.Name)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketClusters).Delete([]byte(id))
}

// --- Services ---

func (t *boltTx) CreateService(svc *types.Service) error {
	idx := t.tx.Bucket(idxServiceNames)
	key := serviceNameKey(svc.ClusterID, svc.Name)
	if idx.Get([]byte(key)) != nil {
		return fmt.Errorf("%w: service name %q already taken in cluster", ErrConflict, svc.Name)
	}
	svc.Version = 1
	if err := idx.Put([]byte(key), []byte(svc.ID)); err != nil {
		return err
	}
	return t.put(bucketServices, svc.ID, svc)
}

func (t *boltTx) GetService(id string) (*types.Service, error) {
	var svc types.Service
	if err := t.get(bucketServices, id, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (t *boltTx) GetServiceByName(clusterID, name string) (*types.Service, error) {
	id := t.tx.Bucket(idxServiceNames).Get([]byte(serviceNameKey(clusterID, name)))
	if id == nil {
		return nil, ErrNotFound
	}
	return t.GetService(string(id))
}

func (t *boltTx) ListServices(clusterID string) ([]*types.Service, error) {
	var out []*types.Service
	err := t.tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
		var svc types.Service
		if err := json.Unmarshal(v, &svc); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || svc.ClusterID == clusterID {
			out = append(out, &svc)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateService(svc *types.Service) error {
	current, err := t.GetService(svc.ID)
	if err != nil {
		return err
	}
	if current.Version != svc.Version {
		return fmt.Errorf("%w: service %s at version %d, expected %d", ErrStaleWrite, svc.ID, current.Version, svc.Version)
	}
	if current.Name != svc.Name {
		idx := t.tx.Bucket(idxServiceNames)
		newKey := serviceNameKey(svc.ClusterID, svc.Name)
		if idx.Get([]byte(newKey)) != nil {
			return fmt.Errorf("%w: service name %q already taken in cluster", ErrConflict, svc.Name)
		}
		if err := idx.Delete([]byte(serviceNameKey(current.ClusterID, current.Name))); err != nil {
			return err
		}
		if err := idx.Put([]byte(newKey), []byte(svc.ID)); err != nil {
			return err
		}
	}
	svc.Version++
	return t.put(bucketServices, svc.ID, svc)
}

func (t *boltTx) DeleteService(id string) error {
	svc, err := t.GetService(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(idxServiceNames).Delete([]byte(serviceNameKey(svc.ClusterID, svc.Name))); err != nil {
		return err
	}
	return t.tx.Bucket(bucketServices).Delete([]byte(id))
}

// --- Mappings ---

func (t *boltTx) CreateMapping(m *types.Mapping) error {
	m.Version = 1
	return t.put(bucketMappings, m.ID, m)
}

func (t *boltTx) GetMapping(id string) (*types.Mapping, error) {
	var m types.Mapping
	if err := t.get(bucketMappings, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *boltTx) ListMappings(clusterID string) ([]*types.Mapping, error) {
	var out []*types.Mapping
	err := t.tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
		var m types.Mapping
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || m.ClusterID == clusterID {
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateMapping(m *types.Mapping) error {
	current, err := t.GetMapping(m.ID)
	if err != nil {
		return err
	}
	if current.Version != m.Version {
		return fmt.Errorf("%w: mapping %s at version %d, expected %d", ErrStaleWrite, m.ID, current.Version, m.Version)
	}
	m.Version++
	return t.put(bucketMappings, m.ID, m)
}

func (t *boltTx) DeleteMapping(id string) error {
	if _, err := t.GetMapping(id); err != nil {
		return err
	}
	return t.tx.Bucket(bucketMappings).Delete([]byte(id))
}

// --- Proxies ---

func (t *boltTx) CreateProxy(p *types.Proxy) error {
	p.Version = 1
	return t.put(bucketProxies, p.ID, p)
}

func (t *boltTx) GetProxy(id string) (*types.Proxy, error) {
	var p types.Proxy
	if err := t.get(bucketProxies, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *boltTx) ListProxies(clusterID string) ([]*types.Proxy, error) {
	var out []*types.Proxy
	err := t.tx.Bucket(bucketProxies).ForEach(func(k, v []byte) error {
		var p types.Proxy
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || p.ClusterID == clusterID {
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) ListAllProxies() ([]*types.Proxy, error) {
	return t.ListProxies("")
}

func (t *boltTx) UpdateProxy(p *types.Proxy) error {
	current, err := t.GetProxy(p.ID)
	if err != nil {
		return err
	}
	if current.Version != p.Version {
		return fmt.Errorf("%w: proxy %s at version %d, expected %d", ErrStaleWrite, p.ID, current.Version, p.Version)
	}
	p.Version++
	return t.put(bucketProxies, p.ID, p)
}

func (t *boltTx) DeleteProxy(id string) error {
	if _, err := t.GetProxy(id); err != nil {
		return err
	}
	return t.tx.Bucket(bucketProxies).Delete([]byte(id))
}

// --- Users ---

func (t *boltTx) CreateUser(u *types.User) error {
	idx := t.tx.Bucket(idxUserLogins)
	if idx.Get([]byte(u.Login)) != nil {
		return fmt.Errorf("%w: login %q already taken", ErrConflict, u.Login)
	}
	u.Version = 1
	if err := idx.Put([]byte(u.Login), []byte(u.ID)); err != nil {
		return err
	}
	return t.put(bucketUsers, u.ID, u)
}

func (t *boltTx) GetUser(id string) (*types.User, error) {
	var u types.User
	if err := t.get(bucketUsers, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *boltTx) GetUserByLogin(login string) (*types.User, error) {
	id := t.tx.Bucket(idxUserLogins).Get([]byte(login))
	if id == nil {
		return nil, ErrNotFound
	}
	return t.GetUser(string(id))
}

func (t *boltTx) ListUsers() ([]*types.User, error) {
	var out []*types.User
	err := t.tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
		var u types.User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateUser(u *types.User) error {
	current, err := t.GetUser(u.ID)
	if err != nil {
		return err
	}
	if current.Version != u.Version {
		return fmt.Errorf("%w: user %s at version %d, expected %d", ErrStaleWrite, u.ID, current.Version, u.Version)
	}
	u.Version++
	return t.put(bucketUsers, u.ID, u)
}

func (t *boltTx) DeleteUser(id string) error {
	u, err := t.GetUser(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(idxUserLogins).Delete([]byte(u.Login)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketUsers).Delete([]byte(id))
}

// --- Certificate authorities ---

func (t *boltTx) CreateCA(ca *types.CA) error {
	ca.Version = 1
	return t.put(bucketCAs, ca.ID, ca)
}

func (t *boltTx) GetCA(id string) (*types.CA, error) {
	var ca types.CA
	if err := t.get(bucketCAs, id, &ca); err != nil {
		return nil, err
	}
	return &ca, nil
}

func (t *boltTx) ListCAs(clusterID string) ([]*types.CA, error) {
	var out []*types.CA
	err := t.tx.Bucket(bucketCAs).ForEach(func(k, v []byte) error {
		var ca types.CA
		if err := json.Unmarshal(v, &ca); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || ca.ClusterID == clusterID {
			out = append(out, &ca)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateCA(ca *types.CA) error {
	current, err := t.GetCA(ca.ID)
	if err != nil {
		return err
	}
	if current.Version != ca.Version {
		return fmt.Errorf("%w: ca %s at version %d, expected %d", ErrStaleWrite, ca.ID, current.Version, ca.Version)
	}
	ca.Version++
	return t.put(bucketCAs, ca.ID, ca)
}

// --- Certificates ---

func (t *boltTx) CreateCertificate(cert *types.Certificate) error {
	return t.put(bucketCerts, cert.ID, cert)
}

func (t *boltTx) GetCertificate(id string) (*types.Certificate, error) {
	var cert types.Certificate
	if err := t.get(bucketCerts, id, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (t *boltTx) ListCertificates(clusterID string) ([]*types.Certificate, error) {
	var out []*types.Certificate
	err := t.tx.Bucket(bucketCerts).ForEach(func(k, v []byte) error {
		var cert types.Certificate
		if err := json.Unmarshal(v, &cert); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || cert.ClusterID == clusterID {
			out = append(out, &cert)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateCertificate(cert *types.Certificate) error {
	if _, err := t.GetCertificate(cert.ID); err != nil {
		return err
	}
	return t.put(bucketCerts, cert.ID, cert)
}

// --- CRL ---

func crlKey(caID string, serial int64) string {
	return fmt.Sprintf("%s/%016x", caID, serial)
}

func (t *boltTx) AppendCRL(entry *types.CRLEntry) error {
	return t.put(bucketCRL, crlKey(entry.CAID, entry.Serial), entry)
}

func (t *boltTx) ListCRL(clusterID string) ([]*types.CRLEntry, error) {
	var out []*types.CRLEntry
	err := t.tx.Bucket(bucketCRL).ForEach(func(k, v []byte) error {
		var e types.CRLEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || e.ClusterID == clusterID {
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// --- Sessions ---

func (t *boltTx) CreateSession(s *types.Session) error {
	return t.put(bucketSessions, s.TokenHash, s)
}

func (t *boltTx) GetSession(tokenHash string) (*types.Session, error) {
	var s types.Session
	if err := t.get(bucketSessions, tokenHash, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTx) UpdateSession(s *types.Session) error {
	if _, err := t.GetSession(s.TokenHash); err != nil {
		return err
	}
	return t.put(bucketSessions, s.TokenHash, s)
}

func (t *boltTx) DeleteSession(tokenHash string) error {
	return t.tx.Bucket(bucketSessions).Delete([]byte(tokenHash))
}

// --- Proxy tokens ---

func (t *boltTx) CreateProxyToken(pt *types.ProxyToken) error {
	return t.put(bucketProxyTokens, pt.TokenHash, pt)
}

func (t *boltTx) GetProxyToken(tokenHash string) (*types.ProxyToken, error) {
	var pt types.ProxyToken
	if err := t.get(bucketProxyTokens, tokenHash, &pt); err != nil {
		return nil, err
	}
	return &pt, nil
}

func (t *boltTx) ListProxyTokens(clusterID string) ([]*types.ProxyToken, error) {
	var out []*types.ProxyToken
	err := t.tx.Bucket(bucketProxyTokens).ForEach(func(k, v []byte) error {
		var pt types.ProxyToken
		if err := json.Unmarshal(v, &pt); err != nil {
			return fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID == "" || pt.ClusterID == clusterID {
			out = append(out, &pt)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) UpdateProxyToken(pt *types.ProxyToken) error {
	if _, err := t.GetProxyToken(pt.TokenHash); err != nil {
		return err
	}
	return t.put(bucketProxyTokens, pt.TokenHash, pt)
}

// --- Audit ---

func auditKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (t *boltTx) AppendAudit(e *types.AuditEvent) error {
	b := t.tx.Bucket(bucketAudit)
	if b.Get(auditKey(e.Seq)) != nil {
		return fmt.Errorf("%w: audit seq %d already written", ErrConflict, e.Seq)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStore, err)
	}
	return b.Put(auditKey(e.Seq), data)
}

func (t *boltTx) ListAudit(clusterID string, limit int) ([]*types.AuditEvent, error) {
	var out []*types.AuditEvent
	c := t.tx.Bucket(bucketAudit).Cursor()
	// Newest first.
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var e types.AuditEvent
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("%w: unmarshal: %v", ErrStore, err)
		}
		if clusterID != "" && e.ClusterID != clusterID {
			continue
		}
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *boltTx) LastAuditSeq() (uint64, error) {
	c := t.tx.Bucket(bucketAudit).Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(k), nil
}

// --- BoltStore delegation ---

func (s *BoltStore) CreateCluster(c *types.Cluster) error {
	return s.update(func(t *boltTx) error { return t.CreateCluster(c) })
}

func (s *BoltStore) GetCluster(id string) (c *types.Cluster, err error) {
	err = s.view(func(t *boltTx) error { c, err = t.GetCluster(id); return err })
	return c, err
}

func (s *BoltStore) GetClusterByName(name string) (c *types.Cluster, err error) {
	err = s.view(func(t *boltTx) error { c, err = t.GetClusterByName(name); return err })
	return c, err
}

func (s *BoltStore) ListClusters() (out []*types.Cluster, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListClusters(); return err })
	return out, err
}

func (s *BoltStore) UpdateCluster(c *types.Cluster) error {
	return s.update(func(t *boltTx) error { return t.UpdateCluster(c) })
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.update(func(t *boltTx) error { return t.DeleteCluster(id) })
}

func (s *BoltStore) CreateService(svc *types.Service) error {
	return s.update(func(t *boltTx) error { return t.CreateService(svc) })
}

func (s *BoltStore) GetService(id string) (svc *types.Service, err error) {
	err = s.view(func(t *boltTx) error { svc, err = t.GetService(id); return err })
	return svc, err
}

func (s *BoltStore) GetServiceByName(clusterID, name string) (svc *types.Service, err error) {
	err = s.view(func(t *boltTx) error { svc, err = t.GetServiceByName(clusterID, name); return err })
	return svc, err
}

func (s *BoltStore) ListServices(clusterID string) (out []*types.Service, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListServices(clusterID); return err })
	return out, err
}

func (s *BoltStore) UpdateService(svc *types.Service) error {
	return s.update(func(t *boltTx) error { return t.UpdateService(svc) })
}

func (s *BoltStore) DeleteService(id string) error {
	return s.update(func(t *boltTx) error { return t.DeleteService(id) })
}

func (s *BoltStore) CreateMapping(m *types.Mapping) error {
	return s.update(func(t *boltTx) error { return t.CreateMapping(m) })
}

func (s *BoltStore) GetMapping(id string) (m *types.Mapping, err error) {
	err = s.view(func(t *boltTx) error { m, err = t.GetMapping(id); return err })
	return m, err
}

func (s *BoltStore) ListMappings(clusterID string) (out []*types.Mapping, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListMappings(clusterID); return err })
	return out, err
}

func (s *BoltStore) UpdateMapping(m *types.Mapping) error {
	return s.update(func(t *boltTx) error { return t.UpdateMapping(m) })
}

func (s *BoltStore) DeleteMapping(id string) error {
	return s.update(func(t *boltTx) error { return t.DeleteMapping(id) })
}

func (s *BoltStore) CreateProxy(p *types.Proxy) error {
	return s.update(func(t *boltTx) error { return t.CreateProxy(p) })
}

func (s *BoltStore) GetProxy(id string) (p *types.Proxy, err error) {
	err = s.view(func(t *boltTx) error { p, err = t.GetProxy(id); return err })
	return p, err
}

func (s *BoltStore) ListProxies(clusterID string) (out []*types.Proxy, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListProxies(clusterID); return err })
	return out, err
}

func (s *BoltStore) ListAllProxies() ([]*types.Proxy, error) {
	return s.ListProxies("")
}

func (s *BoltStore) UpdateProxy(p *types.Proxy) error {
	return s.update(func(t *boltTx) error { return t.UpdateProxy(p) })
}

func (s *BoltStore) DeleteProxy(id string) error {
	return s.update(func(t *boltTx) error { return t.DeleteProxy(id) })
}

func (s *BoltStore) CreateUser(u *types.User) error {
	return s.update(func(t *boltTx) error { return t.CreateUser(u) })
}

func (s *BoltStore) GetUser(id string) (u *types.User, err error) {
	err = s.view(func(t *boltTx) error { u, err = t.GetUser(id); return err })
	return u, err
}

func (s *BoltStore) GetUserByLogin(login string) (u *types.User, err error) {
	err = s.view(func(t *boltTx) error { u, err = t.GetUserByLogin(login); return err })
	return u, err
}

func (s *BoltStore) ListUsers() (out []*types.User, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListUsers(); return err })
	return out, err
}

func (s *BoltStore) UpdateUser(u *types.User) error {
	return s.update(func(t *boltTx) error { return t.UpdateUser(u) })
}

func (s *BoltStore) DeleteUser(id string) error {
	return s.update(func(t *boltTx) error { return t.DeleteUser(id) })
}

func (s *BoltStore) CreateCA(ca *types.CA) error {
	return s.update(func(t *boltTx) error { return t.CreateCA(ca) })
}

func (s *BoltStore) GetCA(id string) (ca *types.CA, err error) {
	err = s.view(func(t *boltTx) error { ca, err = t.GetCA(id); return err })
	return ca, err
}

func (s *BoltStore) ListCAs(clusterID string) (out []*types.CA, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListCAs(clusterID); return err })
	return out, err
}

func (s *BoltStore) UpdateCA(ca *types.CA) error {
	return s.update(func(t *boltTx) error { return t.UpdateCA(ca) })
}

func (s *BoltStore) CreateCertificate(cert *types.Certificate) error {
	return s.update(func(t *boltTx) error { return t.CreateCertificate(cert) })
}

func (s *BoltStore) GetCertificate(id string) (cert *types.Certificate, err error) {
	err = s.view(func(t *boltTx) error { cert, err = t.GetCertificate(id); return err })
	return cert, err
}

func (s *BoltStore) ListCertificates(clusterID string) (out []*types.Certificate, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListCertificates(clusterID); return err })
	return out, err
}

func (s *BoltStore) UpdateCertificate(cert *types.Certificate) error {
	return s.update(func(t *boltTx) error { return t.UpdateCertificate(cert) })
}

func (s *BoltStore) AppendCRL(entry *types.CRLEntry) error {
	return s.update(func(t *boltTx) error { return t.AppendCRL(entry) })
}

func (s *BoltStore) ListCRL(clusterID string) (out []*types.CRLEntry, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListCRL(clusterID); return err })
	return out, err
}

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.update(func(t *boltTx) error { return t.CreateSession(sess) })
}

func (s *BoltStore) GetSession(tokenHash string) (sess *types.Session, err error) {
	err = s.view(func(t *boltTx) error { sess, err = t.GetSession(tokenHash); return err })
	return sess, err
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.update(func(t *boltTx) error { return t.UpdateSession(sess) })
}

func (s *BoltStore) DeleteSession(tokenHash string) error {
	return s.update(func(t *boltTx) error { return t.DeleteSession(tokenHash) })
}

func (s *BoltStore) CreateProxyToken(pt *types.ProxyToken) error {
	return s.update(func(t *boltTx) error { return t.CreateProxyToken(pt) })
}

func (s *BoltStore) GetProxyToken(tokenHash string) (pt *types.ProxyToken, err error) {
	err = s.view(func(t *boltTx) error { pt, err = t.GetProxyToken(tokenHash); return err })
	return pt, err
}

func (s *BoltStore) ListProxyTokens(clusterID string) (out []*types.ProxyToken, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListProxyTokens(clusterID); return err })
	return out, err
}

func (s *BoltStore) UpdateProxyToken(pt *types.ProxyToken) error {
	return s.update(func(t *boltTx) error { return t.UpdateProxyToken(pt) })
}

func (s *BoltStore) AppendAudit(e *types.AuditEvent) error {
	return s.update(func(t *boltTx) error { return t.AppendAudit(e) })
}

func (s *BoltStore) ListAudit(clusterID string, limit int) (out []*types.AuditEvent, err error) {
	err = s.view(func(t *boltTx) error { out, err = t.ListAudit(clusterID, limit); return err })
	return out, err
}

func (s *BoltStore) LastAuditSeq() (seq uint64, err error) {
	err = s.view(func(t *boltTx) error { seq, err = t.LastAuditSeq(); return err })
	return seq, err
}
