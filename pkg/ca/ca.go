package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
	"github.com/google/uuid"
)

// Sentinel errors surfaced by the authority.
var (
	ErrCAAbsent       = errors.New("cluster has no certificate authority")
	ErrCAExpired      = errors.New("certificate authority expired")
	ErrKeyStore       = errors.New("key store failure")
	ErrValidityWindow = errors.New("requested validity outside CA window")
)

const (
	// Root CA validity: 10 years.
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Default leaf validity when the caller passes zero.
	defaultLeafValidity = 90 * 24 * time.Hour
)

// Authority owns the root-of-trust for every cluster. It generates a
// self-signed ECDSA P-384 CA per cluster on first use, stores the
// private key through the secret sink, and issues server and client
// certificates with serials that are monotone per CA.
type Authority struct {
	store   storage.Store
	sink    secrets.Sink
	overlap time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// IssuedCert bundles the persisted certificate record with the PEM
// material returned to the requester. The private key is returned
// exactly once and never stored.
type IssuedCert struct {
	Record  *types.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// New creates an Authority. overlap bounds how long a retiring CA
// remains trust-anchor-published after rotation.
func New(store storage.Store, sink secrets.Sink, overlap time.Duration) *Authority {
	return &Authority{
		store:   store,
		sink:    sink,
		overlap: overlap,
		locks:   make(map[string]*sync.Mutex),
	}
}

// clusterLock returns the per-cluster issuance lock. Serial counter
// increments happen inside it.
func (a *Authority) clusterLock(clusterID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[clusterID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[clusterID] = l
	}
	return l
}

// EnsureCA returns the cluster's active CA, creating one on first
// use.
func (a *Authority) EnsureCA(clusterID string) (*types.CA, error) {
	l := a.clusterLock(clusterID)
	l.Lock()
	defer l.Unlock()

	if active, err := a.activeCA(clusterID); err == nil {
		return active, nil
	} else if !errors.Is(err, ErrCAAbsent) {
		return nil, err
	}
	return a.createCA(clusterID)
}

// ActiveCA returns the cluster's active CA without creating one.
func (a *Authority) ActiveCA(clusterID string) (*types.CA, error) {
	return a.activeCA(clusterID)
}

func (a *Authority) activeCA(clusterID string) (*types.CA, error) {
	cas, err := a.store.ListCAs(clusterID)
	if err != nil {
		return nil, err
	}
	for _, ca := range cas {
		if ca.Status == types.CAStatusActive {
			return ca, nil
		}
	}
	return nil, ErrCAAbsent
}

// createCA generates and persists a new self-signed CA. Caller holds
// the cluster lock.
func (a *Authority) createCA(clusterID string) (*types.CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Cordon Fleet"},
			CommonName:   fmt.Sprintf("Cordon CA %s", clusterID),
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}

	id := uuid.NewString()
	handle := "ca/" + id
	if err := a.sink.Put(handle, keyDER); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}

	ca := &types.CA{
		ID:        id,
		ClusterID: clusterID,
		Status:    types.CAStatusActive,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyHandle: handle,
		NotBefore: now,
		NotAfter:  now.Add(rootCAValidity),
	}
	if err := a.store.CreateCA(ca); err != nil {
		a.sink.Delete(handle)
		return nil, err
	}
	return ca, nil
}

// IssueServer issues a server certificate under the cluster's active
// CA. Subject and the SAN set must be non-empty; every SAN must be an
// IP literal or a DNS name.
func (a *Authority) IssueServer(clusterID, subject string, sans []string, validity time.Duration) (*IssuedCert, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject cannot be empty", ErrValidityWindow)
	}
	if len(sans) == 0 {
		return nil, fmt.Errorf("%w: SAN set cannot be empty for server certificates", ErrValidityWindow)
	}
	for _, san := range sans {
		if !validSAN(san) {
			return nil, fmt.Errorf("%w: malformed SAN %q", ErrValidityWindow, san)
		}
	}
	return a.issue(clusterID, subject, sans, types.CertUsageServer, validity)
}

// IssueClient issues a client certificate for a data-plane proxy
// identity.
func (a *Authority) IssueClient(clusterID, subject string, validity time.Duration) (*IssuedCert, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject cannot be empty", ErrValidityWindow)
	}
	return a.issue(clusterID, subject, nil, types.CertUsageClient, validity)
}

func (a *Authority) issue(clusterID, subject string, sans []string, usage types.CertUsage, validity time.Duration) (*IssuedCert, error) {
	if validity <= 0 {
		validity = defaultLeafValidity
	}

	l := a.clusterLock(clusterID)
	l.Lock()
	defer l.Unlock()

	ca, err := a.activeCA(clusterID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(ca.NotAfter) {
		return nil, ErrCAExpired
	}
	if now.Add(validity).After(ca.NotAfter) {
		return nil, fmt.Errorf("%w: validity %s exceeds CA remaining lifetime", ErrValidityWindow, validity)
	}

	caCert, caKey, err := a.loadCAPair(ca)
	if err != nil {
		return nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	// Serials are monotone per CA; the increment happens inside the
	// cluster lock.
	serial := ca.SerialCounter + 1

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"Cordon Fleet"},
			CommonName:   subject,
		},
		NotBefore:          now,
		NotAfter:           now.Add(validity),
		KeyUsage:           x509.KeyUsageDigitalSignature,
		SignatureAlgorithm: x509.ECDSAWithSHA384,
	}
	switch usage {
	case types.CertUsageServer:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		for _, san := range sans {
			if ip := net.ParseIP(san); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			} else {
				template.DNSNames = append(template.DNSNames, san)
			}
		}
	case types.CertUsageClient:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal leaf key: %w", err)
	}

	record := &types.Certificate{
		ID:        uuid.NewString(),
		ClusterID: clusterID,
		CAID:      ca.ID,
		Serial:    serial,
		Subject:   subject,
		SANs:      sans,
		Usage:     usage,
		Status:    types.CertStatusIssued,
		NotBefore: template.NotBefore,
		NotAfter:  template.NotAfter,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
	}

	// The serial bump and the certificate record commit together.
	err = a.store.Tx(func(tx storage.Store) error {
		ca.SerialCounter = serial
		if err := tx.UpdateCA(ca); err != nil {
			return err
		}
		return tx.CreateCertificate(record)
	})
	if err != nil {
		return nil, err
	}

	return &IssuedCert{
		Record:  record,
		CertPEM: record.CertPEM,
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Rotate creates a new active CA and marks the old one retiring. The
// retiring CA stays in the trust-anchor set for the overlap window so
// certificates it issued remain valid until they naturally roll.
func (a *Authority) Rotate(clusterID string) (*types.CA, error) {
	l := a.clusterLock(clusterID)
	l.Lock()
	defer l.Unlock()

	old, err := a.activeCA(clusterID)
	if err != nil {
		return nil, err
	}

	old.Status = types.CAStatusRetiring
	old.RetiredAt = time.Now().UTC()
	if err := a.store.UpdateCA(old); err != nil {
		return nil, err
	}

	replacement, err := a.createCA(clusterID)
	if err != nil {
		// Roll the old CA back to active rather than leave the
		// cluster without an issuer.
		old.Status = types.CAStatusActive
		old.RetiredAt = time.Time{}
		if rbErr := a.store.UpdateCA(old); rbErr != nil {
			return nil, fmt.Errorf("rotation failed (%v) and rollback failed: %w", err, rbErr)
		}
		return nil, err
	}
	return replacement, nil
}

// Revoke appends the certificate's serial to the CRL and marks the
// record revoked. Revoking twice yields a single CRL entry; the
// second call succeeds with no change.
func (a *Authority) Revoke(certID, reason string) error {
	cert, err := a.store.GetCertificate(certID)
	if err != nil {
		return err
	}
	if cert.Status == types.CertStatusRevoked {
		return nil
	}

	return a.store.Tx(func(tx storage.Store) error {
		cert.Status = types.CertStatusRevoked
		if err := tx.UpdateCertificate(cert); err != nil {
			return err
		}
		return tx.AppendCRL(&types.CRLEntry{
			CAID:      cert.CAID,
			ClusterID: cert.ClusterID,
			Serial:    cert.Serial,
			Reason:    reason,
			RevokedAt: time.Now().UTC(),
		})
	})
}

// TrustAnchors returns the active CA certificate plus every retiring
// CA still inside the overlap window, PEM-encoded.
func (a *Authority) TrustAnchors(clusterID string) ([][]byte, error) {
	cas, err := a.store.ListCAs(clusterID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var anchors [][]byte
	for _, ca := range cas {
		switch ca.Status {
		case types.CAStatusActive:
			anchors = append(anchors, ca.CertPEM)
		case types.CAStatusRetiring:
			if now.Before(ca.RetiredAt.Add(a.overlap)) {
				anchors = append(anchors, ca.CertPEM)
			}
		}
	}
	if len(anchors) == 0 {
		return nil, ErrCAAbsent
	}
	return anchors, nil
}

// RetireExpired flips retiring CAs past the overlap window to
// retired. Called periodically by the service layer; returns the ids
// of CAs it retired so snapshots can be rebuilt.
func (a *Authority) RetireExpired(clusterID string) ([]string, error) {
	l := a.clusterLock(clusterID)
	l.Lock()
	defer l.Unlock()

	cas, err := a.store.ListCAs(clusterID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var retired []string
	for _, ca := range cas {
		if ca.Status != types.CAStatusRetiring {
			continue
		}
		if now.Before(ca.RetiredAt.Add(a.overlap)) {
			continue
		}
		ca.Status = types.CAStatusRetired
		if err := a.store.UpdateCA(ca); err != nil {
			return retired, err
		}
		if err := a.sink.Delete(ca.KeyHandle); err != nil {
			return retired, fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
		retired = append(retired, ca.ID)
	}
	return retired, nil
}

// VerifyClient verifies a client certificate against the cluster's
// trust anchors and checks it is not revoked.
func (a *Authority) VerifyClient(clusterID string, certPEM []byte) error {
	anchors, err := a.TrustAnchors(clusterID)
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	for _, anchor := range anchors {
		if !roots.AppendCertsFromPEM(anchor) {
			return fmt.Errorf("failed to parse trust anchor")
		}
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	crl, err := a.store.ListCRL(clusterID)
	if err != nil {
		return err
	}
	for _, entry := range crl {
		if cert.SerialNumber.Int64() == entry.Serial {
			return fmt.Errorf("certificate serial %d is revoked", entry.Serial)
		}
	}
	return nil
}

func (a *Authority) loadCAPair(ca *types.CA) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(ca.CertPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := a.sink.Get(ca.KeyHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return cert, key, nil
}

// validSAN accepts IP literals and DNS names.
func validSAN(san string) bool {
	if san == "" {
		return false
	}
	if net.ParseIP(san) != nil {
		return true
	}
	if strings.ContainsAny(san, " /\\") {
		return false
	}
	// DNS label check, wildcards allowed in the leftmost label only.
	labels := strings.Split(strings.TrimPrefix(san, "*."), ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}
