package types

import (
	"time"
)

// Tier is the licensing tier a cluster runs under.
type Tier string

const (
	TierCommunity  Tier = "community"
	TierEnterprise Tier = "enterprise"
)

// CommunityProxyLimit is the fleet-wide proxy cap for community
// clusters when no license verdict raises it.
const CommunityProxyLimit = 3

// Cluster is the tenant boundary. A cluster exclusively owns its
// services, mappings, proxies, CA hierarchy and snapshots.
type Cluster struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Tier           Tier      `json:"tier"`
	APIKeyHash     string    `json:"-"`
	PrevAPIKeyHash string    `json:"-"`
	// PrevKeyExpiry bounds the rotation overlap window during which
	// the previous API key still verifies.
	PrevKeyExpiry  time.Time `json:"-"`
	KeyGeneration  int       `json:"key_generation"`
	LoggingProfile string    `json:"logging_profile,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Protocol enumerates the protocols a service or mapping may declare.
type Protocol string

const (
	ProtocolTCP       Protocol = "tcp"
	ProtocolUDP       Protocol = "udp"
	ProtocolICMP      Protocol = "icmp"
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTPS     Protocol = "https"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebsocket Protocol = "websocket"
)

// ValidProtocol reports whether p is a known protocol.
func ValidProtocol(p Protocol) bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolHTTP,
		ProtocolHTTPS, ProtocolGRPC, ProtocolWebsocket:
		return true
	}
	return false
}

// AuthMode is the authentication a service demands from callers.
type AuthMode string

const (
	AuthModeNone         AuthMode = "none"
	AuthModeBearerJWT    AuthMode = "bearer_jwt"
	AuthModeBearerOpaque AuthMode = "bearer_opaque"
)

// ValidAuthMode reports whether m is a known auth mode.
func ValidAuthMode(m AuthMode) bool {
	switch m {
	case AuthModeNone, AuthModeBearerJWT, AuthModeBearerOpaque:
		return true
	}
	return false
}

// LBPolicy is the declarative load-balancing policy attached to a
// service. Enforcement is a data-plane concern.
type LBPolicy struct {
	Strategy string `json:"strategy"` // "round_robin", "least_conn", "random"
}

// RateLimitPolicy is the declarative rate limit attached to a service.
type RateLimitPolicy struct {
	RequestsPerSecond int `json:"requests_per_second"`
	Burst             int `json:"burst,omitempty"`
}

// Service describes one backend the fleet proxies traffic to.
type Service struct {
	ID        string           `json:"id"`
	ClusterID string           `json:"cluster_id"`
	Name      string           `json:"name"`
	Address   string           `json:"address"`
	Ports     PortSet          `json:"ports"`
	Protocol  Protocol         `json:"protocol"`
	AuthMode  AuthMode         `json:"auth_mode"`
	LBPolicy  *LBPolicy        `json:"lb_policy,omitempty"`
	RateLimit *RateLimitPolicy `json:"rate_limit,omitempty"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Mapping is a traffic rule linking source services to destination
// services. Every referenced service belongs to the mapping's cluster.
type Mapping struct {
	ID             string     `json:"id"`
	ClusterID      string     `json:"cluster_id"`
	SourceIDs      []string   `json:"source_ids"`
	DestinationIDs []string   `json:"destination_ids"`
	Protocols      []Protocol `json:"protocols"`
	Ports          PortSet    `json:"ports"`
	AuthRequired   bool       `json:"auth_required"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ProxyType is the declared data-plane tier of a registered proxy.
type ProxyType string

const (
	ProxyTypeL7   ProxyType = "l7"
	ProxyTypeL3L4 ProxyType = "l3l4"
)

// ValidProxyType reports whether t is a known proxy type.
func ValidProxyType(t ProxyType) bool {
	return t == ProxyTypeL7 || t == ProxyTypeL3L4
}

// ProxyStatus is the lifecycle state of a proxy registration.
type ProxyStatus string

const (
	ProxyStatusRegistering ProxyStatus = "registering"
	ProxyStatusActive      ProxyStatus = "active"
	ProxyStatusStale       ProxyStatus = "stale"
	ProxyStatusRevoked     ProxyStatus = "revoked"
)

// Proxy is the control-plane record for one data-plane instance.
type Proxy struct {
	ID              string      `json:"id"`
	ClusterID       string      `json:"cluster_id"`
	Type            ProxyType   `json:"type"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	SoftwareVersion string      `json:"software_version,omitempty"`
	Status          ProxyStatus `json:"status"`
	CertificateID   string      `json:"certificate_id"`
	// KeyGeneration records which cluster API key generation admitted
	// the proxy; tokens from generations past the overlap window are
	// rejected.
	KeyGeneration int       `json:"key_generation"`
	LastSeen      time.Time `json:"last_seen"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Role is an operator role scoped to a cluster.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleServiceOwner  Role = "service-owner"
)

// GlobalScope is the pseudo cluster id used for role assignments that
// apply to every cluster.
const GlobalScope = "*"

// User is a global operator identity; role assignments scope it to
// clusters.
type User struct {
	ID           string          `json:"id"`
	Login        string          `json:"login"`
	PasswordHash []byte          `json:"-"`
	TOTPSecret   string          `json:"-"`
	Roles        map[string]Role `json:"roles"` // cluster id (or GlobalScope) -> role
	Locked       bool            `json:"locked"`
	LockedUntil  time.Time       `json:"locked_until,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CAStatus is the lifecycle state of a cluster CA.
type CAStatus string

const (
	CAStatusActive   CAStatus = "active"
	CAStatusRetiring CAStatus = "retiring"
	CAStatusRetired  CAStatus = "retired"
)

// CA is one certificate authority in a cluster's hierarchy. At most
// one CA per cluster is active; retiring CAs remain trust anchors
// during the rotation overlap window.
type CA struct {
	ID            string    `json:"id"`
	ClusterID     string    `json:"cluster_id"`
	Status        CAStatus  `json:"status"`
	CertPEM       []byte    `json:"cert_pem"`
	KeyHandle     string    `json:"-"`
	SerialCounter int64     `json:"serial_counter"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	RetiredAt     time.Time `json:"retired_at,omitempty"`
	Version       int64     `json:"version"`
}

// CertUsage distinguishes server from client certificates.
type CertUsage string

const (
	CertUsageServer CertUsage = "server"
	CertUsageClient CertUsage = "client"
)

// CertStatus is the lifecycle state of an issued certificate.
type CertStatus string

const (
	CertStatusIssued  CertStatus = "issued"
	CertStatusRotated CertStatus = "rotated"
	CertStatusRevoked CertStatus = "revoked"
)

// Certificate is the persisted record of one issued certificate. The
// private key is returned to the requester once at issuance and never
// stored.
type Certificate struct {
	ID        string     `json:"id"`
	ClusterID string     `json:"cluster_id"`
	CAID      string     `json:"ca_id"`
	Serial    int64      `json:"serial"`
	Subject   string     `json:"subject"`
	SANs      []string   `json:"sans,omitempty"`
	Usage     CertUsage  `json:"usage"`
	Status    CertStatus `json:"status"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	CertPEM   []byte     `json:"cert_pem"`
}

// CRLEntry records one revoked serial under a CA.
type CRLEntry struct {
	CAID      string    `json:"ca_id"`
	ClusterID string    `json:"cluster_id"`
	Serial    int64     `json:"serial"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// AuditEvent is one immutable, append-only audit record.
type AuditEvent struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Actor      string    `json:"actor"`
	ClusterID  string    `json:"cluster_id,omitempty"`
	Action     string    `json:"action"`
	BeforeHash string    `json:"before_hash,omitempty"`
	AfterHash  string    `json:"after_hash,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Session is a server-side refresh-token record. The token itself is
// only ever held by the client; the record is keyed by its hash.
type Session struct {
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RotatedFrom links the chain of single-use refresh tokens.
	RotatedFrom string `json:"rotated_from,omitempty"`
	Revoked     bool   `json:"revoked"`
}

// ProxyToken is a server-side bearer-token record binding a data-plane
// instance to its registration.
type ProxyToken struct {
	TokenHash     string    `json:"token_hash"`
	ProxyID       string    `json:"proxy_id"`
	ClusterID     string    `json:"cluster_id"`
	KeyGeneration int       `json:"key_generation"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Revoked       bool      `json:"revoked"`
}
