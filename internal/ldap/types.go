package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for directory connections.
type ConnectionConfig struct {
	// Connection settings
	Domain   string        // DNS domain for SRV discovery
	LDAPURLs []string      // Direct LDAP URLs (overrides domain)
	Timeout  time.Duration // Dial and operation timeout

	// Authentication settings
	BindDN         string // DN (or principal) used to bind
	BindPassword   string // Password for simple bind
	KerberosRealm  string // Kerberos realm for GSSAPI bind
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to krb5.conf
	KerberosCCache string // Path to Kerberos credential cache
	KerberosSPN    string // Service principal override

	// TLS settings
	TLSConfig         *tls.Config
	UseTLS            bool // StartTLS on plain ldap:// URLs
	SkipTLS           bool // Never upgrade plain connections
	TLSCACertFile     string
	TLSCACert         string
	TLSClientCertFile string
	TLSClientKeyFile  string

	// Pool settings
	MaxConnections int
	MaxIdleTime    time.Duration
	HealthCheck    time.Duration

	// Retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		UseTLS:         true,
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota
	AuthMethodKerberos
	AuthMethodExternal
	AuthMethodAnonymous
)

func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	case AuthMethodAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// GetAuthMethod picks the bind mechanism. Kerberos wins over a password, a
// client certificate is used only when nothing else is configured.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	switch {
	case c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.BindDN != ""):
		return AuthMethodKerberos
	case c.BindDN != "" && c.BindPassword != "":
		return AuthMethodSimpleBind
	case c.TLSClientCertFile != "" && c.TLSClientKeyFile != "":
		return AuthMethodExternal
	default:
		return AuthMethodAnonymous
	}
}

// HasAuthentication reports whether connections should be bound before use.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodAnonymous
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// PooledConnection is a bound connection checked out of the pool. Close hands
// it back.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ConnectionPool manages a pool of LDAP connections.
type ConnectionPool interface {
	Get(ctx context.Context) (*PooledConnection, error)
	Close() error
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}

// Client is the directory protocol surface the account engine consumes.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error
	BindWithConfig(ctx context.Context) error

	// Entry operations
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	ModifyDN(ctx context.Context, req *ModifyDNRequest) error
	Delete(ctx context.Context, dn string) error

	// Identity and health
	WhoAmI(ctx context.Context) (*WhoAmIResult, error)
	Ping(ctx context.Context) error
	Stats() PoolStats
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
	HasMore bool
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModifyRequest encapsulates LDAP modify parameters. DeleteAttributes removes
// every value of an attribute; DeleteValues removes only the listed values.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  []string
	DeleteValues      map[string][]string
}

// IsEmpty reports whether the request carries no change at all.
func (r *ModifyRequest) IsEmpty() bool {
	return len(r.AddAttributes) == 0 &&
		len(r.ReplaceAttributes) == 0 &&
		len(r.DeleteAttributes) == 0 &&
		len(r.DeleteValues) == 0
}

// ModifyDNRequest renames an entry and optionally moves it under NewSuperior.
type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

// WhoAmIResult is the authorization identity reported by the server.
type WhoAmIResult struct {
	AuthzID string
	DN      string
	Format  string // "dn", "uid", "empty" or "unknown"
	UID     string
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
