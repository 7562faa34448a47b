package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// MaxConnectionPoolLimit caps MaxConnections.
const MaxConnectionPoolLimit = 100

// maxAuthAge forces a rebind on connections bound longer ago than this.
const maxAuthAge = 5 * time.Minute

// connectionPool implements ConnectionPool over a buffered channel of idle
// connections.
type connectionPool struct {
	ctx       context.Context
	config    *ConnectionConfig
	tlsConfig *tls.Config
	servers   []*ServerInfo
	idle      chan *PooledConnection

	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	created   atomic.Int64
	errors    atomic.Int64
	startTime time.Time

	stopHealth chan struct{}
	healthWg   sync.WaitGroup
}

// NewConnectionPool validates config, resolves the server list and starts the
// background health checker.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	servers, err := resolveServers(ctx, config)
	if err != nil {
		return nil, err
	}

	pool := &connectionPool{
		ctx:        ctx,
		config:     config,
		tlsConfig:  tlsConfig,
		servers:    servers,
		idle:       make(chan *PooledConnection, config.MaxConnections),
		startTime:  time.Now(),
		stopHealth: make(chan struct{}),
	}

	if config.HealthCheck > 0 {
		pool.healthWg.Go(pool.healthLoop)
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"server_count":    len(servers),
		"max_connections": config.MaxConnections,
		"auth_method":     config.GetAuthMethod().String(),
	})

	return pool, nil
}

// resolveServers prefers explicit URLs and falls back to SRV discovery.
func resolveServers(ctx context.Context, config *ConnectionConfig) ([]*ServerInfo, error) {
	if len(config.LDAPURLs) > 0 {
		servers := make([]*ServerInfo, 0, len(config.LDAPURLs))
		for _, u := range config.LDAPURLs {
			server, err := ParseLDAPURL(u)
			if err != nil {
				return nil, fmt.Errorf("invalid LDAP URL %s: %w", u, err)
			}
			servers = append(servers, server)
		}
		return servers, nil
	}

	if config.Domain == "" {
		return nil, errors.New("either domain or LDAP URLs must be specified")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	servers, err := NewSRVDiscovery(ctx).DiscoverServers(lookupCtx, config.Domain)
	if err != nil {
		return nil, fmt.Errorf("SRV discovery failed: %w", err)
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers discovered")
	}
	return servers, nil
}

// buildTLSConfig layers CA and client certificate settings over config.TLSConfig.
func buildTLSConfig(config *ConnectionConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	}

	var caPEM []byte
	switch {
	case config.TLSCACert != "":
		caPEM = []byte(config.TLSCACert)
	case config.TLSCACertFile != "":
		data, err := os.ReadFile(config.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		caPEM = data
	}

	if len(caPEM) > 0 {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("no certificates found in CA bundle")
		}
		tlsConfig.RootCAs = roots
	}

	if config.TLSClientCertFile != "" && config.TLSClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSClientCertFile, config.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Get hands out an idle connection when one is usable, otherwise dials a new one.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}

	for {
		select {
		case conn := <-p.idle:
			if !p.usable(conn) {
				p.discard(conn)
				continue
			}
			if p.config.HasAuthentication() && time.Since(conn.authTime) > maxAuthAge {
				if err := p.authenticate(conn); err != nil {
					p.discard(conn)
					continue
				}
			}
			conn.lastUsed = time.Now()
			p.active.Add(1)
			return conn, nil
		default:
			return p.dial(ctx)
		}
	}
}

// dial walks the server list with exponential backoff between rounds.
func (p *connectionPool) dial(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range p.servers {
			conn, err := p.dialServer(server)
			if err != nil {
				lastErr = err
				p.errors.Add(1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"server":  ServerInfoToURL(server),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				continue
			}

			p.created.Add(1)
			p.active.Add(1)
			LogPoolEvent(p.ctx, "connection_created", map[string]any{
				"server": ServerInfoToURL(server),
			})
			return conn, nil
		}

		if attempt == p.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

func (p *connectionPool) dialServer(server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)

	var (
		conn *ldap.Conn
		err  error
	)
	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(p.tlsConfig))
	} else {
		conn, err = ldap.DialURL(url)
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			if err = conn.StartTLS(p.tlsConfig); err != nil {
				conn.Close()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooled := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.release,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticate(pooled); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", url, err)
		}
	}

	return pooled, nil
}

// authenticate binds a pooled connection with the configured mechanism.
func (p *connectionPool) authenticate(pc *PooledConnection) error {
	var err error

	switch method := p.config.GetAuthMethod(); method {
	case AuthMethodSimpleBind:
		err = pc.conn.Bind(p.config.BindDN, p.config.BindPassword)
	case AuthMethodKerberos:
		err = performKerberosAuth(p.ctx, pc.conn, p.config, pc.serverInfo)
	case AuthMethodExternal:
		err = pc.conn.ExternalBind()
	case AuthMethodAnonymous:
		return nil
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		pc.authenticated = false
		return err
	}

	pc.authenticated = true
	pc.authTime = time.Now()
	return nil
}

// release returns a connection to the idle set, or closes it when the pool is
// full, closed or the connection went stale.
func (p *connectionPool) release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.active.Add(-1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.usable(pc) {
		p.discard(pc)
		return
	}

	select {
	case p.idle <- pc:
		LogPoolEvent(p.ctx, "connection_released", nil)
	default:
		p.discard(pc)
	}
}

func (p *connectionPool) usable(pc *PooledConnection) bool {
	if pc == nil || pc.conn == nil || !pc.healthy || pc.conn.IsClosing() {
		return false
	}
	if time.Since(pc.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	return !p.config.HasAuthentication() || pc.authenticated
}

func (p *connectionPool) discard(pc *PooledConnection) {
	if pc == nil || pc.conn == nil {
		return
	}
	pc.conn.Close()
	pc.healthy = false
	pc.authenticated = false
	LogPoolEvent(p.ctx, "connection_discarded", nil)
}

// Close drains and closes every idle connection.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopHealth)
	p.mu.Unlock()

	p.healthWg.Wait()

	close(p.idle)
	for pc := range p.idle {
		p.discard(pc)
	}
	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.idle),
		Active:  p.active.Load(),
		Created: p.created.Load(),
		Errors:  p.errors.Load(),
		Uptime:  time.Since(p.startTime),
	}
}

func (p *connectionPool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkIdle()
		case <-p.stopHealth:
			return
		}
	}
}

// checkIdle probes up to three idle connections with a root DSE read.
func (p *connectionPool) checkIdle() {
	var batch []*PooledConnection

collect:
	for range 3 {
		select {
		case pc := <-p.idle:
			batch = append(batch, pc)
		default:
			break collect
		}
	}

	for _, pc := range batch {
		// release decrements active; keep the counter balanced.
		p.active.Add(1)
		if err := probe(pc.conn); err != nil {
			pc.healthy = false
			LogPoolEvent(p.ctx, "health_check_failed", map[string]any{"error": err.Error()})
		}
		p.release(pc)
	}
}

func probe(conn *ldap.Conn) error {
	_, err := conn.Search(ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	))
	return err
}

func validateConfig(config *ConnectionConfig) error {
	switch {
	case config.MaxConnections <= 0:
		return errors.New("MaxConnections must be positive")
	case config.MaxConnections > MaxConnectionPoolLimit:
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	case config.MaxIdleTime <= 0:
		return errors.New("MaxIdleTime must be positive")
	case config.Timeout <= 0:
		return errors.New("timeout must be positive")
	case config.MaxRetries < 0:
		return errors.New("MaxRetries cannot be negative")
	case config.BackoffFactor <= 1.0:
		return errors.New("BackoffFactor must be greater than 1.0")
	}
	return nil
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}
