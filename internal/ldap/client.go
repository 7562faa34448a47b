package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// pageSize is the simple paged results size used by SearchWithPaging.
const pageSize = 500

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	logCtx context.Context
}

// NewClient creates a pooled client. ctx carries the logging subsystems and
// outlives individual operations.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(ctx, pool, config), nil
}

func newClientWithPool(ctx context.Context, pool ConnectionPool, config *ConnectionConfig) *client {
	return &client{pool: pool, config: config, logCtx: ctx}
}

// do runs a read on a pooled connection, retrying transient failures on a
// fresh connection each time. Non-retryable errors surface on the first attempt.
func (c *client) do(ctx context.Context, operation, dn string, fn func(*ldap.Conn) error) error {
	return c.run(ctx, operation, dn, c.config.MaxRetries, fn)
}

// doOnce runs a write exactly once. A write whose response was lost may have
// been applied, so its failure is returned as is.
func (c *client) doOnce(ctx context.Context, operation, dn string, fn func(*ldap.Conn) error) error {
	return c.run(ctx, operation, dn, 0, fn)
}

func (c *client) run(ctx context.Context, operation, dn string, retries int, fn func(*ldap.Conn) error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(c.logCtx, SubsystemLDAP, "Retrying operation", map[string]any{
				"operation":  operation,
				"attempt":    attempt,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}

		conn, err := c.pool.Get(ctx)
		if err != nil {
			// The pool already retried dialing.
			lastErr = err
			break
		}

		err = fn(conn.Conn())
		conn.Close()
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			break
		}
	}

	ldapErr := NewLDAPError(operation, lastErr).WithDN(dn)
	if !IsNotFoundError(ldapErr) {
		LogLDAPError(c.logCtx, SubsystemLDAP, operation, lastErr, map[string]any{"dn": dn})
	}
	return ldapErr
}

// isRetryable limits retries to transport trouble and busy servers.
func (c *client) isRetryable(err error) bool {
	if ldap.IsErrorAnyOf(err,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork,
	) {
		return true
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return false
	}
	return IsRetryableError(err)
}

// Connect checks that a connection can be checked out and answers a root DSE read.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(c.logCtx, SubsystemLDAP, "connection_test", map[string]any{
		"domain": c.config.Domain,
		"urls":   c.config.LDAPURLs,
	}, func() error {
		return c.Ping(ctx)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// BindWithConfig re-binds a connection with the configured credentials to
// surface authentication problems early.
func (c *client) BindWithConfig(ctx context.Context) error {
	if !c.config.HasAuthentication() {
		tflog.SubsystemWarn(c.logCtx, SubsystemLDAP, "No bind credentials configured, using anonymous access")
		return nil
	}

	method := c.config.GetAuthMethod()
	return LogOperation(c.logCtx, SubsystemLDAP, "authentication", map[string]any{
		"auth_method": method.String(),
		"bind_dn":     c.config.BindDN,
	}, func() error {
		return c.do(ctx, "bind", c.config.BindDN, func(conn *ldap.Conn) error {
			switch method {
			case AuthMethodSimpleBind:
				return conn.Bind(c.config.BindDN, c.config.BindPassword)
			case AuthMethodExternal:
				return conn.ExternalBind()
			default:
				// Kerberos connections are bound when the pool dials them.
				return nil
			}
		})
	})
}

// Search performs a single-request LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	var entries []*ldap.Entry
	err := c.do(ctx, "search", req.BaseDN, func(conn *ldap.Conn) error {
		res, err := conn.Search(toLDAPSearch(req, nil))
		if err != nil {
			return err
		}
		entries = res.Entries
		return nil
	})

	tflog.SubsystemTrace(c.logCtx, SubsystemLDAP, "Search completed", map[string]any{
		"base_dn":       req.BaseDN,
		"scope":         req.Scope.String(),
		"filter":        req.Filter,
		"entries_found": len(entries),
	})

	if err != nil {
		return nil, err
	}

	return &SearchResult{
		Entries: entries,
		Total:   len(entries),
		HasMore: req.SizeLimit > 0 && len(entries) >= req.SizeLimit,
	}, nil
}

// SearchWithPaging runs the search with the simple paged results control.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	var entries []*ldap.Entry
	err := c.do(ctx, "paged_search", req.BaseDN, func(conn *ldap.Conn) error {
		res, err := conn.SearchWithPaging(toLDAPSearch(req, nil), pageSize)
		if err != nil {
			return err
		}
		entries = res.Entries
		return nil
	})
	if err != nil {
		return nil, err
	}

	tflog.SubsystemDebug(c.logCtx, SubsystemLDAP, "Paged search completed", map[string]any{
		"base_dn":       req.BaseDN,
		"filter":        req.Filter,
		"total_entries": len(entries),
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return &SearchResult{Entries: entries, Total: len(entries)}, nil
}

func toLDAPSearch(req *SearchRequest, controls []ldap.Control) *ldap.SearchRequest {
	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		filter,
		req.Attributes,
		controls,
	)
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	addReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		addReq.Attribute(attr, values)
	}

	return c.doOnce(ctx, "add", req.DN, func(conn *ldap.Conn) error {
		return conn.Add(addReq)
	})
}

// Modify applies adds, replaces and deletes to one entry in a single request.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}
	if req.IsEmpty() {
		return nil
	}

	modReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		modReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		modReq.Replace(attr, values)
	}
	for _, attr := range req.DeleteAttributes {
		modReq.Delete(attr, []string{})
	}
	for attr, values := range req.DeleteValues {
		modReq.Delete(attr, values)
	}

	return c.doOnce(ctx, "modify", req.DN, func(conn *ldap.Conn) error {
		return conn.Modify(modReq)
	})
}

// ModifyDN renames or moves an LDAP entry.
func (c *client) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	if req == nil {
		return fmt.Errorf("modify DN request cannot be nil")
	}
	if req.DN == "" || req.NewRDN == "" {
		return fmt.Errorf("DN and new RDN are required")
	}

	return c.doOnce(ctx, "modify_dn", req.DN, func(conn *ldap.Conn) error {
		return conn.ModifyDN(ldap.NewModifyDNRequest(req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior))
	})
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	return c.doOnce(ctx, "delete", dn, func(conn *ldap.Conn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
}

// Ping reads the root DSE.
func (c *client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", probe)
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// WhoAmI performs the RFC 4532 "Who am I?" extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	var authzID string
	err := c.do(ctx, "whoami", "", func(conn *ldap.Conn) error {
		res, err := conn.WhoAmI(nil)
		if err != nil {
			return err
		}
		authzID = res.AuthzID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ParseAuthzID(authzID), nil
}

// ParseAuthzID classifies an authorization identity ("dn:..." or "u:...").
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}

	switch {
	case authzID == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:"):
		result.Format = "dn"
		result.DN = strings.TrimPrefix(authzID, "dn:")
		if dn, err := ldap.ParseDN(result.DN); err == nil && len(dn.RDNs) > 0 {
			for _, attr := range dn.RDNs[0].Attributes {
				if strings.EqualFold(attr.Type, AttrUID) {
					result.UID = attr.Value
				}
			}
		}
	case strings.HasPrefix(authzID, "u:"):
		result.Format = "uid"
		result.UID = strings.TrimPrefix(authzID, "u:")
	default:
		result.Format = "unknown"
	}

	return result
}
