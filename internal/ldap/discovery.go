package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Resolver is the subset of *net.Resolver used for SRV lookups.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery locates directory servers for a DNS domain.
type SRVDiscovery struct {
	logCtx   context.Context
	resolver Resolver
}

// NewSRVDiscovery creates a new SRV discovery instance.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return &SRVDiscovery{
		logCtx:   ctx,
		resolver: net.DefaultResolver,
	}
}

// DiscoverServers queries _ldaps._tcp first and stops there when it answers;
// otherwise _ldap._tcp servers (StartTLS) are used. With no SRV records at all
// the domain itself is tried on the standard ports.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	start := time.Now()
	var servers []*ServerInfo

	for _, svc := range []struct {
		name   string
		useTLS bool
	}{
		{"_ldaps._tcp." + domain, true},
		{"_ldap._tcp." + domain, false},
	} {
		found, err := d.lookupSRV(ctx, svc.name, svc.useTLS)
		if err != nil {
			tflog.SubsystemDebug(d.logCtx, SubsystemLDAP, "SRV lookup failed, continuing", map[string]any{
				"service": svc.name,
				"error":   err.Error(),
			})
			continue
		}
		servers = append(servers, found...)
		if svc.useTLS {
			break
		}
	}

	if len(servers) == 0 {
		tflog.SubsystemDebug(d.logCtx, SubsystemLDAP, "No SRV records found, using fallback servers", map[string]any{
			"domain": domain,
		})
		return fallbackServers(domain), nil
	}

	sortServersByPriority(servers)

	tflog.SubsystemDebug(d.logCtx, SubsystemLDAP, "Server discovery completed", map[string]any{
		"domain":       domain,
		"server_count": len(servers),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return servers, nil
}

func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string, useTLS bool) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}
	return servers, nil
}

func fallbackServers(domain string) []*ServerInfo {
	return []*ServerInfo{
		{Host: domain, Port: 636, UseTLS: true, Priority: 0, Weight: 100, Source: "fallback"},
		{Host: domain, Port: 389, UseTLS: false, Priority: 1, Weight: 100, Source: "fallback"},
	}
}

// sortServersByPriority orders by ascending priority, then descending weight (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	slices.SortStableFunc(servers, func(a, b *ServerInfo) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into ServerInfo, applying the
// scheme's default port when none is given.
func ParseLDAPURL(raw string) (*ServerInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL: %w", err)
	}

	server := &ServerInfo{Weight: 100, Source: "config"}

	switch strings.ToLower(u.Scheme) {
	case "ldaps":
		server.UseTLS = true
		server.Port = 636
	case "ldap":
		server.Port = 389
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	server.Host = u.Hostname()
	if server.Host == "" {
		return nil, fmt.Errorf("no hostname found in URL: %s", raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		server.Port = port
	}

	return server, nil
}
