package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SearchMode selects which account subtrees a search visits.
type SearchMode int

const (
	// SearchActive visits the active subtree only.
	SearchActive SearchMode = iota
	// SearchPending visits the pending subtree only.
	SearchPending
	// SearchAll visits the active subtree, then the pending one.
	SearchAll
)

func (m SearchMode) String() string {
	switch m {
	case SearchActive:
		return "active"
	case SearchPending:
		return "pending"
	case SearchAll:
		return "all"
	default:
		return "unknown"
	}
}

// AccountFilter is a conjunctive filter over person entries.
type AccountFilter struct {
	predicates []string
}

// NewAccountFilter returns a filter matching every person entry.
func NewAccountFilter() *AccountFilter {
	return &AccountFilter{predicates: []string{
		"(objectClass=inetOrgPerson)",
		"(objectClass=organizationalPerson)",
		"(objectClass=person)",
	}}
}

// Equals adds an equality predicate; value is escaped.
func (f *AccountFilter) Equals(attr, value string) *AccountFilter {
	f.predicates = append(f.predicates, fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(value)))
	return f
}

// Present adds a presence predicate.
func (f *AccountFilter) Present(attr string) *AccountFilter {
	f.predicates = append(f.predicates, fmt.Sprintf("(%s=*)", attr))
	return f
}

func (f *AccountFilter) String() string {
	return "(&" + strings.Join(f.predicates, "") + ")"
}

// AccountSearcher runs account filters against the active and pending subtrees.
type AccountSearcher struct {
	client Client
	dn     *DNBuilder
	mapper *AccountMapper
}

// NewAccountSearcher creates a searcher over client.
func NewAccountSearcher(client Client, dn *DNBuilder, mapper *AccountMapper) *AccountSearcher {
	return &AccountSearcher{client: client, dn: dn, mapper: mapper}
}

// Search returns the matching accounts. In SearchAll mode active accounts come
// first, followed by pending ones, with no further ordering.
func (s *AccountSearcher) Search(ctx context.Context, filter *AccountFilter, mode SearchMode) ([]*Account, error) {
	var bases []string
	switch mode {
	case SearchActive:
		bases = []string{s.dn.UsersBase(false)}
	case SearchPending:
		bases = []string{s.dn.UsersBase(true)}
	case SearchAll:
		bases = []string{s.dn.UsersBase(false), s.dn.UsersBase(true)}
	default:
		return nil, fmt.Errorf("unknown search mode %d", mode)
	}

	var accounts []*Account
	for _, base := range bases {
		found, err := s.searchBase(ctx, base, filter.String())
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, found...)
	}

	tflog.SubsystemDebug(ctx, SubsystemEngine, "Account search completed", map[string]any{
		"filter": filter.String(),
		"mode":   mode.String(),
		"found":  len(accounts),
	})

	return accounts, nil
}

func (s *AccountSearcher) searchBase(ctx context.Context, base, filter string) ([]*Account, error) {
	result, err := s.client.SearchWithPaging(ctx, &SearchRequest{
		BaseDN:     base,
		Scope:      ScopeSingleLevel,
		Filter:     filter,
		Attributes: AccountAttributes,
	})
	if err != nil {
		// A subtree that does not exist yet holds no accounts.
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("search %s: %w", base, err)
	}

	accounts := make([]*Account, 0, len(result.Entries))
	for _, entry := range result.Entries {
		account, err := s.mapper.FromEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}
