package ldap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements the Client interface with testify expectations.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) BindWithConfig(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*SearchResult)
	return result, args.Error(1)
}

func (m *MockClient) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*SearchResult)
	return result, args.Error(1)
}

func (m *MockClient) Add(ctx context.Context, req *AddRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockClient) Modify(ctx context.Context, req *ModifyRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockClient) ModifyDN(ctx context.Context, req *ModifyDNRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockClient) Delete(ctx context.Context, dn string) error {
	args := m.Called(ctx, dn)
	return args.Error(0)
}

func (m *MockClient) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*WhoAmIResult)
	return result, args.Error(1)
}

func (m *MockClient) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Stats() PoolStats {
	args := m.Called()
	stats, _ := args.Get(0).(PoolStats)
	return stats
}

// fakeDirectory is an in-memory Client good enough for the filters and
// modifications this package issues. memberOf is computed from member values.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	// fail makes the named operation ("add", "modify", ...) return the error.
	fail map[string]error
	ops  []string
}

type fakeEntry struct {
	dn    string
	attrs map[string][]string
}

func newFakeDirectory(t *testing.T, layout DirectoryLayout) *fakeDirectory {
	t.Helper()
	require.NoError(t, layout.ApplyDefaults())

	d := &fakeDirectory{
		entries: map[string]*fakeEntry{},
		fail:    map[string]error{},
	}
	for _, rel := range []string{
		layout.UserSearchBaseDN,
		layout.PendingUserSearchBaseDN,
		layout.RoleSearchBaseDN,
		layout.OrgSearchBaseDN,
	} {
		d.put(layout.join(rel), map[string][]string{AttrObjectClass: {"organizationalUnit"}})
	}
	return d
}

func (d *fakeDirectory) put(dn string, attrs map[string][]string) {
	d.entries[strings.ToLower(dn)] = &fakeEntry{dn: dn, attrs: maps.Clone(attrs)}
}

func (d *fakeDirectory) values(dn, attr string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[strings.ToLower(dn)]
	if !ok {
		return nil
	}
	return e.get(attr)
}

func (d *fakeDirectory) has(dn string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[strings.ToLower(dn)]
	return ok
}

func (e *fakeEntry) key(attr string) (string, bool) {
	for k := range e.attrs {
		if strings.EqualFold(k, attr) {
			return k, true
		}
	}
	return attr, false
}

func (e *fakeEntry) get(attr string) []string {
	k, ok := e.key(attr)
	if !ok {
		return nil
	}
	return e.attrs[k]
}

func ldapErr(code uint16, format string, args ...any) error {
	return NewLDAPError("fake", ldap.NewError(code, fmt.Errorf(format, args...)))
}

func (d *fakeDirectory) check(op string) error {
	d.ops = append(d.ops, op)
	return d.fail[op]
}

func (d *fakeDirectory) memberOf(dn string) []string {
	var groups []string
	for _, e := range d.entries {
		if slices.ContainsFunc(e.get(AttrMember), func(v string) bool { return strings.EqualFold(v, dn) }) {
			groups = append(groups, e.dn)
		}
	}
	slices.Sort(groups)
	return groups
}

func (d *fakeDirectory) Connect(context.Context) error        { return nil }
func (d *fakeDirectory) Close() error                         { return nil }
func (d *fakeDirectory) BindWithConfig(context.Context) error { return nil }
func (d *fakeDirectory) Ping(context.Context) error           { return nil }
func (d *fakeDirectory) Stats() PoolStats                     { return PoolStats{} }

func (d *fakeDirectory) WhoAmI(context.Context) (*WhoAmIResult, error) {
	return ParseAuthzID("dn:uid=admin,ou=users,dc=georchestra,dc=org"), nil
}

func (d *fakeDirectory) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	return d.Search(ctx, req)
}

func (d *fakeDirectory) Search(_ context.Context, req *SearchRequest) (*SearchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("search"); err != nil {
		return nil, err
	}

	base := strings.ToLower(req.BaseDN)
	if _, ok := d.entries[base]; !ok {
		return nil, ldapErr(ldap.LDAPResultNoSuchObject, "no such object %s", req.BaseDN)
	}

	filter, rest, err := parseFakeFilter(req.Filter)
	if err != nil || rest != "" {
		return nil, fmt.Errorf("fake filter %q: %v", req.Filter, err)
	}

	keys := slices.Sorted(maps.Keys(d.entries))
	result := &SearchResult{}
	for _, key := range keys {
		e := d.entries[key]
		switch req.Scope {
		case ScopeBaseObject:
			if key != base {
				continue
			}
		case ScopeSingleLevel:
			if parentDN(key) != base {
				continue
			}
		default:
			if key != base && !strings.HasSuffix(key, ","+base) {
				continue
			}
		}

		view := maps.Clone(e.attrs)
		if groups := d.memberOf(e.dn); len(groups) > 0 {
			view[AttrMemberOf] = groups
		}
		if !filter.match(&fakeEntry{dn: e.dn, attrs: view}) {
			continue
		}

		projected := map[string][]string{}
		for _, attr := range req.Attributes {
			if vals := (&fakeEntry{attrs: view}).get(attr); len(vals) > 0 {
				projected[attr] = slices.Clone(vals)
			}
		}
		result.Entries = append(result.Entries, ldap.NewEntry(e.dn, projected))
	}
	result.Total = len(result.Entries)
	return result, nil
}

func (d *fakeDirectory) Add(_ context.Context, req *AddRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("add"); err != nil {
		return err
	}
	if _, ok := d.entries[strings.ToLower(req.DN)]; ok {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "entry %s exists", req.DN)
	}
	attrs := map[string][]string{}
	for k, v := range req.Attributes {
		attrs[k] = slices.Clone(v)
	}
	d.put(req.DN, attrs)
	return nil
}

func (d *fakeDirectory) Modify(_ context.Context, req *ModifyRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("modify"); err != nil {
		return err
	}
	e, ok := d.entries[strings.ToLower(req.DN)]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object %s", req.DN)
	}

	work := &fakeEntry{dn: e.dn, attrs: map[string][]string{}}
	for k, v := range e.attrs {
		work.attrs[k] = slices.Clone(v)
	}

	for attr, values := range req.AddAttributes {
		k, _ := work.key(attr)
		for _, v := range values {
			if slices.ContainsFunc(work.attrs[k], func(s string) bool { return strings.EqualFold(s, v) }) {
				return ldapErr(ldap.LDAPResultAttributeOrValueExists, "%s already holds %s", attr, v)
			}
			work.attrs[k] = append(work.attrs[k], v)
		}
	}
	for attr, values := range req.ReplaceAttributes {
		k, _ := work.key(attr)
		work.attrs[k] = slices.Clone(values)
	}
	for _, attr := range req.DeleteAttributes {
		k, ok := work.key(attr)
		if !ok {
			return ldapErr(ldap.LDAPResultNoSuchAttribute, "no attribute %s", attr)
		}
		delete(work.attrs, k)
	}
	for attr, values := range req.DeleteValues {
		k, ok := work.key(attr)
		if !ok {
			return ldapErr(ldap.LDAPResultNoSuchAttribute, "no attribute %s", attr)
		}
		for _, v := range values {
			i := slices.IndexFunc(work.attrs[k], func(s string) bool { return strings.EqualFold(s, v) })
			if i < 0 {
				return ldapErr(ldap.LDAPResultNoSuchAttribute, "%s does not hold %s", attr, v)
			}
			work.attrs[k] = slices.Delete(work.attrs[k], i, i+1)
		}
		if len(work.attrs[k]) == 0 {
			delete(work.attrs, k)
		}
	}

	d.entries[strings.ToLower(req.DN)] = work
	return nil
}

func (d *fakeDirectory) ModifyDN(_ context.Context, req *ModifyDNRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("modify_dn"); err != nil {
		return err
	}
	oldKey := strings.ToLower(req.DN)
	e, ok := d.entries[oldKey]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object %s", req.DN)
	}

	superior := req.NewSuperior
	if superior == "" {
		superior = e.dn[strings.Index(e.dn, ",")+1:]
	}
	newDN := req.NewRDN + "," + superior
	if _, exists := d.entries[strings.ToLower(newDN)]; exists {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "entry %s exists", newDN)
	}

	rdnAttr, rdnValue, _ := strings.Cut(req.NewRDN, "=")
	k, _ := e.key(rdnAttr)
	e.attrs[k] = []string{rdnValue}
	e.dn = newDN

	delete(d.entries, oldKey)
	d.entries[strings.ToLower(newDN)] = e
	return nil
}

func (d *fakeDirectory) Delete(_ context.Context, dn string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("delete"); err != nil {
		return err
	}
	key := strings.ToLower(dn)
	if _, ok := d.entries[key]; !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object %s", dn)
	}
	delete(d.entries, key)
	return nil
}

func parentDN(dn string) string {
	i := strings.Index(dn, ",")
	if i < 0 {
		return ""
	}
	return dn[i+1:]
}

// fakeFilter covers &, |, !, equality and presence.
type fakeFilter struct {
	op       byte // '&', '|', '!', '=' or '*'
	attr     string
	value    string
	children []*fakeFilter
}

func parseFakeFilter(s string) (*fakeFilter, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, s, errors.New("expected (")
	}
	s = s[1:]

	if s != "" && strings.ContainsRune("&|!", rune(s[0])) {
		f := &fakeFilter{op: s[0]}
		s = s[1:]
		for strings.HasPrefix(s, "(") {
			child, rest, err := parseFakeFilter(s)
			if err != nil {
				return nil, rest, err
			}
			f.children = append(f.children, child)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, s, errors.New("expected )")
		}
		return f, s[1:], nil
	}

	end := strings.Index(s, ")")
	if end < 0 {
		return nil, s, errors.New("unterminated item")
	}
	attr, raw, ok := strings.Cut(s[:end], "=")
	if !ok {
		return nil, s, errors.New("expected =")
	}
	if raw == "*" {
		return &fakeFilter{op: '*', attr: attr}, s[end+1:], nil
	}
	value, err := unescapeFilterValue(raw)
	if err != nil {
		return nil, s, err
	}
	return &fakeFilter{op: '=', attr: attr, value: value}, s[end+1:], nil
}

func unescapeFilterValue(raw string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			out.WriteByte(raw[i])
			continue
		}
		if i+2 >= len(raw) {
			return "", errors.New("short escape")
		}
		b, err := strconv.ParseUint(raw[i+1:i+3], 16, 8)
		if err != nil {
			return "", err
		}
		out.WriteByte(byte(b))
		i += 2
	}
	return out.String(), nil
}

func (f *fakeFilter) match(e *fakeEntry) bool {
	switch f.op {
	case '&':
		for _, c := range f.children {
			if !c.match(e) {
				return false
			}
		}
		return true
	case '|':
		for _, c := range f.children {
			if c.match(e) {
				return true
			}
		}
		return false
	case '!':
		return len(f.children) == 1 && !f.children[0].match(e)
	case '*':
		return len(e.get(f.attr)) > 0
	default:
		return slices.ContainsFunc(e.get(f.attr), func(v string) bool { return strings.EqualFold(v, f.value) })
	}
}

// testLayout is the default layout rooted at dc=georchestra,dc=org.
func testLayout(t *testing.T) DirectoryLayout {
	t.Helper()
	layout, err := NewDirectoryLayout("dc=georchestra,dc=org")
	require.NoError(t, err)
	return layout
}

// recordingAudit collects audit records.
type recordingAudit struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (a *recordingAudit) Record(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) types() []ChangeType {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ChangeType, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.ChangeType)
	}
	return out
}
