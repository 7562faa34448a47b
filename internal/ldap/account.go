package ldap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Directory attribute names.
const (
	AttrObjectClass                = "objectClass"
	AttrUID                        = "uid"
	AttrCommonName                 = "cn"
	AttrSurname                    = "sn"
	AttrGivenName                  = "givenName"
	AttrMail                       = "mail"
	AttrTitle                      = "title"
	AttrPhone                      = "telephoneNumber"
	AttrMobile                     = "mobile"
	AttrFax                        = "facsimileTelephoneNumber"
	AttrDescription                = "description"
	AttrPostalAddress              = "postalAddress"
	AttrPostalCode                 = "postalCode"
	AttrRegisteredAddress          = "registeredAddress"
	AttrPostOfficeBox              = "postOfficeBox"
	AttrPhysicalDeliveryOfficeName = "physicalDeliveryOfficeName"
	AttrStreet                     = "street"
	AttrLocality                   = "l"
	AttrState                      = "st"
	AttrHomePostalAddress          = "homePostalAddress"
	AttrRoomNumber                 = "roomNumber"
	AttrContext                    = "knowledgeInformation"
	AttrManager                    = "manager"
	AttrShadowExpire               = "shadowExpire"
	AttrPassword                   = "userPassword"
	AttrMemberOf                   = "memberOf"
	AttrMember                     = "member"
	AttrBusinessCategory           = "businessCategory"
)

// AccountObjectClasses are written on every new account entry.
var AccountObjectClasses = []string{"top", "person", "organizationalPerson", "inetOrgPerson", "shadowAccount"}

// Account is a per-request projection of a person entry.
type Account struct {
	UID       string
	Password  string // directory-encoded; never returned by searches
	GivenName string
	Surname   string
	// CommonName defaults to "<GivenName> <Surname>" on insert.
	CommonName string
	Email      string

	Title                      string
	Phone                      string
	Mobile                     string
	Fax                        string
	Description                string
	PostalAddress              string
	PostalCode                 string
	RegisteredAddress          string
	PostOfficeBox              string
	PhysicalDeliveryOfficeName string
	Street                     string
	Locality                   string
	State                      string
	HomePostalAddress          string
	RoomNumber                 string
	Context                    string

	// Manager is the manager's uid.
	Manager string
	// Org is derived from memberOf and maintained through organization membership.
	Org string
	// ShadowExpire has whole-second precision once stored.
	ShadowExpire *time.Time
	// Pending reflects the subtree holding the entry.
	Pending bool
	// DN is filled when the account was read from the directory.
	DN string
}

// stringField binds a single-valued string attribute to an Account field.
type stringField struct {
	attr string
	get  func(*Account) string
	set  func(*Account, string)
}

var accountStringFields = []stringField{
	{AttrCommonName, func(a *Account) string { return a.CommonName }, func(a *Account, v string) { a.CommonName = v }},
	{AttrSurname, func(a *Account) string { return a.Surname }, func(a *Account, v string) { a.Surname = v }},
	{AttrGivenName, func(a *Account) string { return a.GivenName }, func(a *Account, v string) { a.GivenName = v }},
	{AttrMail, func(a *Account) string { return a.Email }, func(a *Account, v string) { a.Email = v }},
	{AttrTitle, func(a *Account) string { return a.Title }, func(a *Account, v string) { a.Title = v }},
	{AttrPhone, func(a *Account) string { return a.Phone }, func(a *Account, v string) { a.Phone = v }},
	{AttrMobile, func(a *Account) string { return a.Mobile }, func(a *Account, v string) { a.Mobile = v }},
	{AttrFax, func(a *Account) string { return a.Fax }, func(a *Account, v string) { a.Fax = v }},
	{AttrDescription, func(a *Account) string { return a.Description }, func(a *Account, v string) { a.Description = v }},
	{AttrPostalAddress, func(a *Account) string { return a.PostalAddress }, func(a *Account, v string) { a.PostalAddress = v }},
	{AttrPostalCode, func(a *Account) string { return a.PostalCode }, func(a *Account, v string) { a.PostalCode = v }},
	{AttrRegisteredAddress, func(a *Account) string { return a.RegisteredAddress }, func(a *Account, v string) { a.RegisteredAddress = v }},
	{AttrPostOfficeBox, func(a *Account) string { return a.PostOfficeBox }, func(a *Account, v string) { a.PostOfficeBox = v }},
	{AttrPhysicalDeliveryOfficeName, func(a *Account) string { return a.PhysicalDeliveryOfficeName }, func(a *Account, v string) { a.PhysicalDeliveryOfficeName = v }},
	{AttrStreet, func(a *Account) string { return a.Street }, func(a *Account, v string) { a.Street = v }},
	{AttrLocality, func(a *Account) string { return a.Locality }, func(a *Account, v string) { a.Locality = v }},
	{AttrState, func(a *Account) string { return a.State }, func(a *Account, v string) { a.State = v }},
	{AttrHomePostalAddress, func(a *Account) string { return a.HomePostalAddress }, func(a *Account, v string) { a.HomePostalAddress = v }},
	{AttrRoomNumber, func(a *Account) string { return a.RoomNumber }, func(a *Account, v string) { a.RoomNumber = v }},
	{AttrContext, func(a *Account) string { return a.Context }, func(a *Account, v string) { a.Context = v }},
}

// AccountAttributes is the attribute list requested by account searches.
// memberOf is operational on OpenLDAP and has to be asked for.
var AccountAttributes = func() []string {
	attrs := []string{AttrUID, AttrManager, AttrShadowExpire, AttrMemberOf}
	for _, f := range accountStringFields {
		attrs = append(attrs, f.attr)
	}
	return attrs
}()

// AccountMapper converts between Account values and directory entries.
type AccountMapper struct {
	dn *DNBuilder
}

// NewAccountMapper creates a mapper that resolves paths with dn.
func NewAccountMapper(dn *DNBuilder) *AccountMapper {
	return &AccountMapper{dn: dn}
}

// ToAddRequest builds the full entry for a new account. Blank optional fields
// are omitted.
func (m *AccountMapper) ToAddRequest(account *Account, pending bool) *AddRequest {
	attrs := map[string][]string{
		AttrObjectClass: AccountObjectClasses,
		AttrUID:         {strings.ToLower(account.UID)},
	}

	for _, f := range accountStringFields {
		if v := strings.TrimSpace(f.get(account)); v != "" {
			attrs[f.attr] = []string{v}
		}
	}
	if _, ok := attrs[AttrCommonName]; !ok {
		attrs[AttrCommonName] = []string{defaultCommonName(account)}
	}

	if v := m.managerValue(account); v != "" {
		attrs[AttrManager] = []string{v}
	}
	if v := shadowExpireValue(account.ShadowExpire); v != "" {
		attrs[AttrShadowExpire] = []string{v}
	}
	if account.Password != "" {
		attrs[AttrPassword] = []string{account.Password}
	}

	return &AddRequest{
		DN:         m.dn.AccountDN(account.UID, pending),
		Attributes: attrs,
	}
}

// ToModifyRequest diffs account against the stored entry. A blank value
// deletes the attribute only when exactly one value is stored; several stored
// values are left alone and logged, since they point at corruption elsewhere.
func (m *AccountMapper) ToModifyRequest(ctx context.Context, account *Account, existing *ldap.Entry) *ModifyRequest {
	req := &ModifyRequest{
		DN:                existing.DN,
		ReplaceAttributes: map[string][]string{},
	}

	apply := func(attr, value string) {
		value = strings.TrimSpace(value)
		current := existing.GetAttributeValues(attr)

		if value != "" {
			if len(current) != 1 || current[0] != value {
				req.ReplaceAttributes[attr] = []string{value}
			}
			return
		}

		switch len(current) {
		case 0:
		case 1:
			req.DeleteAttributes = append(req.DeleteAttributes, attr)
		default:
			tflog.SubsystemError(ctx, SubsystemEngine, "Refusing to clear multi-valued attribute", map[string]any{
				"dn":        existing.DN,
				"attribute": attr,
				"values":    len(current),
			})
		}
	}

	for _, f := range accountStringFields {
		value := f.get(account)
		if f.attr == AttrCommonName && strings.TrimSpace(value) == "" {
			value = defaultCommonName(account)
		}
		apply(f.attr, value)
	}
	apply(AttrManager, m.managerValue(account))
	apply(AttrShadowExpire, shadowExpireValue(account.ShadowExpire))

	return req
}

// FromEntry maps a directory entry back to an Account. More than one
// organization membership is reported as ErrConsistency.
func (m *AccountMapper) FromEntry(ctx context.Context, entry *ldap.Entry) (*Account, error) {
	account := &Account{
		UID:      entry.GetAttributeValue(AttrUID),
		Password: entry.GetAttributeValue(AttrPassword),
		DN:       entry.DN,
		Pending:  m.dn.IsPending(entry.DN),
	}

	for _, f := range accountStringFields {
		f.set(account, entry.GetAttributeValue(f.attr))
	}

	if manager := entry.GetAttributeValue(AttrManager); manager != "" {
		uid, err := LeafValue(manager)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemEngine, "Ignoring unparsable manager reference", map[string]any{
				"dn":      entry.DN,
				"manager": manager,
			})
		} else {
			account.Manager = uid
		}
	}

	if raw := entry.GetAttributeValue(AttrShadowExpire); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			tflog.SubsystemWarn(ctx, SubsystemEngine, "Ignoring malformed shadowExpire", map[string]any{
				"dn":    entry.DN,
				"value": raw,
			})
		} else {
			expire := time.Unix(secs, 0).UTC()
			account.ShadowExpire = &expire
		}
	}

	var orgs []string
	for _, value := range entry.GetAttributeValues(AttrMemberOf) {
		if org, ok := m.dn.OrgFromMembership(value); ok {
			orgs = append(orgs, org)
		}
	}
	switch len(orgs) {
	case 0:
	case 1:
		account.Org = orgs[0]
	default:
		return nil, fmt.Errorf("%w: %s belongs to organizations %s", ErrConsistency, entry.DN, strings.Join(orgs, ", "))
	}

	return account, nil
}

func (m *AccountMapper) managerValue(account *Account) string {
	if strings.TrimSpace(account.Manager) == "" {
		return ""
	}
	return m.dn.ManagerDN(strings.TrimSpace(account.Manager))
}

func shadowExpireValue(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func defaultCommonName(account *Account) string {
	return strings.TrimSpace(strings.TrimSpace(account.GivenName) + " " + strings.TrimSpace(account.Surname))
}
