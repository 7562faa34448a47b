package ldap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// AccountManager stores accounts across the active and pending subtrees and
// keeps uid and email unique over both.
//
// Insert, Update, Rename and Delete are serialized by a process-local mutex,
// so uniqueness is best-effort under a single-writer deployment. Several
// processes writing to the same directory can still create duplicates; only a
// uniqueness constraint in the directory itself closes that gap. Reads take no
// lock and may observe a write in progress.
type AccountManager struct {
	mu sync.Mutex

	client    Client
	dn        *DNBuilder
	mapper    *AccountMapper
	searcher  *AccountSearcher
	roles     *RoleManager
	orgs      *OrgManager
	audit     AuditLog
	protected []string

	now func() time.Time
}

// NewAccountManager wires the engine for layout. audit may be nil, in which
// case no administrative change is recorded.
func NewAccountManager(client Client, layout DirectoryLayout, audit AuditLog) (*AccountManager, error) {
	if err := layout.ApplyDefaults(); err != nil {
		return nil, err
	}

	dn, err := NewDNBuilder(layout)
	if err != nil {
		return nil, err
	}

	mapper := NewAccountMapper(dn)
	protected := make([]string, 0, len(layout.ProtectedUsers))
	for _, uid := range layout.ProtectedUsers {
		protected = append(protected, strings.ToLower(uid))
	}

	return &AccountManager{
		client:    client,
		dn:        dn,
		mapper:    mapper,
		searcher:  NewAccountSearcher(client, dn, mapper),
		roles:     NewRoleManager(client, dn),
		orgs:      NewOrgManager(client, dn),
		audit:     audit,
		protected: protected,
		now:       time.Now,
	}, nil
}

// Roles returns the role store the engine maintains memberships in.
func (m *AccountManager) Roles() *RoleManager { return m.roles }

// Orgs returns the organization store.
func (m *AccountManager) Orgs() *OrgManager { return m.orgs }

// DN returns the path builder.
func (m *AccountManager) DN() *DNBuilder { return m.dn }

// Insert creates an account, adds it to roleID and, when set, to its
// organization. The password is encoded unless it already carries a scheme.
func (m *AccountManager) Insert(ctx context.Context, account *Account, roleID, actingAdmin string, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateMandatory(account); err != nil {
		return err
	}

	stored := *account
	stored.UID = strings.ToLower(strings.TrimSpace(account.UID))
	stored.Email = strings.TrimSpace(account.Email)
	stored.Pending = pending

	if _, err := m.FindByUID(ctx, stored.UID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateUID, stored.UID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := m.FindByEmail(ctx, stored.Email); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateEmail, stored.Email)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if stored.Password != "" && !IsEncodedPassword(stored.Password) {
		encoded, err := EncodePassword(stored.Password)
		if err != nil {
			return err
		}
		stored.Password = encoded
	}

	if err := m.client.Add(ctx, m.mapper.ToAddRequest(&stored, pending)); err != nil {
		return fmt.Errorf("insert account %s: %w", stored.UID, err)
	}

	if roleID != "" {
		if err := m.roles.AddMember(ctx, roleID, stored.UID, pending); err != nil {
			return err
		}
	}
	if org := strings.TrimSpace(stored.Org); org != "" {
		if err := m.orgs.AddMember(ctx, org, stored.UID, pending); err != nil {
			return err
		}
	}

	tflog.SubsystemInfo(ctx, SubsystemEngine, "Account created", map[string]any{
		"uid":     stored.UID,
		"role":    roleID,
		"pending": pending,
	})

	m.record(ctx, AuditRecord{Admin: actingAdmin, Target: stored.UID, ChangeType: ChangeAccountCreated})
	return nil
}

// Update writes the attribute diff of account onto its stored entry. The
// entry is located by uid and the account's pending flag.
func (m *AccountManager) Update(ctx context.Context, account *Account, actingAdmin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(ctx, account, actingAdmin)
}

func (m *AccountManager) update(ctx context.Context, account *Account, actingAdmin string) error {
	if err := validateMandatory(account); err != nil {
		return err
	}

	uid := strings.ToLower(strings.TrimSpace(account.UID))

	found, err := m.FindByEmail(ctx, account.Email)
	switch {
	case err == nil && !strings.EqualFold(found.UID, uid):
		return fmt.Errorf("%w: %s", ErrDuplicateEmail, strings.TrimSpace(account.Email))
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	entry, err := m.entry(ctx, m.dn.AccountDN(uid, account.Pending), AccountAttributes)
	if err != nil {
		return err
	}
	existing, err := m.mapper.FromEntry(ctx, entry)
	if err != nil {
		return err
	}

	req := m.mapper.ToModifyRequest(ctx, account, entry)
	if err := m.client.Modify(ctx, req); err != nil {
		return fmt.Errorf("update account %s: %w", uid, err)
	}

	if org := strings.TrimSpace(account.Org); org != existing.Org {
		if existing.Org != "" {
			if err := m.orgs.RemoveMember(ctx, existing.Org, uid); err != nil {
				return err
			}
		}
		if org != "" {
			if err := m.orgs.AddMember(ctx, org, uid, account.Pending); err != nil {
				return err
			}
		}
		m.record(ctx, AuditRecord{
			Admin:      actingAdmin,
			Target:     uid,
			ChangeType: ChangeAccountUpdated,
			Attribute:  "org",
			OldValue:   existing.Org,
			NewValue:   org,
		})
	}

	for _, change := range attributeChanges(req, entry) {
		change.Admin = actingAdmin
		change.Target = uid
		m.record(ctx, change)
	}

	return nil
}

// Rename moves old to the path of modified when the uid or pending flag
// changed, re-points role and organization memberships, and then applies the
// attribute diff of modified.
func (m *AccountManager) Rename(ctx context.Context, old, modified *Account, actingAdmin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldUID := strings.ToLower(strings.TrimSpace(old.UID))
	newUID := strings.ToLower(strings.TrimSpace(modified.UID))
	oldDN := m.dn.AccountDN(oldUID, old.Pending)
	newDN := m.dn.AccountDN(newUID, modified.Pending)

	// Nothing moves until the new state is known to be writable.
	if err := validateMandatory(modified); err != nil {
		return err
	}
	found, err := m.FindByEmail(ctx, modified.Email)
	switch {
	case err == nil && !strings.EqualFold(found.UID, oldUID) && !strings.EqualFold(found.UID, newUID):
		return fmt.Errorf("%w: %s", ErrDuplicateEmail, strings.TrimSpace(modified.Email))
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	if !strings.EqualFold(oldDN, newDN) {
		if oldUID != newUID {
			if _, err := m.FindByUID(ctx, newUID); err == nil {
				return fmt.Errorf("%w: %s", ErrDuplicateUID, newUID)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		req := &ModifyDNRequest{
			DN:           oldDN,
			NewRDN:       AttrUID + "=" + EscapeDNValue(newUID),
			DeleteOldRDN: true,
		}
		if old.Pending != modified.Pending {
			req.NewSuperior = m.dn.UsersBase(modified.Pending)
		}
		if err := m.client.ModifyDN(ctx, req); err != nil {
			if IsNotFoundError(err) {
				return fmt.Errorf("account %s: %w", oldUID, ErrNotFound)
			}
			return fmt.Errorf("rename account %s: %w", oldUID, err)
		}

		if err := m.roles.RenameMember(ctx, oldDN, newDN); err != nil {
			return err
		}
		if err := m.orgs.RenameMember(ctx, oldDN, newDN); err != nil {
			return err
		}

		tflog.SubsystemInfo(ctx, SubsystemEngine, "Account moved", map[string]any{
			"old_dn": oldDN,
			"new_dn": newDN,
		})

		m.record(ctx, AuditRecord{
			Admin:      actingAdmin,
			Target:     newUID,
			ChangeType: ChangeAccountRenamed,
			Attribute:  AttrUID,
			OldValue:   oldUID,
			NewValue:   newUID,
		})
	}

	return m.update(ctx, modified, actingAdmin)
}

// Delete removes uid from every role and its organization, then removes the
// entry itself.
func (m *AccountManager) Delete(ctx context.Context, uid, actingAdmin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, err := m.FindByUID(ctx, uid)
	if err != nil {
		return err
	}

	if err := m.roles.DeleteUser(ctx, account.UID); err != nil {
		return err
	}
	if account.Org != "" {
		if err := m.orgs.RemoveMember(ctx, account.Org, account.UID); err != nil {
			return err
		}
	}

	if err := m.client.Delete(ctx, account.DN); err != nil {
		if IsNotFoundError(err) {
			return fmt.Errorf("account %s: %w", account.UID, ErrNotFound)
		}
		return fmt.Errorf("delete account %s: %w", account.UID, err)
	}

	tflog.SubsystemInfo(ctx, SubsystemEngine, "Account deleted", map[string]any{"uid": account.UID})

	m.record(ctx, AuditRecord{Admin: actingAdmin, Target: account.UID, ChangeType: ChangeAccountDeleted})
	return nil
}

// Exists reports whether an active account holds uid.
func (m *AccountManager) Exists(ctx context.Context, uid string) (bool, error) {
	_, err := m.entry(ctx, m.dn.AccountDN(uid, false), []string{AttrUID})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FindByUID looks uid up in the active subtree, then in the pending one.
func (m *AccountManager) FindByUID(ctx context.Context, uid string) (*Account, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, fmt.Errorf("account with empty uid: %w", ErrNotFound)
	}

	for _, pending := range []bool{false, true} {
		entry, err := m.entry(ctx, m.dn.AccountDN(uid, pending), AccountAttributes)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return m.mapper.FromEntry(ctx, entry)
	}

	return nil, fmt.Errorf("account %s: %w", strings.ToLower(uid), ErrNotFound)
}

// FindByEmail returns the first account using email, active accounts first.
func (m *AccountManager) FindByEmail(ctx context.Context, email string) (*Account, error) {
	email = strings.TrimSpace(email)
	accounts, err := m.searcher.Search(ctx, NewAccountFilter().Equals(AttrMail, email), SearchAll)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("account with email %s: %w", email, ErrNotFound)
	}
	return accounts[0], nil
}

// FindByRole returns the members of role from both subtrees. An unknown role
// yields an empty result.
func (m *AccountManager) FindByRole(ctx context.Context, role string) ([]*Account, error) {
	return m.searcher.Search(ctx, NewAccountFilter().Equals(AttrMemberOf, m.dn.RoleDN(role)), SearchAll)
}

// FindByShadowExpire returns every account carrying an expiry date.
func (m *AccountManager) FindByShadowExpire(ctx context.Context) ([]*Account, error) {
	filter := NewAccountFilter().
		Present(AttrShadowExpire).
		Equals(AttrObjectClass, "shadowAccount")
	return m.searcher.Search(ctx, filter, SearchAll)
}

// FindFiltered runs filter over both subtrees and drops protected accounts.
// A nil filter matches every account.
func (m *AccountManager) FindFiltered(ctx context.Context, filter *AccountFilter) ([]*Account, error) {
	if filter == nil {
		filter = NewAccountFilter()
	}
	accounts, err := m.searcher.Search(ctx, filter, SearchAll)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(accounts, func(a *Account) bool { return m.IsProtected(a.UID) }), nil
}

// FindAll returns every account in the subtrees selected by mode.
func (m *AccountManager) FindAll(ctx context.Context, mode SearchMode) ([]*Account, error) {
	return m.searcher.Search(ctx, NewAccountFilter(), mode)
}

// IsProtected reports whether uid is listed as a protected account.
func (m *AccountManager) IsProtected(uid string) bool {
	return slices.Contains(m.protected, strings.ToLower(uid))
}

// ChangePassword replaces every stored credential with a fresh encoding of
// password.
func (m *AccountManager) ChangePassword(ctx context.Context, uid, password string) error {
	account, err := m.FindByUID(ctx, uid)
	if err != nil {
		return err
	}

	encoded, err := EncodePassword(password)
	if err != nil {
		return err
	}

	err = m.client.Modify(ctx, &ModifyRequest{
		DN:                account.DN,
		ReplaceAttributes: map[string][]string{AttrPassword: {encoded}},
	})
	if err != nil {
		return fmt.Errorf("change password of %s: %w", account.UID, err)
	}

	tflog.SubsystemInfo(ctx, SubsystemEngine, "Password changed", map[string]any{"uid": account.UID})
	return nil
}

// AddNewPassword stores password next to the current credential for a
// rotation window. With fewer than two stored values the new one is appended;
// with two, the second slot is overwritten. Both branches store the encoded
// value.
func (m *AccountManager) AddNewPassword(ctx context.Context, uid, password string) error {
	account, err := m.FindByUID(ctx, uid)
	if err != nil {
		return err
	}

	entry, err := m.entry(ctx, account.DN, []string{AttrPassword})
	if err != nil {
		return err
	}

	encoded, err := EncodePassword(password)
	if err != nil {
		return err
	}

	req := &ModifyRequest{DN: account.DN}
	current := entry.GetAttributeValues(AttrPassword)
	if len(current) < 2 {
		req.AddAttributes = map[string][]string{AttrPassword: {encoded}}
	} else {
		req.ReplaceAttributes = map[string][]string{AttrPassword: {current[0], encoded}}
	}

	if err := m.client.Modify(ctx, req); err != nil {
		return fmt.Errorf("add password for %s: %w", account.UID, err)
	}
	return nil
}

// entry reads a single entry. A missing entry is ErrNotFound.
func (m *AccountManager) entry(ctx context.Context, dn string, attrs []string) (*ldap.Entry, error) {
	result, err := m.client.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attrs,
	})
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("entry %s: %w", dn, ErrNotFound)
		}
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("entry %s: %w", dn, ErrNotFound)
	}
	return result.Entries[0], nil
}

// record appends to the audit log when an acting admin is known. Audit
// failures are logged and do not fail the change that already happened.
func (m *AccountManager) record(ctx context.Context, rec AuditRecord) {
	if m.audit == nil || rec.Admin == "" {
		return
	}
	if rec.Date.IsZero() {
		rec.Date = m.now()
	}
	if err := m.audit.Record(ctx, rec); err != nil {
		tflog.SubsystemError(ctx, SubsystemEngine, "Failed to record audit entry", map[string]any{
			"admin":       rec.Admin,
			"target":      rec.Target,
			"change_type": string(rec.ChangeType),
			"error":       err.Error(),
		})
	}
}

func validateMandatory(account *Account) error {
	if account == nil {
		return fmt.Errorf("%w: account is nil", ErrValidation)
	}

	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{AttrUID, account.UID},
		{AttrGivenName, account.GivenName},
		{AttrSurname, account.Surname},
		{AttrMail, account.Email},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// attributeChanges lists one audit record per attribute touched by req.
func attributeChanges(req *ModifyRequest, existing *ldap.Entry) []AuditRecord {
	var changes []AuditRecord
	for attr, values := range req.ReplaceAttributes {
		changes = append(changes, AuditRecord{
			ChangeType: ChangeAttribute,
			Attribute:  attr,
			OldValue:   existing.GetAttributeValue(attr),
			NewValue:   strings.Join(values, ", "),
		})
	}
	for _, attr := range req.DeleteAttributes {
		changes = append(changes, AuditRecord{
			ChangeType: ChangeAttribute,
			Attribute:  attr,
			OldValue:   existing.GetAttributeValue(attr),
		})
	}
	slices.SortFunc(changes, func(a, b AuditRecord) int { return strings.Compare(a.Attribute, b.Attribute) })
	return changes
}
