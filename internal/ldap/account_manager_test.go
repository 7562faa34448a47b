package ldap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*AccountManager, *fakeDirectory, *recordingAudit) {
	t.Helper()

	layout := testLayout(t)
	dir := newFakeDirectory(t, layout)
	audit := &recordingAudit{}

	m, err := NewAccountManager(dir, layout, audit)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	for _, role := range []string{RoleUser, RolePending, RoleSuperuser, "R1"} {
		require.NoError(t, m.Roles().Create(context.Background(), &Role{Name: role}))
	}
	for _, org := range []string{"c2c", "psc"} {
		dir.put(m.DN().OrgDN(org), map[string][]string{
			AttrObjectClass: {"groupOfMembers"},
			AttrCommonName:  {org},
		})
	}
	return m, dir, audit
}

func newAccount(uid, email string) *Account {
	return &Account{
		UID:       uid,
		Password:  "secret-password",
		GivenName: "Given",
		Surname:   "Surname",
		Email:     email,
	}
}

func TestAccountManager_Insert(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)

	account := newAccount("JDoe", "jdoe@example.org")
	account.Org = "c2c"
	require.NoError(t, m.Insert(ctx, account, RoleUser, "admin", false))

	dn := "uid=jdoe,ou=users,dc=georchestra,dc=org"
	require.True(t, dir.has(dn))

	stored := dir.values(dn, AttrPassword)
	require.Len(t, stored, 1)
	assert.NoError(t, VerifyPassword("secret-password", stored[0]))
	assert.Equal(t, "JDoe", account.UID, "caller's account is not modified")

	assert.Contains(t, dir.values(m.DN().RoleDN(RoleUser), AttrMember), dn)
	assert.Contains(t, dir.values(m.DN().OrgDN("c2c"), AttrMember), dn)

	got, err := m.FindByUID(ctx, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "c2c", got.Org)
	assert.Equal(t, "Given Surname", got.CommonName)
	assert.False(t, got.Pending)

	assert.Equal(t, []ChangeType{ChangeAccountCreated}, audit.types())
	assert.Equal(t, "jdoe", audit.records[0].Target)
	assert.Equal(t, m.now(), audit.records[0].Date)
}

func TestAccountManager_Insert_Pending(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("carol", "carol@example.org"), RolePending, "", true))

	dn := "uid=carol,ou=pendingusers,dc=georchestra,dc=org"
	assert.True(t, dir.has(dn))
	assert.Contains(t, dir.values(m.DN().RoleDN(RolePending), AttrMember), dn)
	assert.Empty(t, audit.types(), "no acting admin, no audit")

	exists, err := m.Exists(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, exists, "only the active subtree counts")

	got, err := m.FindByUID(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, got.Pending)
}

func TestAccountManager_Insert_Validation(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)
	dir.ops = nil

	for _, mutate := range []func(*Account){
		func(a *Account) { a.UID = "" },
		func(a *Account) { a.GivenName = " " },
		func(a *Account) { a.Surname = "" },
		func(a *Account) { a.Email = "" },
	} {
		account := newAccount("jdoe", "jdoe@example.org")
		mutate(account)
		err := m.Insert(ctx, account, RoleUser, "", false)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.NotContains(t, dir.ops, "add")

	assert.ErrorIs(t, m.Insert(ctx, nil, RoleUser, "", false), ErrValidation)
}

func TestAccountManager_Insert_DuplicateUIDIgnoresCase(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("bob", "bob@example.org"), RoleUser, "", false))
	err := m.Insert(ctx, newAccount("BOB", "other@example.org"), RoleUser, "", false)
	assert.ErrorIs(t, err, ErrDuplicateUID)
}

func TestAccountManager_Insert_DuplicateUIDAcrossSubtrees(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("bob", "bob@example.org"), RolePending, "", true))
	err := m.Insert(ctx, newAccount("bob", "other@example.org"), RoleUser, "", false)
	assert.ErrorIs(t, err, ErrDuplicateUID)
}

func TestAccountManager_Insert_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("alice", "shared@example.org"), RolePending, "", true))
	err := m.Insert(ctx, newAccount("bob", " shared@example.org "), RoleUser, "", false)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestAccountManager_Insert_DirectoryFailure(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)

	failure := NewLDAPError("add", errors.New("connection refused"))
	dir.fail["add"] = failure

	err := m.Insert(ctx, newAccount("bob", "bob@example.org"), RoleUser, "", false)
	assert.ErrorIs(t, err, failure)
	assert.Empty(t, dir.values(m.DN().RoleDN(RoleUser), AttrMember))
}

func TestAccountManager_Insert_Concurrent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Insert(ctx, newAccount("race", "race@example.org"), RoleUser, "", false)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateUID)
	}
	assert.Equal(t, 1, ok)
}

func TestAccountManager_Update(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)

	account := newAccount("jdoe", "jdoe@example.org")
	account.Title = "Engineer"
	require.NoError(t, m.Insert(ctx, account, RoleUser, "", false))

	account.Email = "john@example.org"
	account.Title = ""
	account.Locality = "Lyon"
	account.Org = "psc"
	require.NoError(t, m.Update(ctx, account, "admin"))

	dn := "uid=jdoe,ou=users,dc=georchestra,dc=org"
	assert.Equal(t, []string{"john@example.org"}, dir.values(dn, AttrMail))
	assert.Equal(t, []string{"Lyon"}, dir.values(dn, AttrLocality))
	assert.Empty(t, dir.values(dn, AttrTitle))
	assert.Contains(t, dir.values(m.DN().OrgDN("psc"), AttrMember), dn)

	var attrs []string
	for _, r := range audit.records {
		assert.Equal(t, "admin", r.Admin)
		assert.Equal(t, "jdoe", r.Target)
		attrs = append(attrs, r.Attribute)
	}
	assert.Equal(t, []string{"org", AttrLocality, AttrMail, AttrTitle}, attrs)
}

func TestAccountManager_Update_Email(t *testing.T) {
	ctx := context.Background()
	m, _, audit := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("alice", "alice@example.org"), RoleUser, "", false))
	require.NoError(t, m.Insert(ctx, newAccount("bob", "bob@example.org"), RoleUser, "", false))

	bob, err := m.FindByUID(ctx, "bob")
	require.NoError(t, err)

	bob.Email = "alice@example.org"
	assert.ErrorIs(t, m.Update(ctx, bob, "admin"), ErrDuplicateEmail)

	bob.Email = "bob@example.org"
	assert.NoError(t, m.Update(ctx, bob, ""))
	assert.Empty(t, audit.records)
}

func TestAccountManager_Update_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Update(context.Background(), newAccount("ghost", "ghost@example.org"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountManager_Update_OrgConsistency(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)

	require.NoError(t, m.Insert(ctx, newAccount("jdoe", "jdoe@example.org"), RoleUser, "", false))
	dn := m.DN().AccountDN("jdoe", false)
	for _, org := range []string{"c2c", "psc"} {
		require.NoError(t, dir.Modify(ctx, &ModifyRequest{
			DN:            m.DN().OrgDN(org),
			AddAttributes: map[string][]string{AttrMember: {dn}},
		}))
	}

	_, err := m.FindByUID(ctx, "jdoe")
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestAccountManager_Rename(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)

	old := newAccount("jdoe", "jdoe@example.org")
	old.Org = "c2c"
	require.NoError(t, m.Insert(ctx, old, RoleUser, "", false))
	require.NoError(t, m.Roles().AddMember(ctx, "R1", "jdoe", false))

	modified := *old
	modified.UID = "john.doe"
	modified.Title = "Renamed"
	require.NoError(t, m.Rename(ctx, old, &modified, "admin"))

	oldDN := "uid=jdoe,ou=users,dc=georchestra,dc=org"
	newDN := "uid=john.doe,ou=users,dc=georchestra,dc=org"
	assert.False(t, dir.has(oldDN))
	assert.True(t, dir.has(newDN))
	assert.Equal(t, []string{"Renamed"}, dir.values(newDN, AttrTitle))

	roles, err := m.Roles().FindRolesFor(ctx, "john.doe")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", RoleUser}, roles)

	roles, err = m.Roles().FindRolesFor(ctx, "jdoe")
	require.NoError(t, err)
	assert.Empty(t, roles)

	assert.Equal(t, []string{newDN}, dir.values(m.DN().OrgDN("c2c"), AttrMember))
	assert.Equal(t, ChangeAccountRenamed, audit.records[0].ChangeType)
}

func TestAccountManager_Rename_Promote(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)

	old := newAccount("carol", "carol@example.org")
	require.NoError(t, m.Insert(ctx, old, RolePending, "", true))
	old.Pending = true

	promoted := *old
	promoted.Pending = false
	require.NoError(t, m.Rename(ctx, old, &promoted, ""))

	assert.True(t, dir.has("uid=carol,ou=users,dc=georchestra,dc=org"))
	assert.False(t, dir.has("uid=carol,ou=pendingusers,dc=georchestra,dc=org"))
	assert.Equal(t, []string{"uid=carol,ou=users,dc=georchestra,dc=org"},
		dir.values(m.DN().RoleDN(RolePending), AttrMember))
}

func TestAccountManager_Rename_SamePathOnlyUpdates(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)

	old := newAccount("jdoe", "jdoe@example.org")
	require.NoError(t, m.Insert(ctx, old, RoleUser, "", false))

	modified := *old
	modified.UID = "JDOE"
	modified.Locality = "Nice"
	require.NoError(t, m.Rename(ctx, old, &modified, ""))

	assert.NotContains(t, dir.ops, "modify_dn")
	assert.Equal(t, []string{"Nice"}, dir.values(m.DN().AccountDN("jdoe", false), AttrLocality))
}

func TestAccountManager_Rename_Collision(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	a := newAccount("alice", "alice@example.org")
	require.NoError(t, m.Insert(ctx, a, RoleUser, "", false))
	require.NoError(t, m.Insert(ctx, newAccount("bob", "bob@example.org"), RoleUser, "", false))

	modified := *a
	modified.UID = "bob"
	assert.ErrorIs(t, m.Rename(ctx, a, &modified, ""), ErrDuplicateUID)
}

func TestAccountManager_Rename_RejectedBeforeMove(t *testing.T) {
	ctx := context.Background()
	oldDN := "uid=bob,ou=users,dc=georchestra,dc=org"
	newDN := "uid=robert,ou=users,dc=georchestra,dc=org"

	tests := []struct {
		name   string
		edit   func(*Account)
		target error
	}{
		{
			name:   "email held by another account",
			edit:   func(a *Account) { a.Email = "alice@example.org" },
			target: ErrDuplicateEmail,
		},
		{
			name:   "blank surname",
			edit:   func(a *Account) { a.Surname = " " },
			target: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, dir, _ := newTestManager(t)

			bob := newAccount("bob", "bob@example.org")
			require.NoError(t, m.Insert(ctx, bob, RoleUser, "", false))
			require.NoError(t, m.Insert(ctx, newAccount("alice", "alice@example.org"), RoleUser, "", false))
			require.NoError(t, m.Roles().AddMember(ctx, "R1", "bob", false))

			modified := *bob
			modified.UID = "robert"
			tt.edit(&modified)

			assert.ErrorIs(t, m.Rename(ctx, bob, &modified, ""), tt.target)
			assert.NotContains(t, dir.ops, "modify_dn")
			assert.True(t, dir.has(oldDN))
			assert.False(t, dir.has(newDN))
			assert.Contains(t, dir.values(m.DN().RoleDN("R1"), AttrMember), oldDN)
			assert.Equal(t, []string{"bob@example.org"}, dir.values(oldDN, AttrMail))
		})
	}
}

func TestAccountManager_Rename_KeepsOwnEmail(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)

	bob := newAccount("bob", "bob@example.org")
	require.NoError(t, m.Insert(ctx, bob, RoleUser, "", false))

	modified := *bob
	modified.UID = "robert"
	require.NoError(t, m.Rename(ctx, bob, &modified, ""))
	assert.Equal(t, []string{"bob@example.org"}, dir.values("uid=robert,ou=users,dc=georchestra,dc=org", AttrMail))
}

func TestAccountManager_Delete(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)

	account := newAccount("jdoe", "jdoe@example.org")
	account.Org = "c2c"
	require.NoError(t, m.Insert(ctx, account, RoleUser, "", false))
	require.NoError(t, m.Roles().AddMember(ctx, "R1", "jdoe", false))

	require.NoError(t, m.Delete(ctx, "jdoe", "admin"))

	assert.False(t, dir.has("uid=jdoe,ou=users,dc=georchestra,dc=org"))
	roles, err := m.Roles().FindRolesFor(ctx, "jdoe")
	require.NoError(t, err)
	assert.Empty(t, roles)
	assert.Empty(t, dir.values(m.DN().OrgDN("c2c"), AttrMember))
	assert.Equal(t, []ChangeType{ChangeAccountDeleted}, audit.types())

	assert.ErrorIs(t, m.Delete(ctx, "jdoe", "admin"), ErrNotFound)
}

func TestAccountManager_Finds(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	expire := time.Unix(1900000000, 0).UTC()
	alice := newAccount("alice", "alice@example.org")
	alice.ShadowExpire = &expire
	require.NoError(t, m.Insert(ctx, alice, "R1", "", false))
	require.NoError(t, m.Insert(ctx, newAccount("carol", "carol@example.org"), "R1", "", true))
	require.NoError(t, m.Insert(ctx, newAccount("geoserver_privileged_user", "gs@example.org"), RoleUser, "", false))

	byEmail, err := m.FindByEmail(ctx, "carol@example.org")
	require.NoError(t, err)
	assert.Equal(t, "carol", byEmail.UID)

	_, err = m.FindByEmail(ctx, "nobody@example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FindByUID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	byRole, err := m.FindByRole(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, byRole, 2)
	assert.Equal(t, "alice", byRole[0].UID)
	assert.Equal(t, "carol", byRole[1].UID)

	empty, err := m.FindByRole(ctx, "NO_SUCH_ROLE")
	require.NoError(t, err)
	assert.Empty(t, empty)

	expiring, err := m.FindByShadowExpire(ctx)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, expire, *expiring[0].ShadowExpire)

	filtered, err := m.FindFiltered(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
	assert.True(t, m.IsProtected("GeoServer_Privileged_User"))

	active, err := m.FindAll(ctx, SearchActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestAccountManager_ChangePassword(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)
	require.NoError(t, m.Insert(ctx, newAccount("jdoe", "jdoe@example.org"), RoleUser, "", false))

	require.NoError(t, m.ChangePassword(ctx, "jdoe", "new-password"))

	stored := dir.values(m.DN().AccountDN("jdoe", false), AttrPassword)
	require.Len(t, stored, 1)
	assert.NoError(t, VerifyPassword("new-password", stored[0]))

	assert.ErrorIs(t, m.ChangePassword(ctx, "ghost", "x"), ErrNotFound)
}

func TestAccountManager_AddNewPassword(t *testing.T) {
	ctx := context.Background()
	m, dir, _ := newTestManager(t)
	require.NoError(t, m.Insert(ctx, newAccount("jdoe", "jdoe@example.org"), RoleUser, "", false))
	dn := m.DN().AccountDN("jdoe", false)

	// One stored value: the new one is appended.
	require.NoError(t, m.AddNewPassword(ctx, "jdoe", "second-password"))
	stored := dir.values(dn, AttrPassword)
	require.Len(t, stored, 2)
	assert.NoError(t, VerifyPassword("secret-password", stored[0]))
	assert.NoError(t, VerifyPassword("second-password", stored[1]))
	assert.True(t, IsEncodedPassword(stored[1]))

	// Two stored values: the second slot is overwritten, still encoded.
	require.NoError(t, m.AddNewPassword(ctx, "jdoe", "third-password"))
	stored = dir.values(dn, AttrPassword)
	require.Len(t, stored, 2)
	assert.NoError(t, VerifyPassword("secret-password", stored[0]))
	assert.NoError(t, VerifyPassword("third-password", stored[1]))
	assert.True(t, IsEncodedPassword(stored[1]))
	assert.NotEqual(t, "third-password", stored[1])
}

func TestAccountManager_AuditFailureDoesNotFailChange(t *testing.T) {
	ctx := context.Background()
	m, dir, audit := newTestManager(t)
	audit.err = errors.New("database is down")

	require.NoError(t, m.Insert(ctx, newAccount("jdoe", "jdoe@example.org"), RoleUser, "admin", false))
	assert.True(t, dir.has(m.DN().AccountDN("jdoe", false)))
}

func TestAccountManager_Exists_DirectoryFailure(t *testing.T) {
	client := new(MockClient)
	m, err := NewAccountManager(client, testLayout(t), nil)
	require.NoError(t, err)

	failure := NewLDAPError("search", errors.New("connection reset"))
	client.On("Search", mock.Anything, mock.Anything).Return(nil, failure)

	_, err = m.Exists(context.Background(), "bob")
	assert.ErrorIs(t, err, failure)
	client.AssertExpectations(t)
}
