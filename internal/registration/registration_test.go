package registration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
)

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) Insert(ctx context.Context, account *ldap.Account, roleID, actingAdmin string, pending bool) error {
	return m.Called(ctx, account, roleID, actingAdmin, pending).Error(0)
}

func (m *mockAccounts) GenerateUID(ctx context.Context, seed string) (string, error) {
	args := m.Called(ctx, seed)
	return args.String(0), args.Error(1)
}

func (m *mockAccounts) FindByRole(ctx context.Context, role string) ([]*ldap.Account, error) {
	args := m.Called(ctx, role)
	if accounts := args.Get(0); accounts != nil {
		return accounts.([]*ldap.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccounts) FindByUID(ctx context.Context, uid string) (*ldap.Account, error) {
	args := m.Called(ctx, uid)
	if account := args.Get(0); account != nil {
		return account.(*ldap.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockDelegations struct {
	mock.Mock
}

func (m *mockDelegations) FindDelegationsByOrg(ctx context.Context, org string) ([]string, error) {
	args := m.Called(ctx, org)
	if uids := args.Get(0); uids != nil {
		return uids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func validForm() *Form {
	return &Form{
		UID:             "JDoe",
		FirstName:       "John",
		Surname:         "Doe",
		Email:           "jdoe@example.org",
		Password:        "s3cretpass",
		ConfirmPassword: "s3cretpass",
		Org:             NoOrg,
	}
}

func newService(t *testing.T, config Config) (*Service, *mockAccounts, *mockDelegations) {
	t.Helper()
	accounts := &mockAccounts{}
	delegations := &mockDelegations{}
	s, err := NewService(config, accounts, delegations)
	require.NoError(t, err)
	return s, accounts, delegations
}

func TestNewService_Defaults(t *testing.T) {
	s, _, _ := newService(t, Config{})
	assert.False(t, s.config.Moderated)
	assert.Equal(t, 8, s.config.MinPasswordLength)

	s, _, _ = newService(t, Config{Moderated: true, MinPasswordLength: 12})
	assert.True(t, s.config.Moderated)
	assert.Equal(t, 12, s.config.MinPasswordLength)
}

func TestValidate(t *testing.T) {
	s, _, _ := newService(t, Config{})

	tests := []struct {
		name   string
		modify func(*Form)
		field  string
		code   string
	}{
		{"missing uid", func(f *Form) { f.UID = " " }, "uid", "required"},
		{"uid starts with digit", func(f *Form) { f.UID = "1jdoe" }, "uid", "invalid"},
		{"uid with underscore", func(f *Form) { f.UID = "j_doe" }, "uid", "invalid"},
		{"missing first name", func(f *Form) { f.FirstName = "" }, "firstName", "required"},
		{"missing surname", func(f *Form) { f.Surname = "" }, "surname", "required"},
		{"missing email", func(f *Form) { f.Email = "" }, "email", "required"},
		{"malformed email", func(f *Form) { f.Email = "not-an-email" }, "email", "invalidFormat"},
		{"display-name email", func(f *Form) { f.Email = "John <jdoe@example.org>" }, "email", "invalidFormat"},
		{"missing password", func(f *Form) { f.Password = "" }, "password", "required"},
		{"short password", func(f *Form) { f.Password, f.ConfirmPassword = "short", "short" }, "password", "tooShort"},
		{"confirmation mismatch", func(f *Form) { f.ConfirmPassword = "different1" }, "confirmPassword", "mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := validForm()
			tt.modify(form)

			err := s.Validate(form)
			require.Error(t, err)
			assert.ErrorIs(t, err, ldap.ErrValidation)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.True(t, verrs.Has(tt.field, tt.code), "got %v", verrs)
		})
	}

	t.Run("valid", func(t *testing.T) {
		form := validForm()
		form.UID = "j.doe-2"
		assert.NoError(t, s.Validate(form))
	})

	t.Run("collects every problem", func(t *testing.T) {
		err := s.Validate(&Form{})
		var verrs ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Len(t, verrs, 5)
	})
}

func TestRegister_Unmoderated(t *testing.T) {
	s, accounts, delegations := newService(t, Config{})

	accounts.On("Insert", mock.Anything, mock.MatchedBy(func(a *ldap.Account) bool {
		return a.UID == "jdoe" && a.Email == "jdoe@example.org" && a.Org == ""
	}), ldap.RoleUser, "", false).Return(nil)
	accounts.On("FindByRole", mock.Anything, ldap.RoleSuperuser).
		Return([]*ldap.Account{{UID: "root", Email: "root@example.org"}}, nil)

	result, err := s.Register(context.Background(), validForm())
	require.NoError(t, err)
	assert.Equal(t, ldap.RoleUser, result.Role)
	assert.Equal(t, "jdoe", result.Account.UID)
	assert.Equal(t, []string{"root@example.org"}, result.Recipients)

	accounts.AssertExpectations(t)
	delegations.AssertNotCalled(t, "FindDelegationsByOrg", mock.Anything, mock.Anything)
}

func TestRegister_Moderated(t *testing.T) {
	s, accounts, delegations := newService(t, Config{Moderated: true})

	form := validForm()
	form.Org = "c2c"

	accounts.On("Insert", mock.Anything, mock.MatchedBy(func(a *ldap.Account) bool {
		return a.Org == "c2c"
	}), ldap.RolePending, "", true).Return(nil)
	accounts.On("FindByRole", mock.Anything, ldap.RoleSuperuser).Return([]*ldap.Account{}, nil)
	delegations.On("FindDelegationsByOrg", mock.Anything, "c2c").Return([]string{"orgadmin"}, nil)
	accounts.On("FindByUID", mock.Anything, "orgadmin").Return(&ldap.Account{UID: "orgadmin", Email: "oa@example.org"}, nil)

	result, err := s.Register(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, ldap.RolePending, result.Role)
	assert.Equal(t, []string{"oa@example.org"}, result.Recipients)
	accounts.AssertExpectations(t)
}

func TestRegister_InvalidFormSkipsDirectory(t *testing.T) {
	s, accounts, _ := newService(t, Config{})

	form := validForm()
	form.UID = "9lives"
	_, err := s.Register(context.Background(), form)
	assert.ErrorIs(t, err, ldap.ErrValidation)
	accounts.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegister_DuplicateUIDProposesAlternative(t *testing.T) {
	s, accounts, _ := newService(t, Config{})

	accounts.On("Insert", mock.Anything, mock.Anything, ldap.RoleUser, "", false).
		Return(fmt.Errorf("uid jdoe: %w", ldap.ErrDuplicateUID))
	accounts.On("GenerateUID", mock.Anything, "jdoe").Return("jdoe1", nil)

	_, err := s.Register(context.Background(), validForm())
	require.Error(t, err)
	assert.ErrorIs(t, err, ldap.ErrDuplicateUID)

	var dup *DuplicateUIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "jdoe", dup.UID)
	assert.Equal(t, "jdoe1", dup.Proposal)
}

func TestRegister_DuplicateUIDNamespaceExhausted(t *testing.T) {
	s, accounts, _ := newService(t, Config{})

	accounts.On("Insert", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(ldap.ErrDuplicateUID)
	accounts.On("GenerateUID", mock.Anything, "jdoe").Return("", ldap.ErrNamespaceExhausted)

	_, err := s.Register(context.Background(), validForm())
	assert.ErrorIs(t, err, ldap.ErrNamespaceExhausted)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	s, accounts, _ := newService(t, Config{})

	accounts.On("Insert", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(fmt.Errorf("email: %w", ldap.ErrDuplicateEmail))

	_, err := s.Register(context.Background(), validForm())
	assert.ErrorIs(t, err, ldap.ErrDuplicateEmail)
	accounts.AssertNotCalled(t, "GenerateUID", mock.Anything, mock.Anything)
}

func TestRecipients_Deduplicated(t *testing.T) {
	s, accounts, delegations := newService(t, Config{})

	accounts.On("FindByRole", mock.Anything, ldap.RoleSuperuser).Return([]*ldap.Account{
		{UID: "root", Email: "root@example.org"},
		{UID: "ops", Email: "ops@example.org"},
		{UID: "noemail"},
	}, nil)
	delegations.On("FindDelegationsByOrg", mock.Anything, "psc").Return([]string{"ops", "gone", "pscadmin"}, nil)
	accounts.On("FindByUID", mock.Anything, "ops").Return(&ldap.Account{UID: "ops", Email: "OPS@example.org"}, nil)
	accounts.On("FindByUID", mock.Anything, "gone").Return(nil, ldap.ErrNotFound)
	accounts.On("FindByUID", mock.Anything, "pscadmin").Return(&ldap.Account{UID: "pscadmin", Email: "psc@example.org"}, nil)

	recipients, err := s.Recipients(context.Background(), "psc")
	require.NoError(t, err)
	assert.Equal(t, []string{"root@example.org", "ops@example.org", "psc@example.org"}, recipients)
}

func TestRecipients_Failures(t *testing.T) {
	boom := errors.New("directory unavailable")

	t.Run("superuser lookup", func(t *testing.T) {
		s, accounts, _ := newService(t, Config{})
		accounts.On("FindByRole", mock.Anything, ldap.RoleSuperuser).Return(nil, boom)

		_, err := s.Recipients(context.Background(), "")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("delegation lookup", func(t *testing.T) {
		s, accounts, delegations := newService(t, Config{})
		accounts.On("FindByRole", mock.Anything, ldap.RoleSuperuser).Return([]*ldap.Account{}, nil)
		delegations.On("FindDelegationsByOrg", mock.Anything, "c2c").Return(nil, boom)

		_, err := s.Recipients(context.Background(), "c2c")
		assert.ErrorIs(t, err, boom)
	})
}
