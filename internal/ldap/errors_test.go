package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLDAPError(t *testing.T) {
	assert.Nil(t, NewLDAPError("search", nil))

	t.Run("result code", func(t *testing.T) {
		cause := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such entry"))
		err := NewLDAPError("search", cause)

		assert.Equal(t, "search", err.Operation)
		assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), err.LDAPCode)
		assert.Equal(t, ErrorCategoryNotFound, err.Category)
		assert.False(t, err.Retryable)
		assert.Equal(t, "no such entry", err.ServerMsg)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("busy is retryable", func(t *testing.T) {
		err := NewLDAPError("modify", ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")))
		assert.Equal(t, ErrorCategoryServer, err.Category)
		assert.True(t, err.IsRetryable())
	})

	t.Run("generic", func(t *testing.T) {
		err := NewLDAPError("bind", errors.New("connection refused"))
		assert.Equal(t, ErrorCategoryConnection, err.Category)
		assert.True(t, err.Retryable)
		assert.Equal(t, "connection refused", err.Message)
	})
}

func TestLDAPError_Error(t *testing.T) {
	err := &LDAPError{
		Operation: "add",
		LDAPCode:  ldap.LDAPResultEntryAlreadyExists,
		Message:   "Entry Already Exists",
		ServerMsg: "already there",
	}
	err.WithDN("uid=jdoe,ou=users,dc=example,dc=org")

	assert.Equal(t,
		"LDAP add failed (code 68) - Entry Already Exists - server: already there - DN: uid=jdoe,ou=users,dc=example,dc=org",
		err.Error())

	plain := &LDAPError{Operation: "search", Message: "timeout", ServerMsg: "timeout"}
	assert.Equal(t, "LDAP search failed - timeout", plain.Error())
}

func TestCategorizeResultCode(t *testing.T) {
	tests := map[uint16]ErrorCategory{
		ldap.LDAPResultInvalidCredentials:       ErrorCategoryAuthentication,
		ldap.LDAPResultInsufficientAccessRights: ErrorCategoryPermission,
		ldap.LDAPResultNoSuchObject:             ErrorCategoryNotFound,
		ldap.LDAPResultEntryAlreadyExists:       ErrorCategoryConflict,
		ldap.LDAPResultObjectClassViolation:     ErrorCategoryValidation,
		ldap.LDAPResultUnavailable:              ErrorCategoryServer,
		ldap.ErrorNetwork:                       ErrorCategoryConnection,
		ldap.LDAPResultCompareTrue:              ErrorCategoryUnknown,
	}
	for code, want := range tests {
		assert.Equal(t, want, categorizeResultCode(code), "code %d", code)
	}
}

func TestCategorizeGenericError(t *testing.T) {
	assert.Equal(t, ErrorCategoryConnection, categorizeGenericError(errors.New("network unreachable")))
	assert.Equal(t, ErrorCategoryAuthentication, categorizeGenericError(errors.New("bad credentials")))
	assert.Equal(t, ErrorCategoryPermission, categorizeGenericError(errors.New("access denied")))
	assert.Equal(t, ErrorCategoryUnknown, categorizeGenericError(errors.New("something odd")))
}

func TestResultCodeMessage(t *testing.T) {
	assert.Equal(t, ldap.LDAPResultCodeMap[ldap.LDAPResultBusy], resultCodeMessage(ldap.LDAPResultBusy))
	assert.Equal(t, "Unknown LDAP error (code 9999)", resultCodeMessage(9999))
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("search", nil))

	wrapped := WrapError("search", errors.New("timeout"))
	var ldapErr *LDAPError
	require.ErrorAs(t, wrapped, &ldapErr)
	assert.Equal(t, "search", ldapErr.Operation)

	existing := &LDAPError{Category: ErrorCategoryServer}
	again := WrapError("modify", fmt.Errorf("context: %w", existing))
	require.ErrorAs(t, again, &ldapErr)
	assert.Same(t, existing, ldapErr)
	assert.Equal(t, "modify", existing.Operation)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(&LDAPError{Retryable: true}))
	assert.False(t, IsRetryableError(&LDAPError{Retryable: false, Message: "connection"}))
	assert.True(t, IsRetryableError(NewConnectionError("dial", true, nil)))
	assert.True(t, IsRetryableError(errors.New("temporary failure in name resolution")))
	assert.False(t, IsRetryableError(errors.New("invalid filter")))
}

func TestErrorPredicates(t *testing.T) {
	notFound := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing"))
	assert.True(t, IsNotFoundError(notFound))
	assert.True(t, IsNotFoundError(fmt.Errorf("wrapped: %w", NewLDAPError("search", notFound))))
	assert.False(t, IsNotFoundError(errors.New("boom")))

	assert.True(t, IsConflictError(ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists"))))
	assert.True(t, IsAuthenticationError(ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad"))))
	assert.True(t, IsPermissionError(ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("no"))))

	assert.Equal(t, ErrorCategoryUnknown, GetErrorCategory(nil))
}
