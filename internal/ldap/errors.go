package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Account engine failures. Callers match these with errors.Is; the engine wraps
// them with the offending uid or email.
var (
	// ErrValidation reports a missing mandatory account field.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateUID reports that the uid is already taken in either subtree.
	ErrDuplicateUID = errors.New("duplicate uid")

	// ErrDuplicateEmail reports that another account already uses the email.
	ErrDuplicateEmail = errors.New("duplicate email")

	// ErrNotFound reports that no account, role or organization matched.
	ErrNotFound = errors.New("not found")

	// ErrConsistency reports directory state that must not be coerced, such as an
	// account belonging to more than one organization.
	ErrConsistency = errors.New("directory consistency violation")

	// ErrNamespaceExhausted reports that uid generation ran out of candidates.
	ErrNamespaceExhausted = errors.New("uid namespace exhausted")
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError is a directory transport or protocol failure. The engine never
// retries these; they reach the caller unchanged apart from wrapping.
type LDAPError struct {
	Operation string
	Category  ErrorCategory
	LDAPCode  uint16
	Message   string
	ServerMsg string
	DN        string
	Retryable bool
	Cause     error
}

func (e *LDAPError) Error() string {
	var b strings.Builder

	if e.LDAPCode > 0 {
		fmt.Fprintf(&b, "LDAP %s failed (code %d)", e.Operation, e.LDAPCode)
	} else {
		fmt.Fprintf(&b, "LDAP %s failed", e.Operation)
	}

	if e.Message != "" {
		b.WriteString(" - " + e.Message)
	}
	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		b.WriteString(" - server: " + e.ServerMsg)
	}
	if e.DN != "" {
		b.WriteString(" - DN: " + e.DN)
	}

	return b.String()
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError classifies err and wraps it with the failed operation name.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	out := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		out.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			out.ServerMsg = resultErr.Err.Error()
		}
		out.Category = categorizeResultCode(resultErr.ResultCode)
		out.Retryable = isRetryableResultCode(resultErr.ResultCode)
		out.Message = resultCodeMessage(resultErr.ResultCode)
		return out
	}

	out.Category = categorizeGenericError(err)
	out.Retryable = isGenericErrorRetryable(err)
	out.Message = err.Error()
	return out
}

// WithDN attaches the entry the failed operation targeted.
func (e *LDAPError) WithDN(dn string) *LDAPError {
	e.DN = dn
	return e
}

func categorizeResultCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute:
		return ErrorCategoryNotFound

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConflict

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.ErrorNetwork,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

func categorizeGenericError(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "connection", "network", "timeout", "broken pipe"):
		return ErrorCategoryConnection
	case containsAny(msg, "authentication", "credentials"):
		return ErrorCategoryAuthentication
	case containsAny(msg, "permission", "denied"):
		return ErrorCategoryPermission
	default:
		return ErrorCategoryUnknown
	}
}

func isRetryableResultCode(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

func isGenericErrorRetryable(err error) bool {
	return containsAny(strings.ToLower(err.Error()),
		"connection",
		"timeout",
		"network",
		"broken pipe",
		"temporary failure",
	)
}

// resultCodeMessage prefers go-ldap's own text for a result code.
func resultCodeMessage(code uint16) string {
	if text, ok := ldap.LDAPResultCodeMap[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with operation context. Already-wrapped errors are
// returned as is.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// IsRetryableError reports whether err is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error anywhere in its chain.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeResultCode(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsConflictError checks if an error indicates a conflict (already exists).
func IsConflictError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConflict
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsPermissionError checks if an error indicates a permission problem.
func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}
