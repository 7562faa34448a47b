package ldap

import (
	"context"
	"time"
)

// ChangeType classifies an administrative change.
type ChangeType string

const (
	ChangeAccountCreated  ChangeType = "ACCOUNT_CREATED"
	ChangeAccountUpdated  ChangeType = "ACCOUNT_UPDATED"
	ChangeAccountRenamed  ChangeType = "ACCOUNT_RENAMED"
	ChangeAccountDeleted  ChangeType = "ACCOUNT_DELETED"
	ChangeAttribute       ChangeType = "LDAP_ATTRIBUTE_CHANGE"
	ChangePasswordChanged ChangeType = "PASSWORD_CHANGED"
)

// AuditRecord is one administrative change as handed to an AuditLog.
type AuditRecord struct {
	Admin      string
	Target     string
	ChangeType ChangeType
	Date       time.Time
	Attribute  string
	OldValue   string
	NewValue   string
}

// AuditLog persists administrative changes.
type AuditLog interface {
	Record(ctx context.Context, record AuditRecord) error
}
