/*
Package ldap provides the account directory engine of the LDAP admin provider.

The package manages person entries in an OpenLDAP directory laid out with
separate subtrees for active and pending users, plus role and organization
groups that list accounts by DN.

# Architecture Overview

  - Client: Connection management with pooling and health checks
  - AccountManager: Account lifecycle (insert, update, rename, delete, lookups)
  - RoleManager and OrgManager: Group entries and their member lists
  - AccountMapper: Conversion between Account values and directory entries
  - AccountSearcher: Filtered searches over one or both user subtrees

# Connection Management

The Client interface provides connection pooling with automatic failover:

  - SRV-based server discovery
  - Connection pooling with health checks
  - Automatic retry with exponential backoff
  - Support for simple bind and Kerberos (GSSAPI) authentication

# Directory Layout

A DirectoryLayout names the subtrees:

	ou=users,dc=example,dc=org          active accounts
	ou=pendingusers,dc=example,dc=org   accounts awaiting validation
	ou=roles,dc=example,dc=org          groupOfMembers, one per role
	ou=orgs,dc=example,dc=org           groupOfMembers, one per organization

An account's uid is unique across both user subtrees. Moving an account
between subtrees, or changing its uid, re-points every role and organization
membership at the new DN.

# Error Handling

Engine failures wrap the sentinel errors ErrNotFound, ErrValidation,
ErrDuplicateUID, ErrDuplicateEmail and ErrConsistency, so callers test them
with errors.Is. Transport failures are categorised as LDAPError values and
retried when transient.

# Auditing

Every change made on behalf of an administrator is handed to an AuditLog.
Audit failures are logged and never fail the change itself.

# Logging

Logging goes through tflog subsystems; set TF_LOG_PROVIDER_LDAPADMIN_LDAP or
TF_LOG_PROVIDER_LDAPADMIN_ENGINE to adjust their levels.
*/
package ldap
