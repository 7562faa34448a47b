package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const (
	scopeOrg  = "org"
	scopeRole = "role"
)

// DelegationEntry lists the organizations and roles an administrator may manage.
type DelegationEntry struct {
	UID   string
	Orgs  []string
	Roles []string
}

// delegationUID is the stored form of an administrator uid. Uids compare
// case-insensitively in the directory.
func delegationUID(uid string) string {
	return strings.ToLower(strings.TrimSpace(uid))
}

// FindDelegation returns the delegation of uid, or ErrNotFound.
func (p *Postgres) FindDelegation(ctx context.Context, uid string) (*DelegationEntry, error) {
	uid = delegationUID(uid)

	var found string
	err := p.db.QueryRowContext(ctx, `select uid from delegations where uid = $1`, uid).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegation for %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		select kind, name
		from delegation_scopes
		where uid = $1
		order by kind, name
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entry := &DelegationEntry{UID: found, Orgs: []string{}, Roles: []string{}}
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return nil, err
		}
		switch kind {
		case scopeOrg:
			entry.Orgs = append(entry.Orgs, name)
		case scopeRole:
			entry.Roles = append(entry.Roles, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entry, nil
}

// SaveDelegation creates or replaces the delegation of entry.UID.
func (p *Postgres) SaveDelegation(ctx context.Context, entry *DelegationEntry) error {
	if entry == nil || delegationUID(entry.UID) == "" {
		return errors.New("delegation uid is required")
	}
	uid := delegationUID(entry.UID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into delegations (uid, updated_at)
		values ($1, $2)
		on conflict (uid) do update set updated_at = excluded.updated_at
	`, uid, p.now().UTC()); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from delegation_scopes where uid = $1`, uid); err != nil {
		return err
	}

	for _, scope := range []struct {
		kind  string
		names []string
	}{
		{scopeOrg, entry.Orgs},
		{scopeRole, entry.Roles},
	} {
		names := slices.Clone(scope.names)
		slices.Sort(names)
		for _, name := range slices.Compact(names) {
			if _, err := tx.ExecContext(ctx, `
				insert into delegation_scopes (uid, kind, name)
				values ($1, $2, $3)
			`, uid, scope.kind, name); err != nil {
				return classify(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	tflog.SubsystemInfo(ctx, SubsystemStore, "Delegation saved", map[string]any{
		"uid":   uid,
		"orgs":  entry.Orgs,
		"roles": entry.Roles,
	})
	return nil
}

// DeleteDelegation removes the delegation of uid; scopes cascade.
func (p *Postgres) DeleteDelegation(ctx context.Context, uid string) error {
	uid = delegationUID(uid)
	res, err := p.db.ExecContext(ctx, `delete from delegations where uid = $1`, uid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delegation for %s: %w", uid, ErrNotFound)
	}
	return nil
}

// FindDelegationsByOrg returns the administrators delegated on org.
func (p *Postgres) FindDelegationsByOrg(ctx context.Context, org string) ([]string, error) {
	return p.delegatedOn(ctx, scopeOrg, org)
}

// FindDelegationsByRole returns the administrators delegated on role.
func (p *Postgres) FindDelegationsByRole(ctx context.Context, role string) ([]string, error) {
	return p.delegatedOn(ctx, scopeRole, role)
}

func (p *Postgres) delegatedOn(ctx context.Context, kind, name string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		select uid
		from delegation_scopes
		where kind = $1 and name = $2
		order by uid
	`, kind, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}
