package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
)

// AuditEntry is a stored administrative change.
type AuditEntry struct {
	ID uuid.UUID
	ldap.AuditRecord
}

var _ ldap.AuditLog = (*Postgres)(nil)

// Record appends rec to admin_log.
func (p *Postgres) Record(ctx context.Context, rec ldap.AuditRecord) error {
	id := uuid.New()
	if rec.Date.IsZero() {
		rec.Date = p.now()
	}

	_, err := p.db.ExecContext(ctx, `
		insert into admin_log (id, admin, target, type, date, attribute, old_value, new_value)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id.String(), rec.Admin, rec.Target, string(rec.ChangeType), rec.Date.UTC(),
		nullIfEmpty(rec.Attribute), nullIfEmpty(rec.OldValue), nullIfEmpty(rec.NewValue))
	if err != nil {
		return classify(err)
	}

	tflog.SubsystemDebug(ctx, SubsystemStore, "Audit entry recorded", map[string]any{
		"id":          id.String(),
		"admin":       rec.Admin,
		"target":      rec.Target,
		"change_type": string(rec.ChangeType),
	})
	return nil
}

// FindByTarget returns the newest entries about target, at most limit.
func (p *Postgres) FindByTarget(ctx context.Context, target string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		select id, admin, target, type, date, attribute, old_value, new_value
		from admin_log
		where target = $1
		order by date desc
		limit $2
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e                    AuditEntry
			id, changeType       string
			attr, oldVal, newVal sql.NullString
		)
		if err := rows.Scan(&id, &e.Admin, &e.Target, &changeType, &e.Date, &attr, &oldVal, &newVal); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		e.ID = parsed
		e.ChangeType = ldap.ChangeType(changeType)
		e.Attribute = attr.String
		e.OldValue = oldVal.String
		e.NewValue = newVal.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
