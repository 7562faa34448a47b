// Package registration implements self-service account signup on top of the
// account engine.
package registration

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"slices"
	"strings"

	"github.com/creasty/defaults"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
)

// SubsystemRegistration is the tflog subsystem for signups.
const SubsystemRegistration = "registration"

// NoOrg is the form value meaning "no organization".
const NoOrg = "-"

var uidPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9.-]*$`)

// Config controls signup policy.
type Config struct {
	// Moderated places new accounts in the pending subtree until an
	// administrator validates them.
	Moderated         bool `default:"false"`
	MinPasswordLength int  `default:"8"`
}

// Form is a signup request.
type Form struct {
	UID             string
	FirstName       string
	Surname         string
	Email           string
	Password        string
	ConfirmPassword string
	Phone           string
	Title           string
	Description     string
	Org             string
}

// FieldError reports one invalid form field.
type FieldError struct {
	Field string
	Code  string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Code
}

// ValidationErrors collects every invalid field of a form.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid signup form: " + strings.Join(msgs, ", ")
}

func (v ValidationErrors) Unwrap() error { return ldap.ErrValidation }

// Has reports whether field failed with code.
func (v ValidationErrors) Has(field, code string) bool {
	return slices.Contains(v, FieldError{Field: field, Code: code})
}

// DuplicateUIDError is returned when the requested uid is taken. Proposal is
// a free uid derived from the requested one.
type DuplicateUIDError struct {
	UID      string
	Proposal string
}

func (e *DuplicateUIDError) Error() string {
	return fmt.Sprintf("uid %q is taken, try %q", e.UID, e.Proposal)
}

func (e *DuplicateUIDError) Unwrap() error { return ldap.ErrDuplicateUID }

// Accounts is the part of the account engine used by signup.
type Accounts interface {
	Insert(ctx context.Context, account *ldap.Account, roleID, actingAdmin string, pending bool) error
	GenerateUID(ctx context.Context, seed string) (string, error)
	FindByRole(ctx context.Context, role string) ([]*ldap.Account, error)
	FindByUID(ctx context.Context, uid string) (*ldap.Account, error)
}

// Delegations lists administrators delegated on an organization.
type Delegations interface {
	FindDelegationsByOrg(ctx context.Context, org string) ([]string, error)
}

// Result describes a completed signup.
type Result struct {
	Account    *ldap.Account
	Role       string
	Recipients []string
}

// Service runs signups.
type Service struct {
	config      Config
	accounts    Accounts
	delegations Delegations
}

// NewService creates a signup service. Zero config fields take defaults.
func NewService(config Config, accounts Accounts, delegations Delegations) (*Service, error) {
	if err := defaults.Set(&config); err != nil {
		return nil, fmt.Errorf("apply registration defaults: %w", err)
	}
	return &Service{config: config, accounts: accounts, delegations: delegations}, nil
}

// Validate checks a form and returns ValidationErrors listing every problem.
func (s *Service) Validate(form *Form) error {
	var errs ValidationErrors

	switch {
	case strings.TrimSpace(form.UID) == "":
		errs = append(errs, FieldError{"uid", "required"})
	case !uidPattern.MatchString(form.UID):
		errs = append(errs, FieldError{"uid", "invalid"})
	}

	if strings.TrimSpace(form.FirstName) == "" {
		errs = append(errs, FieldError{"firstName", "required"})
	}
	if strings.TrimSpace(form.Surname) == "" {
		errs = append(errs, FieldError{"surname", "required"})
	}

	if email := strings.TrimSpace(form.Email); email == "" {
		errs = append(errs, FieldError{"email", "required"})
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		errs = append(errs, FieldError{"email", "invalidFormat"})
	}

	switch {
	case form.Password == "":
		errs = append(errs, FieldError{"password", "required"})
	case len(form.Password) < s.config.MinPasswordLength:
		errs = append(errs, FieldError{"password", "tooShort"})
	case form.Password != form.ConfirmPassword:
		errs = append(errs, FieldError{"confirmPassword", "mismatch"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Register validates form and creates the account. Under moderation the
// account lands in the pending subtree with role PENDING; otherwise it is
// active with role USER. A taken uid yields a *DuplicateUIDError with a
// proposal; a taken email yields ldap.ErrDuplicateEmail.
func (s *Service) Register(ctx context.Context, form *Form) (*Result, error) {
	if err := s.Validate(form); err != nil {
		return nil, err
	}

	account := &ldap.Account{
		UID:         strings.ToLower(form.UID),
		Password:    form.Password,
		GivenName:   strings.TrimSpace(form.FirstName),
		Surname:     strings.TrimSpace(form.Surname),
		Email:       strings.TrimSpace(form.Email),
		Phone:       form.Phone,
		Title:       form.Title,
		Description: form.Description,
	}
	if form.Org != "" && form.Org != NoOrg {
		account.Org = form.Org
	}

	role := ldap.RoleUser
	if s.config.Moderated {
		role = ldap.RolePending
	}

	if err := s.accounts.Insert(ctx, account, role, "", s.config.Moderated); err != nil {
		if errors.Is(err, ldap.ErrDuplicateUID) {
			proposal, genErr := s.accounts.GenerateUID(ctx, account.UID)
			if genErr != nil {
				return nil, fmt.Errorf("propose uid for %s: %w", account.UID, genErr)
			}
			return nil, &DuplicateUIDError{UID: account.UID, Proposal: proposal}
		}
		return nil, err
	}

	recipients, err := s.Recipients(ctx, account.Org)
	if err != nil {
		return nil, err
	}

	tflog.SubsystemInfo(ctx, SubsystemRegistration, "Account registered", map[string]any{
		"uid":        account.UID,
		"role":       role,
		"moderated":  s.config.Moderated,
		"recipients": len(recipients),
	})

	return &Result{Account: account, Role: role, Recipients: recipients}, nil
}

// Recipients returns who to notify about a signup: every superuser and, when
// org is set, every administrator delegated on org. Emails are deduplicated
// and keep first-seen order.
func (s *Service) Recipients(ctx context.Context, org string) ([]string, error) {
	superusers, err := s.accounts.FindByRole(ctx, ldap.RoleSuperuser)
	if err != nil {
		return nil, fmt.Errorf("find superusers: %w", err)
	}

	var recipients []string
	seen := map[string]bool{}
	add := func(email string) {
		key := strings.ToLower(email)
		if email == "" || seen[key] {
			return
		}
		seen[key] = true
		recipients = append(recipients, email)
	}

	for _, account := range superusers {
		add(account.Email)
	}

	if org == "" || org == NoOrg {
		return recipients, nil
	}

	admins, err := s.delegations.FindDelegationsByOrg(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("find delegations for %s: %w", org, err)
	}
	for _, uid := range admins {
		admin, err := s.accounts.FindByUID(ctx, uid)
		if errors.Is(err, ldap.ErrNotFound) {
			tflog.SubsystemWarn(ctx, SubsystemRegistration, "Delegated administrator not found", map[string]any{
				"uid": uid,
				"org": org,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		add(admin.Email)
	}

	return recipients, nil
}
