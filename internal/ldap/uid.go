package ldap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxUIDAttempts bounds the candidates GenerateUID tries.
const MaxUIDAttempts = 1000

// NextUID returns the candidate following uid: a trailing number is
// incremented, otherwise "1" is appended.
func NextUID(uid string) string {
	end := len(uid)
	start := end
	for start > 0 && uid[start-1] >= '0' && uid[start-1] <= '9' {
		start--
	}
	if start == end {
		return uid + "1"
	}

	n, err := strconv.ParseUint(uid[start:], 10, 64)
	if err != nil {
		// Too many digits for a counter; start a new one.
		return uid + "1"
	}
	return uid[:start] + strconv.FormatUint(n+1, 10)
}

// GenerateUID proposes a uid derived from seed that neither an active nor a
// pending account holds. The seed itself is never returned.
func (m *AccountManager) GenerateUID(ctx context.Context, seed string) (string, error) {
	candidate := strings.ToLower(strings.TrimSpace(seed))

	for range MaxUIDAttempts {
		candidate = NextUID(candidate)

		taken, err := m.uidTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: no free uid after %d candidates from %q", ErrNamespaceExhausted, MaxUIDAttempts, seed)
}

// uidTaken checks the active subtree, then the pending one.
func (m *AccountManager) uidTaken(ctx context.Context, uid string) (bool, error) {
	for _, pending := range []bool{false, true} {
		_, err := m.entry(ctx, m.dn.AccountDN(uid, pending), []string{AttrUID})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return false, err
		}
	}
	return false, nil
}
