package ldap

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // {SSHA} is the scheme OpenLDAP verifies natively.
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password storage schemes.
const (
	SchemeSSHA   = "{SSHA}"
	SchemeSHA    = "{SHA}"
	SchemeBCRYPT = "{BCRYPT}"
)

const sshaSaltLen = 8

// ErrPasswordMismatch is returned by VerifyPassword for a wrong password.
var ErrPasswordMismatch = errors.New("password mismatch")

// EncodePassword returns {SSHA}base64(sha1(password+salt)+salt) with a fresh salt.
func EncodePassword(password string) (string, error) {
	salt := make([]byte, sshaSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return encodeSSHA(password, salt), nil
}

func encodeSSHA(password string, salt []byte) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(password))
	h.Write(salt)
	return SchemeSSHA + base64.StdEncoding.EncodeToString(append(h.Sum(nil), salt...))
}

// IsEncodedPassword reports whether value already carries a {SCHEME} prefix.
func IsEncodedPassword(value string) bool {
	if !strings.HasPrefix(value, "{") {
		return false
	}
	end := strings.IndexByte(value, '}')
	return end > 1
}

// VerifyPassword checks password against a stored userPassword value.
// Supported: {SSHA}, {SHA}, {BCRYPT} and cleartext.
func VerifyPassword(password, stored string) error {
	switch {
	case strings.HasPrefix(stored, SchemeSSHA):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, SchemeSSHA))
		if err != nil || len(raw) <= sha1.Size {
			return fmt.Errorf("malformed %s value", SchemeSSHA)
		}
		return compare(encodeSSHA(password, raw[sha1.Size:]), stored)

	case strings.HasPrefix(stored, SchemeSHA):
		sum := sha1.Sum([]byte(password)) //nolint:gosec
		return compare(SchemeSHA+base64.StdEncoding.EncodeToString(sum[:]), stored)

	case strings.HasPrefix(stored, SchemeBCRYPT):
		if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(stored, SchemeBCRYPT)), []byte(password)); err != nil {
			return ErrPasswordMismatch
		}
		return nil

	case IsEncodedPassword(stored):
		return fmt.Errorf("unsupported password scheme in %q", stored[:strings.IndexByte(stored, '}')+1])

	default:
		return compare(password, stored)
	}
}

func compare(a, b string) error {
	if subtle.ConstantTimeCompare([]byte(a), []byte(b)) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
