package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Log subsystems owned by this package.
const (
	SubsystemLDAP     = "ldap"
	SubsystemPool     = "pool"
	SubsystemKerberos = "kerberos"
	SubsystemEngine   = "engine"
)

// WithSubsystems registers this package's tflog subsystems on ctx. Levels come
// from TF_LOG_PROVIDER_LDAPADMIN_<SUBSYSTEM>.
func WithSubsystems(ctx context.Context) context.Context {
	for _, name := range []string{SubsystemLDAP, SubsystemPool, SubsystemKerberos, SubsystemEngine} {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv("TF_LOG_PROVIDER_LDAPADMIN_"+strings.ToUpper(name)))
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	logFields := make(map[string]any, len(fields)+3)
	maps.Copy(logFields, SanitizeFields(fields))
	logFields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", logFields)

	err := fn()

	logFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		logFields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", logFields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", logFields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem, operation string, err error, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+5)
	maps.Copy(logFields, SanitizeFields(fields))
	logFields["operation"] = operation
	logFields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		logFields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			logFields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			logFields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", logFields)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+1)
	maps.Copy(logFields, fields)
	logFields["event"] = event

	switch event {
	case "pool_exhausted", "connection_failed", "health_check_failed":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", logFields)
	case "connection_created", "connection_released", "connection_discarded":
		tflog.SubsystemDebug(ctx, SubsystemPool, "Pool event", logFields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", logFields)
	}
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"bind_password": true,
	"userpassword":  true,
	"secret":        true,
	"token":         true,
	"credential":    true,
	"credentials":   true,
}

// SanitizeFields redacts credentials from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok && containsAny(strings.ToLower(s), "password=", "passwd=", "secret=", "userpassword:") {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}
