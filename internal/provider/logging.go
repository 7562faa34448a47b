package provider

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/registration"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// subsystemProvider is the tflog subsystem for resources and data sources.
const subsystemProvider = "provider"

// initializeLogging registers every provider subsystem on ctx. Call it at the
// top of each CRUD and Read method.
func initializeLogging(ctx context.Context) context.Context {
	ctx = ldapclient.WithSubsystems(ctx)
	for _, name := range []string{subsystemProvider, delegation.SubsystemDelegation, store.SubsystemStore, registration.SubsystemRegistration} {
		// TF_LOG_PROVIDER_LDAPADMIN_<SUBSYSTEM>
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv("TF_LOG_PROVIDER_LDAPADMIN_"+strings.ToUpper(name)))
	}
	return ctx
}
