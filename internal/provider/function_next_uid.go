package provider

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/function"

	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
)

var _ function.Function = &NextUIDFunction{}

// NextUIDFunction implements the next_uid function.
type NextUIDFunction struct{}

// Metadata returns the function name and signature.
func (f NextUIDFunction) Metadata(_ context.Context, req function.MetadataRequest, resp *function.MetadataResponse) {
	resp.Name = "next_uid"
}

// Definition returns the function schema including parameters and return types.
func (f NextUIDFunction) Definition(_ context.Context, req function.DefinitionRequest, resp *function.DefinitionResponse) {
	resp.Definition = function.Definition{
		Summary: "Compute the uid candidate that follows a uid",
		Description: "Returns the next candidate in the uid sequence used when a uid is already taken: " +
			"a trailing number is incremented, otherwise 1 is appended. The result is lower case.",
		MarkdownDescription: "Returns the next candidate in the uid sequence used when a uid is already taken.\n\n" +
			"- `jdoe` becomes `jdoe1`\n" +
			"- `jdoe9` becomes `jdoe10`\n" +
			"- The result is lower case",
		Parameters: []function.Parameter{
			function.StringParameter{
				Name:                "uid",
				Description:         "The uid to derive the next candidate from.",
				MarkdownDescription: "The uid to derive the next candidate from.",
			},
		},
		Return: function.StringReturn{},
	}
}

// Run implements the function logic.
func (f NextUIDFunction) Run(ctx context.Context, req function.RunRequest, resp *function.RunResponse) {
	var uid string

	resp.Error = function.ConcatFuncErrors(resp.Error, req.Arguments.Get(ctx, &uid))
	if resp.Error != nil {
		return
	}

	uid = strings.ToLower(strings.TrimSpace(uid))
	if uid == "" {
		resp.Error = function.NewArgumentFuncError(0, "uid must not be empty")
		return
	}

	resp.Error = function.ConcatFuncErrors(resp.Error, resp.Result.Set(ctx, ldapclient.NextUID(uid)))
}

// NewNextUIDFunction creates a new instance of the next_uid function.
func NewNextUIDFunction() function.Function {
	return &NextUIDFunction{}
}
