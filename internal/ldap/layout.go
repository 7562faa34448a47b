package ldap

import (
	"fmt"

	"github.com/creasty/defaults"
)

// DirectoryLayout names the subtrees the account engine works in. Relative
// bases are joined to BasePath.
type DirectoryLayout struct {
	BasePath                string   `default:"dc=georchestra,dc=org"`
	UserSearchBaseDN        string   `default:"ou=users"`
	PendingUserSearchBaseDN string   `default:"ou=pendingusers"`
	RoleSearchBaseDN        string   `default:"ou=roles"`
	OrgSearchBaseDN         string   `default:"ou=orgs"`
	ProtectedUsers          []string `default:"[\"geoserver_privileged_user\"]"`
}

// NewDirectoryLayout returns a layout with every unset field defaulted.
func NewDirectoryLayout(basePath string) (DirectoryLayout, error) {
	layout := DirectoryLayout{BasePath: basePath}
	if err := layout.ApplyDefaults(); err != nil {
		return DirectoryLayout{}, err
	}
	return layout, nil
}

// ApplyDefaults fills zero-valued fields from their struct tag defaults.
func (l *DirectoryLayout) ApplyDefaults() error {
	if err := defaults.Set(l); err != nil {
		return fmt.Errorf("apply directory layout defaults: %w", err)
	}
	return nil
}

func (l DirectoryLayout) join(rel string) string {
	if l.BasePath == "" {
		return rel
	}
	return rel + "," + l.BasePath
}
