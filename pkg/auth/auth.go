// Package auth handles request authentication and domain ACL checks. Users
// come from a static password file; requests without credentials map to the
// "default" user when anonymous access is enabled.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/types"
)

// DefaultUser is the principal assigned to unauthenticated requests and the
// ACL entry consulted when a user has no entry of their own.
const DefaultUser = "default"

// ErrUnauthorized is returned for missing or bad credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Registry validates credentials against a static user table.
type Registry struct {
	users       map[string]string
	allowNoAuth bool
}

// NewRegistry builds a registry from an explicit user table.
func NewRegistry(users map[string]string, allowNoAuth bool) *Registry {
	if users == nil {
		users = map[string]string{}
	}
	return &Registry{users: users, allowNoAuth: allowNoAuth}
}

// FromConfig builds a registry from the password_file and allow_noauth
// config keys. An empty password_file yields a registry with no users.
func FromConfig() (*Registry, error) {
	users := map[string]string{}
	if path := config.Get("password_file"); path != "" {
		var err error
		users, err = LoadPasswordFile(path)
		if err != nil {
			return nil, err
		}
	}
	return NewRegistry(users, config.GetBool("allow_noauth")), nil
}

// LoadPasswordFile parses a file of user:password lines. Blank lines and
// lines starting with # are skipped.
func LoadPasswordFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open password file: %w", err)
	}
	defer f.Close()

	users := map[string]string{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, pass, ok := strings.Cut(text, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("malformed password file line %d", line)
		}
		users[user] = pass
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read password file: %w", err)
	}
	return users, nil
}

// Authenticate resolves the request principal. Requests with no
// Authorization header become DefaultUser when anonymous access is enabled,
// ErrUnauthorized otherwise. Bad credentials are always ErrUnauthorized.
func (r *Registry) Authenticate(req *http.Request) (string, error) {
	user, pass, ok := req.BasicAuth()
	if !ok {
		if req.Header.Get("Authorization") != "" {
			return "", fmt.Errorf("unsupported authorization scheme: %w", ErrUnauthorized)
		}
		if r.allowNoAuth {
			return DefaultUser, nil
		}
		return "", fmt.Errorf("credentials required: %w", ErrUnauthorized)
	}
	if expected, found := r.users[user]; found && expected == pass {
		return user, nil
	}
	return "", fmt.Errorf("invalid credentials: %w", ErrUnauthorized)
}

// Allowed checks whether user may perform action on the domain. A user with
// no ACL entry falls back to the default entry.
func Allowed(d *types.Domain, user string, action types.Action) bool {
	perm, ok := d.ACLs[user]
	if !ok {
		perm, ok = d.ACLs[DefaultUser]
		if !ok {
			return false
		}
	}
	switch action {
	case types.ActionCreate:
		return perm.Create
	case types.ActionRead:
		return perm.Read
	case types.ActionUpdate:
		return perm.Update
	case types.ActionDelete:
		return perm.Delete
	case types.ActionReadACL:
		return perm.ReadACL
	case types.ActionUpdateACL:
		return perm.UpdateACL
	default:
		return false
	}
}

// DefaultACLs returns the ACL table for a newly created domain: the owner
// gets all permissions and everyone else read-only access.
func DefaultACLs(owner string) map[string]types.Permission {
	return map[string]types.Permission{
		owner: {
			Create: true, Read: true, Update: true,
			Delete: true, ReadACL: true, UpdateACL: true,
		},
		DefaultUser: {Read: true},
	}
}
