package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference points at one Secret Manager secret. It is written as
// secret://<name>[?version=<n>&project=<id>]; sm:// is accepted as an alias.
type Reference struct {
	Name    string
	Version string
	Project string
}

// ParseReference parses a secret reference.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// Canonical is the reference without version or project, used for pins and fallbacks.
func (r Reference) Canonical() string {
	return "secret://" + r.Name
}

func (r Reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, version)
}
