package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Identity is the client behind an API key. An empty Datasets list grants
// every dataset.
type Identity struct {
	Client   string
	Datasets []string
}

func (i Identity) CanRead(basename string) bool {
	if len(i.Datasets) == 0 {
		return true
	}
	index := sort.SearchStrings(i.Datasets, basename)
	return index < len(i.Datasets) && i.Datasets[index] == basename
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated entries of the form
// key:client or key:client:dataset|dataset.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:client[:dataset|dataset]", entry)
		}
		key := strings.TrimSpace(parts[0])
		client := strings.TrimSpace(parts[1])
		if key == "" || client == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/client", entry)
		}
		identity := Identity{Client: client}
		if len(parts) == 3 {
			for _, basename := range strings.Split(strings.TrimSpace(parts[2]), "|") {
				basename = strings.TrimSpace(basename)
				if basename == "" || basename == "*" {
					continue
				}
				identity.Datasets = append(identity.Datasets, basename)
			}
			sort.Strings(identity.Datasets)
		}
		validator.keys[key] = identity
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
