// Package appconfig implements the cfg:<key> indirection convention:
// integration credential fields may defer to an app-level configuration
// key instead of storing a literal value. Resolution happens once, at
// adapter construction time.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix marks a value as an app-config indirection.
const Prefix = "cfg:"

// ErrUnresolved is returned when an indirection names a missing key.
var ErrUnresolved = errors.New("unresolved cfg: reference")

// Lookup resolves an app-config key.
type Lookup func(key string) (string, bool)

// MapLookup adapts a plain map to a Lookup.
func MapLookup(m map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// ResolveValue resolves one field value. Literal values pass through;
// cfg:-prefixed values are replaced by the app-config value for the named
// key. A missing key is a hard error so adapters never connect with a
// silently empty credential.
func ResolveValue(value string, lookup Lookup) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	key := strings.TrimPrefix(value, Prefix)
	if lookup == nil {
		return "", fmt.Errorf("%w: %s (no app config)", ErrUnresolved, key)
	}
	v, ok := lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, key)
	}
	return v, nil
}

// Resolve applies ResolveValue to every value of settings.
func Resolve(settings map[string]string, lookup Lookup) (map[string]string, error) {
	resolved := make(map[string]string, len(settings))
	for field, value := range settings {
		v, err := ResolveValue(value, lookup)
		if err != nil {
			return nil, err
		}
		resolved[field] = v
	}
	return resolved, nil
}
