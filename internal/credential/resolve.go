// Package credential turns secret references from the config file into
// secret values.
//
// A reference is one of:
//
//	keyring:<key>   item <key> in the system keyring
//	env:<NAME>      environment variable NAME
//	<anything else> the literal value
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

// ErrNotFound is returned when a keyring or env reference names nothing.
var ErrNotFound = errors.New("credential not found")

const (
	keyringPrefix = "keyring:"
	envPrefix     = "env:"
)

// Resolver resolves references against a keyring and the process
// environment.
type Resolver struct {
	open   func() (keyring.Keyring, error)
	getenv func(string) (string, bool)
}

// NewResolver returns a Resolver backed by ring. A nil ring uses the
// system keyring, opened lazily on the first keyring reference.
func NewResolver(ring keyring.Keyring) *Resolver {
	r := &Resolver{getenv: os.LookupEnv}
	if ring == nil {
		r.open = openKeyring
	} else {
		r.open = func() (keyring.Keyring, error) { return ring, nil }
	}
	return r
}

var defaultResolver = NewResolver(nil)

// Resolve resolves ref with the system keyring and process environment.
func Resolve(ref string) (string, error) { return defaultResolver.Resolve(ref) }

// IsReference reports whether ref points somewhere rather than being a
// literal. Config diffs use it to decide what is safe to print.
func IsReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.HasPrefix(ref, keyringPrefix) || strings.HasPrefix(ref, envPrefix)
}

func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, keyringPrefix):
		key := strings.TrimSpace(strings.TrimPrefix(ref, keyringPrefix))
		if key == "" {
			return "", fmt.Errorf("empty keyring key in %q", ref)
		}
		ring, err := r.open()
		if err != nil {
			return "", err
		}
		item, err := ring.Get(key)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("keyring %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("getting credential %q: %w", key, err)
		}
		return strings.TrimSpace(string(item.Data)), nil

	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimSpace(strings.TrimPrefix(ref, envPrefix))
		v, ok := r.getenv(name)
		if !ok {
			return "", fmt.Errorf("env %s: %w", name, ErrNotFound)
		}
		return strings.TrimSpace(v), nil
	}
	return ref, nil
}
