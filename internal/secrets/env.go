package secrets

import (
	"context"
	"os"
)

// EnvBackend reads secrets from the process environment. It is always ready.
type EnvBackend struct {
	lookupEnv func(string) (string, bool)
}

// NewEnvBackend returns a backend over os.LookupEnv.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookupEnv: os.LookupEnv}
}

func (b *EnvBackend) Source() Source { return SourceEnv }

func (b *EnvBackend) Ready() bool { return true }

func (b *EnvBackend) Lookup(_ context.Context, name string) (string, error) {
	lookup := b.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(name)
	return v, nil
}
