package config

import "context"

// SecretProvider resolves secret pointers to plaintext values. SSMProvider
// serves deployed environments; EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns a map of key to plaintext value for every
	// key that resolved. Unresolved keys are omitted.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
