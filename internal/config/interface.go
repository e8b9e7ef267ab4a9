package config

import "context"

// Loader parses a flow definition from a file into the format-agnostic model.
type Loader interface {
	Load(ctx context.Context, path string) (*Model, error)
}
