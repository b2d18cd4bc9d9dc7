package vector

import "context"

// NoOp is the index used when no vector service is configured.
type NoOp struct{}

// NewNoOp returns a NoOp index.
func NewNoOp() *NoOp {
	return &NoOp{}
}

// Upsert discards the point.
func (NoOp) Upsert(context.Context, string, []float32, map[string]any) error {
	return nil
}

// Query returns no matches.
func (NoOp) Query(context.Context, []float32, int) ([]string, error) {
	return nil, nil
}
