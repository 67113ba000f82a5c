// Package trace tags a mutation with an id so every log line it produces,
// from the coordinator through the gateway, can be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type ContextKey string

const OperationIDKey ContextKey = "operation_id"

// NewOperationID returns a random id prefixed with "op_".
func NewOperationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("op_%d", time.Now().UnixNano())
	}
	return "op_" + hex.EncodeToString(b)
}

// WithOperationID returns ctx carrying an operation id. An id already on
// ctx is kept.
func WithOperationID(ctx context.Context) (context.Context, string) {
	if id := OperationID(ctx); id != "" {
		return ctx, id
	}
	id := NewOperationID()
	return context.WithValue(ctx, OperationIDKey, id), id
}

func OperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}
