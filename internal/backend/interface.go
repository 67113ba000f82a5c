package backend

import (
	"context"
	"time"

	"tally/internal/gateway"
)

// CleanupFunc releases whatever the backend opened
type CleanupFunc func() error

// BackendResult contains the gateway and its cleanup function
type BackendResult struct {
	Gateway gateway.Gateway
	Cleanup CleanupFunc
	// Kind describes what was actually wired, e.g. "sqlite+amqp"
	Kind string
}

// Factory creates gateways based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific; AMQP is optional
	SQLiteDBPath string
	AMQPURL      string
	AMQPExchange string

	// CacheCleanupInterval controls how often the AMQP dedup cache is swept
	CacheCleanupInterval time.Duration
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
