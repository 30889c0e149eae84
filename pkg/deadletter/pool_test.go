package deadletter

import (
	"context"
	"testing"
)

const poolTestPrefix = "deadletter:pool_test"

func TestNewPool_InvalidURL(t *testing.T) {
	pool, err := NewPool(context.Background(), "invalid://not-a-valid-database-url")
	if err == nil {
		if pool != nil {
			pool.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", poolTestPrefix)
	}
	if pool != nil {
		t.Errorf("%s - expected nil pool on error", poolTestPrefix)
	}
}
