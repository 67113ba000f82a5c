package trace

import (
	"context"
	"strings"
	"testing"
)

func TestNewOperationID(t *testing.T) {
	a, b := NewOperationID(), NewOperationID()
	if !strings.HasPrefix(a, "op_") || len(a) != len("op_")+16 {
		t.Errorf("NewOperationID() = %q, want op_ followed by 16 hex chars", a)
	}
	if a == b {
		t.Errorf("NewOperationID() returned %q twice", a)
	}
}

func TestWithOperationID(t *testing.T) {
	if got := OperationID(context.Background()); got != "" {
		t.Errorf("OperationID(empty) = %q, want empty", got)
	}

	ctx, id := WithOperationID(context.Background())
	if got := OperationID(ctx); got != id {
		t.Errorf("OperationID() = %q, want %q", got, id)
	}

	again, id2 := WithOperationID(ctx)
	if id2 != id || OperationID(again) != id {
		t.Errorf("WithOperationID() replaced existing id %q with %q", id, id2)
	}
}
