package log

import (
	"sort"
	"time"

	"tally/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldOpID       = "operation_id"
	FieldOwnerID    = "owner_id"
	FieldExpenseID  = "expense_id"
	FieldAmount     = "amount"
	FieldCategory   = "category"
	FieldEventKind  = "event_kind"
	FieldGeneration = "generation"
	FieldCount      = "count"
	FieldMessageID  = "message_id"
	FieldRoutingKey = "routing_key"
	FieldBackend    = "backend"
	FieldDuration   = "duration_ms"
)

// Components defines standard component names
const (
	ComponentApp         = "app"
	ComponentEngine      = "engine"
	ComponentMirror      = "mirror"
	ComponentReconciler  = "reconciler"
	ComponentCoordinator = "coordinator"
	ComponentGateway     = "gateway"
	ComponentStorage     = "storage"
	ComponentAMQP        = "amqp"
	ComponentAuth        = "auth"
	ComponentCache       = "cache"
	ComponentBackend     = "backend"
)

// Operations defines standard operation names
const (
	OpLoadAll   = "load_all"
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpSignIn    = "sign_in"
	OpSignUp    = "sign_up"
	OpSignOut   = "sign_out"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds the error message; nil is ignored.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithOperationID(id string) LogFields {
	if id != "" {
		f[FieldOpID] = id
	}
	return f
}

func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

func (f LogFields) WithOwner(ownerID string) LogFields {
	f[FieldOwnerID] = ownerID
	return f
}

func (f LogFields) WithExpenseID(id string) LogFields {
	f[FieldExpenseID] = id
	return f
}

// WithExpense adds id, amount and category of e.
func (f LogFields) WithExpense(e core.Expense) LogFields {
	f[FieldExpenseID] = e.ID
	f[FieldAmount] = core.FormatAmount(e.Amount)
	f[FieldCategory] = string(e.Category)
	return f
}

// ToSlice converts LogFields to key/value pairs for slog, sorted by key.
func (f LogFields) ToSlice() []any {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slice := make([]any, 0, len(f)*2)
	for _, k := range keys {
		slice = append(slice, k, f[k])
	}
	return slice
}
