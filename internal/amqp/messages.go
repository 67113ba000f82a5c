package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/gateway"
)

// ChangeMessage is the wire form of one change notification.
type ChangeMessage struct {
	MessageID string         `json:"message_id"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	Expense   ExpensePayload `json:"expense"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExpensePayload carries the full record, amount as a decimal string.
type ExpensePayload struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Date        time.Time       `json:"date"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewChangeMessage wraps ev with a fresh message id.
func NewChangeMessage(ownerID string, ev gateway.Event) *ChangeMessage {
	e := ev.Record
	return &ChangeMessage{
		MessageID: uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      string(ev.Kind),
		Expense: ExpensePayload{
			ID:          e.ID,
			Amount:      e.Amount,
			Category:    string(e.Category),
			Description: e.Description,
			Date:        e.Date,
			CreatedAt:   e.CreatedAt,
		},
		Timestamp: time.Now(),
	}
}

// Event converts the message back into a gateway event. The kind is passed
// through unchecked.
func (m *ChangeMessage) Event() gateway.Event {
	return gateway.Event{
		Kind: gateway.EventKind(m.Kind),
		Record: core.Expense{
			ID:          m.Expense.ID,
			Amount:      m.Expense.Amount,
			Category:    core.Category(m.Expense.Category),
			Description: m.Expense.Description,
			Date:        m.Expense.Date,
			CreatedAt:   m.Expense.CreatedAt,
		},
	}
}

func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message and requires a message id.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.MessageID == "" {
		return nil, fmt.Errorf("message without message_id")
	}
	return &msg, nil
}

// RoutingKey is the topic key for an owner's changes.
func RoutingKey(ownerID string) string {
	return "expense." + ownerID
}
