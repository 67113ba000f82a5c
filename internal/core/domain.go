package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Food          Category = "food"
	Transport     Category = "transport"
	Entertainment Category = "entertainment"
	Shopping      Category = "shopping"
	Bills         Category = "bills"
	Health        Category = "health"
	Other         Category = "other"
)

// MaxDescriptionLength bounds the trimmed description of a new expense.
const MaxDescriptionLength = 200

type (
	// Category is a tag from a closed set. Values outside the set may still
	// arrive from the store and are kept as-is.
	Category string

	// Expense is an authoritative record. It is never mutated; updates
	// replace the whole value.
	Expense struct {
		ID          string
		Amount      decimal.Decimal
		Category    Category
		Description string
		Date        time.Time // logical occurrence, used for windows
		CreatedAt   time.Time // server-assigned, used for ordering only
	}

	// NewExpense is the caller-supplied part of an expense. The store
	// assigns ID and CreatedAt.
	NewExpense struct {
		Amount      decimal.Decimal
		Category    Category
		Description string
		Date        time.Time
	}
)

var categories = []Category{Food, Transport, Entertainment, Shopping, Bills, Health, Other}

// Categories returns the known category set in display order.
func Categories() []Category {
	return append([]Category(nil), categories...)
}

// Known reports whether c belongs to the closed category set.
func (c Category) Known() bool {
	for _, k := range categories {
		if c == k {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory normalizes s and checks it against the known set.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Known() {
		return "", &ValidationError{Field: "category", Reason: "unknown category " + s}
	}
	return c, nil
}

// Validate checks the creation invariants: positive amount, known category
// and a non-empty description after trimming.
func (n NewExpense) Validate() error {
	if !n.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !n.Category.Known() {
		return &ValidationError{Field: "category", Reason: "unknown category " + string(n.Category)}
	}
	desc := strings.TrimSpace(n.Description)
	if desc == "" {
		return ErrEmptyDescription
	}
	if len(desc) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

// Normalize trims the description and fills a zero date with now.
func (n NewExpense) Normalize(now time.Time) NewExpense {
	n.Description = strings.TrimSpace(n.Description)
	if n.Date.IsZero() {
		n.Date = now
	}
	return n
}

// Equal compares two expenses field by field. Amounts compare by value and
// times by instant.
func (e Expense) Equal(o Expense) bool {
	return e.ID == o.ID &&
		e.Amount.Equal(o.Amount) &&
		e.Category == o.Category &&
		e.Description == o.Description &&
		e.Date.Equal(o.Date) &&
		e.CreatedAt.Equal(o.CreatedAt)
}
