package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subject is an account whose behaviour is scored by detection runs.
// Subjects are owned by the external identity system; the engine only reads them.
type Subject struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
}

// Subject status values
const (
	SubjectActive   = "active"
	SubjectInactive = "inactive"
)

// Order is a business order as recorded by the order system.
type Order struct {
	ID          string          `json:"id"`
	SubjectID   string          `json:"subjectId"`
	OrderDate   time.Time       `json:"orderDate"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Status      string          `json:"status"`
}

// Only completed orders count toward behavioural rules.
const (
	OrderCompleted = "completed"
	OrderPending   = "pending"
	OrderCancelled = "cancelled"
)

// Appeal is an appeal or query raised by a subject.
type Appeal struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	CreatedAt time.Time `json:"createdAt"`
	Resolved  bool      `json:"resolved"`
}

// OrderStats aggregates a subject's completed orders over a period.
type OrderStats struct {
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}
