package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Product is a catalog entry owned by a single user. LowStock is the
// per-product alert threshold; nil means DefaultLowStockThreshold applies.
type Product struct {
	ID         string    `json:"id"`
	UserID     string    `json:"-"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku,omitempty"`
	PriceCents int64     `json:"price_cents"`
	Quantity   int       `json:"quantity"`
	LowStock   *int      `json:"low_stock,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const DefaultLowStockThreshold = 5

// LowStockThreshold resolves the effective alert threshold for the product.
func (p Product) LowStockThreshold() int {
	if p.LowStock != nil {
		return *p.LowStock
	}
	return DefaultLowStockThreshold
}

type ProductCreateRequest struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
	LowStock   *int   `json:"low_stock,omitempty"`
}

type ProductUpdateRequest struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
	LowStock   *int   `json:"low_stock,omitempty"`
}

// ProductDeleteRequest accepts a single id or a batch. Both fields may be
// set; ids are deduplicated before the delete runs.
type ProductDeleteRequest struct {
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`
}

// Sale is a recorded transaction. TotalCents is always computed server-side
// from the item snapshots, never taken from the client. An unpaid sale has
// no payment method until it is settled.
type Sale struct {
	ID            string     `json:"id"`
	UserID        string     `json:"-"`
	BuyerName     string     `json:"buyer_name"`
	BuyerPhone    string     `json:"buyer_phone,omitempty"`
	TotalCents    int64      `json:"total_cents"`
	IsPaid        bool       `json:"is_paid"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Items         []SaleItem `json:"items,omitempty"`
}

// SaleItem is one line of a sale. UnitPriceCents is a snapshot of the
// product price at sale time and never changes afterwards. ProductName is
// joined in on reads for display.
type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"-"`
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	BuyerName     string     `json:"buyer_name"`
	BuyerPhone    string     `json:"buyer_phone,omitempty"`
	PayLater      bool       `json:"pay_later"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Items         []CartLine `json:"items"`
}

type MarkPaidRequest struct {
	PaymentMethod string `json:"payment_method,omitempty"`
}

// Payment methods accepted at checkout and settlement.
const (
	PaymentCash         = "Cash"
	PaymentBKash        = "BKash"
	PaymentNagad        = "Nagad"
	PaymentRocket       = "Rocket"
	PaymentBankTransfer = "BankTransfer"
)

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentBKash, PaymentNagad, PaymentRocket, PaymentBankTransfer:
		return true
	}
	return false
}

// Actor is the authenticated identity threaded through every operation.
type Actor struct {
	ID       string
	Username string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount holds auth credentials. Password is a bcrypt hash.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	CreatedAt time.Time
}

type RevenuePoint struct {
	Month        string `json:"month"`
	RevenueCents int64  `json:"revenue_cents"`
}

type PaymentMethodCount struct {
	Method string `json:"method"`
	Count  int    `json:"count"`
}

type TopProduct struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	QuantitySold int    `json:"quantity_sold"`
}

// DashboardSummary holds every aggregate figure the dashboard renders.
// It is recomputed from live data on each request.
type DashboardSummary struct {
	TotalRevenueCents     int64                `json:"total_revenue_cents"`
	ThisMonthRevenueCents int64                `json:"this_month_revenue_cents"`
	TotalDueCents         int64                `json:"total_due_cents"`
	InventoryValueCents   int64                `json:"inventory_value_cents"`
	LowStockCount         int                  `json:"low_stock_count"`
	OutOfStockCount       int                  `json:"out_of_stock_count"`
	RevenueChart          []RevenuePoint       `json:"revenue_chart"`
	PaymentMethods        []PaymentMethodCount `json:"payment_methods"`
	TopProducts           []TopProduct         `json:"top_products"`
	GeneratedAt           string               `json:"generated_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"-"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidationError reports malformed input with one message per failing
// field. Nothing is written when it is returned.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

func (e *ValidationError) Add(field string, message string) {
	e.Fields[field] = message
}

func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}
