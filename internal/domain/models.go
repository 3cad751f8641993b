package domain

import (
	"fmt"
	"math"
	"time"
)

const (
	RoleAdmin      = "Admin"
	RoleManager    = "Manager"
	RoleSalesAgent = "SalesAgent"
)

const (
	PaymentCash = "Cash"
	PaymentCard = "Card"
	PaymentUPI  = "UPI"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Actor is the authenticated user attached to a request context.
type Actor struct {
	ID    string
	Name  string
	Email string
	Role  string
}

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	Active       bool
	CreatedAt    time.Time
}

type Product struct {
	ID          string
	Name        string
	BatchNo     string
	ExpiryDate  *time.Time
	Composition string
	MRPCents    int64
	StockQty    int
	Active      bool
	CreatedAt   time.Time
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type SaleLine struct {
	ID             string
	SaleID         string
	ProductID      string
	ProductName    string
	BatchNo        string
	Qty            int
	RateCents      int64
	LineTotalCents int64
}

type Sale struct {
	ID           string
	CustomerID   string
	CustomerName string
	SaleDate     time.Time
	TotalCents   int64
	PaymentMode  string
	CreatedBy    string
	CreatedAt    time.Time
	Lines        []SaleLine
}

type TopProduct struct {
	ProductID    string
	Name         string
	QtySold      int
	RevenueCents int64
}

type DaySummary struct {
	Date         string
	Sales        int
	RevenueCents int64
}

type AuditLog struct {
	ID     string    `json:"id"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Entity string    `json:"entity"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// MedicineCandidate is one prescribed medicine as read from a prescription.
type MedicineCandidate struct {
	Name      string `json:"medicineName"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// ProductHit is an inventory product surfaced by prescription matching.
type ProductHit struct {
	ProductID   string  `json:"productId"`
	Name        string  `json:"name"`
	BatchNo     string  `json:"batchNo,omitempty"`
	ExpiryDate  string  `json:"expiryDate,omitempty"`
	Composition string  `json:"composition,omitempty"`
	MRP         float64 `json:"mrp"`
	StockQty    int     `json:"stockQty"`
}

// MedicineMatch pairs a prescribed medicine with the inventory lookup result.
// Match is nil when no product satisfied any matching tier; Alternatives are
// always populated when any related product exists.
type MedicineMatch struct {
	Prescribed   MedicineCandidate `json:"prescribed"`
	Match        *ProductHit       `json:"match"`
	Confidence   string            `json:"confidence"`
	Alternatives []ProductHit      `json:"alternatives"`
}

// --- request payloads ---

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expiresAt"`
	User      UserView `json:"user"`
}

type ProductCreateRequest struct {
	Name        string  `json:"name"`
	BatchNo     string  `json:"batchNo,omitempty"`
	ExpiryDate  string  `json:"expiryDate,omitempty"`
	Composition string  `json:"composition,omitempty"`
	MRP         float64 `json:"mrp"`
	StockQty    int     `json:"stockQty"`
}

type ProductUpdateRequest struct {
	Name        *string  `json:"name,omitempty"`
	BatchNo     *string  `json:"batchNo,omitempty"`
	ExpiryDate  *string  `json:"expiryDate,omitempty"`
	Composition *string  `json:"composition,omitempty"`
	MRP         *float64 `json:"mrp,omitempty"`
	StockQty    *int     `json:"stockQty,omitempty"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type CustomerUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Email   *string `json:"email,omitempty"`
	Address *string `json:"address,omitempty"`
}

type SaleLineRequest struct {
	ProductID string  `json:"productId"`
	Qty       int     `json:"qty"`
	Rate      float64 `json:"rate"`
}

type SaleCreateRequest struct {
	CustomerID  string            `json:"customerId"`
	PaymentMode string            `json:"paymentMode"`
	Items       []SaleLineRequest `json:"items"`
}

// --- response views (monetary fields rendered as decimals) ---

type UserView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type ProductView struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	BatchNo     string  `json:"batchNo,omitempty"`
	ExpiryDate  string  `json:"expiryDate,omitempty"`
	Composition string  `json:"composition,omitempty"`
	MRP         float64 `json:"mrp"`
	StockQty    int     `json:"stockQty"`
	IsActive    bool    `json:"isActive"`
	CreatedAt   string  `json:"createdAt"`
}

type SaleLineView struct {
	ID          string  `json:"id"`
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	BatchNo     string  `json:"batchNo,omitempty"`
	Qty         int     `json:"qty"`
	Rate        float64 `json:"rate"`
	LineTotal   float64 `json:"lineTotal"`
}

type SaleView struct {
	ID           string         `json:"id"`
	CustomerID   string         `json:"customerId"`
	CustomerName string         `json:"customerName,omitempty"`
	SaleDate     string         `json:"saleDate"`
	TotalAmount  float64        `json:"totalAmount"`
	PaymentMode  string         `json:"paymentMode"`
	CreatedBy    string         `json:"createdBy"`
	Items        []SaleLineView `json:"items,omitempty"`
}

type DaySummaryView struct {
	Date    string  `json:"date"`
	Sales   int     `json:"totalSales"`
	Revenue float64 `json:"totalRevenue"`
}

type WeeklyPoint struct {
	Day   string  `json:"day"`
	Total float64 `json:"total"`
}

type TopProductView struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	QtySold   int     `json:"qtySold"`
	Revenue   float64 `json:"revenue"`
}

// ToCents converts a decimal amount into integer cents. Amounts must be
// non-negative and carry at most two decimal places.
func ToCents(amount float64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	scaled := amount * 100
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-6 {
		return 0, fmt.Errorf("amount must have at most two decimal places")
	}
	return int64(rounded), nil
}

func FromCents(cents int64) float64 {
	return float64(cents) / 100
}

func ValidPaymentMode(mode string) bool {
	switch mode {
	case PaymentCash, PaymentCard, PaymentUPI:
		return true
	}
	return false
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleSalesAgent:
		return true
	}
	return false
}
