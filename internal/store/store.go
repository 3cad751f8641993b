package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmaerp/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
)

// StockError reports which product could not cover a requested quantity.
// It matches ErrInsufficientStock under errors.Is.
type StockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d",
		e.ProductName, e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context, query string, limit int) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeactivateProduct(ctx context.Context, id string) error

	GetActiveProductByName(ctx context.Context, name string) (*domain.Product, error)
	ListProductsContaining(ctx context.Context, needle string, limit int) ([]domain.Product, error)
	ListProductsContainedIn(ctx context.Context, phrase string, limit int) ([]domain.Product, error)
	ListAlternativeProducts(ctx context.Context, needle string, limit int) ([]domain.Product, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	DeleteSale(ctx context.Context, id string) error
	SalesTotalsByDay(ctx context.Context, from time.Time, to time.Time) (map[string]domain.DaySummary, error)
	TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error)

	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}
