package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"pharmaerp/backend/internal/domain"
)

func TestDeleteSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("PHARMAERP_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMAERP_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, mrp_cents, stock_qty, active, created_at)
		VALUES ($1, 'Integration Tablet 10mg', 500, 10, true, now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, created_at)
		VALUES ($1, 'Integration Customer', now())
	`, customerID); err != nil {
		t.Fatalf("insert customer: %v", err)
	}

	sale, err := s.CreateSale(ctx, domain.Sale{
		CustomerID:  customerID,
		TotalCents:  1500,
		PaymentMode: domain.PaymentCash,
		CreatedBy:   "it-test",
		Lines: []domain.SaleLine{
			{ProductID: productID, Qty: 3, RateCents: 500, LineTotalCents: 1500},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var stock int
	if err := s.db.QueryRowContext(ctx, `SELECT stock_qty FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if stock != 7 {
		t.Fatalf("expected stock 7 after sale, got %d", stock)
	}

	if err := s.DeleteSale(ctx, sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT stock_qty FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", stock)
	}
}
