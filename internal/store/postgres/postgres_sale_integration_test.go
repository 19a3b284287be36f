package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"dokanpos/internal/domain"
	"dokanpos/internal/store"
)

func TestCreateSaleDecrementsStockAndRollsBack(t *testing.T) {
	databaseURL := os.Getenv("DOKANPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DOKANPOS_TEST_DATABASE_URL to run postgres integration test")
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
	userID := fmt.Sprintf("user-sale-it-%d", stamp)
	productID := fmt.Sprintf("prod-sale-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE user_id = $1)`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, created_at)
		VALUES ($1, $1, 'x', now())
	`, userID); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, user_id, name, sku, price_cents, quantity, low_stock, created_at, updated_at)
		VALUES ($1, $2, 'Integration Widget', null, 10000, 5, null, now(), now())
	`, productID, userID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	created, err := s.CreateSale(ctx, domain.Sale{
		UserID:    userID,
		BuyerName: "Walk-in",
		IsPaid:    true,
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{
			{ProductID: productID, Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if created.TotalCents != 30000 {
		t.Fatalf("expected total 30000, got %d", created.TotalCents)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM products WHERE id = $1
	`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 2 {
		t.Fatalf("expected stock 2 after sale, got %d", qty)
	}

	_, err = s.CreateSale(ctx, domain.Sale{
		UserID:    userID,
		BuyerName: "Walk-in",
		IsPaid:    true,
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{
			{ProductID: productID, Quantity: 10},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM products WHERE id = $1
	`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock after failed sale: %v", err)
	}
	if qty != 2 {
		t.Fatalf("expected stock unchanged at 2 after rollback, got %d", qty)
	}

	var saleCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sales WHERE user_id = $1
	`, userID).Scan(&saleCount); err != nil {
		t.Fatalf("count sales: %v", err)
	}
	if saleCount != 1 {
		t.Fatalf("expected 1 sale row after rollback, got %d", saleCount)
	}
}
