package store

import (
	"context"
	"errors"

	"dokanpos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrEmptyCart         = errors.New("empty cart")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is the persistence surface. Every product, sale, and audit
// operation is filtered by the owning user id; a row belonging to another
// user behaves exactly like a missing row.
type Repository interface {
	ListProducts(ctx context.Context, userID string) ([]domain.Product, error)
	GetProductByID(ctx context.Context, userID string, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProducts(ctx context.Context, userID string, productIDs []string) (int, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, userID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, userID string, limit int) ([]domain.Sale, error)
	MarkSalePaid(ctx context.Context, userID string, saleID string, method string) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, userID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
