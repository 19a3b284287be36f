package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dokanpos/internal/domain"
	"dokanpos/internal/store"
	"dokanpos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	productsByID    map[string]domain.Product
	salesByID       map[string]domain.Sale
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		productsByID:    make(map[string]domain.Product),
		salesByID:       make(map[string]domain.Sale),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_DEMO_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	demoPwd := envOr("SEED_DEMO_PASSWORD", "demo123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_DEMO_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_DEMO_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
	}{
		{"admin", adminPwd},
		{"demo", demoPwd},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:        xid.New("user"),
			Username:  u.username,
			Password:  string(hash),
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo accounts and a small catalog for the
// admin user, so the API is usable out of the box without a database.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	admin, ok := s.usersByUsername["admin"]
	if !ok {
		return s
	}

	low := 10
	now := time.Now().UTC()
	seed := []domain.Product{
		{Name: "Rice 5kg", SKU: "RICE-5KG", PriceCents: 65000, Quantity: 40},
		{Name: "Soybean Oil 1L", SKU: "OIL-1L", PriceCents: 18500, Quantity: 24},
		{Name: "Red Lentils 1kg", SKU: "LENTIL-1KG", PriceCents: 13500, Quantity: 15, LowStock: &low},
		{Name: "Sugar 1kg", SKU: "SUGAR-1KG", PriceCents: 12000, Quantity: 8},
		{Name: "Tea Leaves 500g", SKU: "TEA-500G", PriceCents: 26000, Quantity: 0},
	}
	for _, p := range seed {
		p.ID = xid.New("prod")
		p.UserID = admin.ID
		p.CreatedAt = now
		p.UpdatedAt = now
		s.productsByID[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context, userID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		if p.UserID != userID {
			continue
		}
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, userID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[productID]
	if !ok || p.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := cloneProduct(p)
	return &out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.productsByID[product.ID] = cloneProduct(product)

	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.productsByID[product.ID]
	if !ok || existing.UserID != product.UserID {
		return nil, store.ErrNotFound
	}

	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.productsByID[product.ID] = cloneProduct(product)

	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) DeleteProducts(_ context.Context, userID string, productIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range productIDs {
		p, ok := s.productsByID[id]
		if !ok || p.UserID != userID {
			continue
		}
		delete(s.productsByID, id)
		deleted++
	}
	return deleted, nil
}

// CreateSale validates the whole cart against current stock before touching
// anything, so a failed line leaves every product untouched. Stock is
// tracked across lines, so several lines for one product are checked
// against their combined quantity.
func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyCart
	}

	remaining := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		p, ok := s.productsByID[item.ProductID]
		if !ok || p.UserID != sale.UserID {
			return nil, store.ErrInsufficientStock
		}
		if _, seen := remaining[item.ProductID]; !seen {
			remaining[item.ProductID] = p.Quantity
		}
		if remaining[item.ProductID] < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
		remaining[item.ProductID] -= item.Quantity
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	var total int64
	items := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		p := s.productsByID[item.ProductID]

		line := item
		line.ID = xid.New("item")
		line.SaleID = sale.ID
		line.ProductName = p.Name
		line.UnitPriceCents = p.PriceCents
		items = append(items, line)
		total += p.PriceCents * int64(item.Quantity)

		p.Quantity -= item.Quantity
		p.UpdatedAt = time.Now().UTC()
		s.productsByID[item.ProductID] = p
	}
	sale.Items = items
	sale.TotalCents = total
	s.salesByID[sale.ID] = cloneSale(sale)

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSaleByID(_ context.Context, userID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.UserID != userID {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, userID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if sale.UserID != userID {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) MarkSalePaid(_ context.Context, userID string, saleID string, method string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.UserID != userID {
		return nil, store.ErrNotFound
	}

	sale.IsPaid = true
	sale.PaymentMethod = method
	s.salesByID[saleID] = cloneSale(sale)

	updated := cloneSale(sale)
	return &updated, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, userID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if s.auditLogs[i].UserID != userID {
			continue
		}
		logs = append(logs, s.auditLogs[i])
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := user
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func cloneProduct(p domain.Product) domain.Product {
	out := p
	if p.LowStock != nil {
		v := *p.LowStock
		out.LowStock = &v
	}
	return out
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Items = slices.Clone(sale.Items)
	return out
}
