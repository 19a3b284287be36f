package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dokanpos/internal/domain"
	"dokanpos/internal/store"
	"dokanpos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context, userID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, sku, price_cents, quantity, low_stock, created_at, updated_at
		FROM products
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, userID string, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, sku, price_cents, quantity, low_stock, created_at, updated_at
		FROM products
		WHERE user_id = $1 AND id = $2
	`, userID, productID)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, user_id, name, sku, price_cents, quantity, low_stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.UserID, product.Name, nullIfEmpty(product.SKU), product.PriceCents, product.Quantity, nullIfNilInt(product.LowStock), product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $3, sku = $4, price_cents = $5, quantity = $6, low_stock = $7, updated_at = now()
		WHERE user_id = $1 AND id = $2
		RETURNING id, user_id, name, sku, price_cents, quantity, low_stock, created_at, updated_at
	`, product.UserID, product.ID, product.Name, nullIfEmpty(product.SKU), product.PriceCents, product.Quantity, nullIfNilInt(product.LowStock))

	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteProducts(ctx context.Context, userID string, productIDs []string) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM products
		WHERE user_id = $1 AND id = ANY($2)
	`, userID, productIDs)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CreateSale records a sale and decrements stock in one serializable
// transaction. Product rows are locked for the duration so a concurrent
// sale of the same item cannot oversell; any shortfall rolls back the
// whole cart.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyCart
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, user_id, buyer_name, buyer_phone, total_cents, is_paid, payment_method, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7)
	`, sale.ID, sale.UserID, sale.BuyerName, nullIfEmpty(sale.BuyerPhone), sale.IsPaid, nullIfEmpty(sale.PaymentMethod), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	productIDs := uniqueProductIDs(sale.Items)
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents, quantity
		FROM products
		WHERE user_id = $1 AND id = ANY($2)
		FOR UPDATE
	`, sale.UserID, productIDs)
	if err != nil {
		return nil, err
	}
	type lockedProduct struct {
		name       string
		priceCents int64
		quantity   int
	}
	locked := make(map[string]lockedProduct, len(productIDs))
	for rows.Next() {
		var id string
		var p lockedProduct
		if err := rows.Scan(&id, &p.name, &p.priceCents, &p.quantity); err != nil {
			_ = rows.Close()
			return nil, err
		}
		locked[id] = p
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var total int64
	items := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		product, exists := locked[item.ProductID]
		if !exists || product.quantity < item.Quantity {
			return nil, store.ErrInsufficientStock
		}

		line := item
		line.ID = xid.New("item")
		line.SaleID = sale.ID
		line.ProductName = product.name
		line.UnitPriceCents = product.priceCents
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, line.ID, line.SaleID, line.ProductID, line.Quantity, line.UnitPriceCents)
		if err != nil {
			return nil, err
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET quantity = quantity - $3, updated_at = now()
			WHERE user_id = $1 AND id = $2
		`, sale.UserID, item.ProductID, item.Quantity)
		if err != nil {
			return nil, err
		}

		product.quantity -= item.Quantity
		locked[item.ProductID] = product
		total += line.UnitPriceCents * int64(line.Quantity)
		items = append(items, line)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales SET total_cents = $2 WHERE id = $1
	`, sale.ID, total)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale.Items = items
	sale.TotalCents = total
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, userID string, saleID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, buyer_name, buyer_phone, total_cents, is_paid, payment_method, created_at
		FROM sales
		WHERE user_id = $1 AND id = $2
	`, userID, saleID)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

// ListSales returns the newest sales first. A limit below 1 means no limit,
// which the dashboard uses to aggregate over the full history.
func (s *Store) ListSales(ctx context.Context, userID string, limit int) ([]domain.Sale, error) {
	if limit < 0 {
		limit = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, buyer_name, buyer_phone, total_cents, is_paid, payment_method, created_at
		FROM sales
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT NULLIF($2, 0)
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	saleIDs := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		saleIDs = append(saleIDs, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemsBySale, err := s.loadSaleItems(ctx, saleIDs)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = itemsBySale[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) MarkSalePaid(ctx context.Context, userID string, saleID string, method string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET is_paid = true, payment_method = $3
		WHERE user_id = $1 AND id = $2
		RETURNING id, user_id, buyer_name, buyer_phone, total_cents, is_paid, payment_method, created_at
	`, userID, saleID, nullIfEmpty(method))

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.sale_id, si.product_id, COALESCE(p.name, ''), si.quantity, si.unit_price_cents
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = ANY($1)
		ORDER BY si.sale_id, si.id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, userID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (username) DO NOTHING
	`, user.ID, user.Username, user.Password, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var sku sql.NullString
	var lowStock sql.NullInt64
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &sku, &p.PriceCents, &p.Quantity, &lowStock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if sku.Valid {
		p.SKU = sku.String
	}
	if lowStock.Valid {
		v := int(lowStock.Int64)
		p.LowStock = &v
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var phone sql.NullString
	var method sql.NullString
	err := row.Scan(&sale.ID, &sale.UserID, &sale.BuyerName, &phone, &sale.TotalCents, &sale.IsPaid, &method, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if phone.Valid {
		sale.BuyerPhone = phone.String
	}
	if method.Valid {
		sale.PaymentMethod = method.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func uniqueProductIDs(items []domain.SaleItem) []string {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		set[item.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfNilInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
