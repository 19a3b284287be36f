package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"dokanpos/internal/domain"
	"dokanpos/internal/report"
	"dokanpos/internal/store"
	"dokanpos/internal/xid"
)

// Service implements the business operations. Every method takes the
// authenticated actor explicitly; nothing is smuggled through the context,
// so an unauthenticated call path cannot compile.
type Service struct {
	repo store.Repository
	now  func() time.Time
}

func New(repo store.Repository) *Service {
	return &Service{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context, actor domain.Actor) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, actor.ID)
}

func (s *Service) GetProduct(ctx context.Context, actor domain.Actor, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrNotFound
	}
	product, err := s.repo.GetProductByID(ctx, actor.ID, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.TrimSpace(req.SKU)
	if err := validateProductFields(req.Name, req.PriceCents, req.Quantity, req.LowStock); err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		ID:         xid.New("prod"),
		UserID:     actor.ID,
		Name:       req.Name,
		SKU:        req.SKU,
		PriceCents: req.PriceCents,
		Quantity:   req.Quantity,
		LowStock:   req.LowStock,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,qty=%d", created.Name, created.PriceCents, created.Quantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, actor domain.Actor, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrNotFound
	}

	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.TrimSpace(req.SKU)
	if err := validateProductFields(req.Name, req.PriceCents, req.Quantity, req.LowStock); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, actor.ID, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	updated.Name = req.Name
	updated.SKU = req.SKU
	updated.PriceCents = req.PriceCents
	updated.Quantity = req.Quantity
	updated.LowStock = req.LowStock

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, "product_update", "product", saved.ID, fmt.Sprintf("name=%s,price=%d,qty=%d", saved.Name, saved.PriceCents, saved.Quantity))
	return *saved, nil
}

// DeleteProducts removes the caller's products among the requested ids and
// reports how many rows went away. Ids the caller does not own are skipped,
// not rejected.
func (s *Service) DeleteProducts(ctx context.Context, actor domain.Actor, req domain.ProductDeleteRequest) (int, error) {
	ids := make([]string, 0, len(req.IDs)+1)
	seen := make(map[string]struct{}, len(req.IDs)+1)
	for _, id := range append([]string{req.ID}, req.IDs...) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		verr := domain.NewValidationError()
		verr.Add("ids", "at least one product id is required")
		return 0, verr
	}

	deleted, err := s.repo.DeleteProducts(ctx, actor.ID, ids)
	if err != nil {
		return 0, err
	}

	s.logAudit(ctx, actor, "product_delete", "product", strings.Join(ids, ","), fmt.Sprintf("requested=%d,deleted=%d", len(ids), deleted))
	return deleted, nil
}

// CreateSale records a sale for the actor. The cart is normalized first:
// duplicate product lines are merged and non-positive quantities dropped.
// Pricing always comes from the catalog at execution time; the stock check
// and decrement happen atomically in the store.
func (s *Service) CreateSale(ctx context.Context, actor domain.Actor, req domain.SaleCreateRequest) (domain.Sale, error) {
	req.BuyerName = strings.TrimSpace(req.BuyerName)
	req.BuyerPhone = strings.TrimSpace(req.BuyerPhone)

	verr := domain.NewValidationError()
	if req.BuyerName == "" {
		verr.Add("buyer_name", "buyer name is required")
	}

	isPaid := !req.PayLater
	method := strings.TrimSpace(req.PaymentMethod)
	if req.PayLater {
		method = ""
	} else {
		if method == "" {
			verr.Add("payment_method", "payment method is required unless pay later is set")
		} else if !domain.IsSupportedPaymentMethod(method) {
			verr.Add("payment_method", "unsupported payment method")
		}
	}
	if !verr.Empty() {
		return domain.Sale{}, verr
	}

	lines := normalizeCart(req.Items)
	if len(lines) == 0 {
		return domain.Sale{}, store.ErrEmptyCart
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		UserID:        actor.ID,
		BuyerName:     req.BuyerName,
		BuyerPhone:    req.BuyerPhone,
		IsPaid:        isPaid,
		PaymentMethod: method,
		CreatedAt:     s.now(),
		Items:         items,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, actor, "sale_create", "sale", created.ID, fmt.Sprintf("total=%d,items=%d,paid=%t", created.TotalCents, len(created.Items), created.IsPaid))
	return *created, nil
}

// MarkSalePaid settles a pay-later sale. The lookup is filtered by the
// actor, so a sale belonging to someone else reads as not found.
func (s *Service) MarkSalePaid(ctx context.Context, actor domain.Actor, saleID string, req domain.MarkPaidRequest) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrNotFound
	}

	method := strings.TrimSpace(req.PaymentMethod)
	if method != "" && !domain.IsSupportedPaymentMethod(method) {
		verr := domain.NewValidationError()
		verr.Add("payment_method", "unsupported payment method")
		return domain.Sale{}, verr
	}

	updated, err := s.repo.MarkSalePaid(ctx, actor.ID, saleID, method)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, actor, "sale_mark_paid", "sale", updated.ID, fmt.Sprintf("method=%s,total=%d", method, updated.TotalCents))
	return *updated, nil
}

func (s *Service) GetSale(ctx context.Context, actor domain.Actor, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrNotFound
	}
	sale, err := s.repo.GetSaleByID(ctx, actor.ID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, actor domain.Actor, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, actor.ID, limit)
}

// Dashboard recomputes every aggregate from the actor's full sale and
// product sets on each call.
func (s *Service) Dashboard(ctx context.Context, actor domain.Actor) (domain.DashboardSummary, error) {
	sales, err := s.repo.ListSales(ctx, actor.ID, 0)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	products, err := s.repo.ListProducts(ctx, actor.ID)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	return report.Build(s.now(), sales, products), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, actor domain.Actor, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.ID, limit)
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, action string, entityType string, entityID string, detail string) {
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		UserID:     actor.ID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func validateProductFields(name string, priceCents int64, quantity int, lowStock *int) error {
	verr := domain.NewValidationError()
	if name == "" {
		verr.Add("name", "name is required")
	}
	if priceCents < 0 {
		verr.Add("price_cents", "price must not be negative")
	}
	if quantity < 0 {
		verr.Add("quantity", "quantity must not be negative")
	}
	if lowStock != nil && *lowStock < 0 {
		verr.Add("low_stock", "low stock threshold must not be negative")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// normalizeCart merges duplicate product lines and drops empty ids and
// non-positive quantities. The result is sorted by product id so downstream
// work is deterministic.
func normalizeCart(items []domain.CartLine) []domain.CartLine {
	aggregated := make(map[string]int, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" || item.Quantity < 1 {
			continue
		}
		aggregated[productID] += item.Quantity
	}

	result := make([]domain.CartLine, 0, len(aggregated))
	for productID, qty := range aggregated {
		result = append(result, domain.CartLine{ProductID: productID, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}
