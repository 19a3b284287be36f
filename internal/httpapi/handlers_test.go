package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dokanpos/internal/cache"
	"dokanpos/internal/domain"
	"dokanpos/internal/service"
	"dokanpos/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.New()
	for _, u := range []struct {
		id       string
		username string
	}{
		{"user_admin", "admin"},
		{"user_demo", "demo"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.username+"123"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		err = repo.CreateUser(context.Background(), domain.UserAccount{
			ID:       u.id,
			Username: u.username,
			Password: string(hash),
		})
		if err != nil {
			t.Fatalf("seed user %s: %v", u.username, err)
		}
	}

	svc := service.New(repo)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	limiter := cache.NewMemoryAttemptLimiter(5, time.Minute)

	return New(svc, auth, "*", limiter)
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

// do issues an authenticated JSON request with a fresh CSRF token attached.
func do(t *testing.T, api *API, token string, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func createProduct(t *testing.T, api *API, token string, name string, priceCents int64, quantity int) domain.Product {
	t.Helper()

	rec := do(t, api, token, http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		Name:       name,
		PriceCents: priceCents,
		Quantity:   quantity,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	return resp.Product
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProductsRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	product := createProduct(t, api, token, "Rice 5kg", 65000, 40)
	if product.ID == "" || product.Name != "Rice 5kg" {
		t.Fatalf("unexpected created product %+v", product)
	}

	rec := do(t, api, token, http.MethodPut, "/api/v1/products/"+product.ID, domain.ProductUpdateRequest{
		Name:       "Rice 5kg Premium",
		PriceCents: 70000,
		Quantity:   35,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update product: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list products: %d", listRec.Code)
	}
	var listResp struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResp.Products) != 1 || listResp.Products[0].Name != "Rice 5kg Premium" {
		t.Fatalf("unexpected list %+v", listResp.Products)
	}

	delRec := do(t, api, token, http.MethodDelete, "/api/v1/products/"+product.ID, nil)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete product: %d %s", delRec.Code, delRec.Body.String())
	}

	again := do(t, api, token, http.MethodDelete, "/api/v1/products/"+product.ID, nil)
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a gone product, got %d", again.Code)
	}
}

func TestBulkDeleteProducts(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	first := createProduct(t, api, token, "First", 1000, 1)
	second := createProduct(t, api, token, "Second", 1000, 1)

	rec := do(t, api, token, http.MethodDelete, "/api/v1/products", domain.ProductDeleteRequest{
		IDs: []string{first.ID, second.ID, "prod_bogus"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk delete: %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["deleted"] != 2 {
		t.Fatalf("expected 2 deletions, got %d", resp["deleted"])
	}
}

func TestCreateProductValidationBody(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	rec := do(t, api, token, http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		Name:       "",
		PriceCents: -1,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Fields["name"] == "" || resp.Fields["price_cents"] == "" {
		t.Fatalf("expected field messages, got %v", resp.Fields)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	product := createProduct(t, api, token, "Widget", 10000, 5)

	rec := do(t, api, token, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName:     "Walk-in",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: product.ID, Quantity: 3}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.TotalCents != 30000 {
		t.Fatalf("expected total 30000, got %d", created.Sale.TotalCents)
	}

	overRec := do(t, api, token, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName:     "Walk-in",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: product.ID, Quantity: 10}},
	})
	if overRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d %s", overRec.Code, overRec.Body.String())
	}

	emptyRec := do(t, api, token, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName:     "Walk-in",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{},
	})
	if emptyRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d %s", emptyRec.Code, emptyRec.Body.String())
	}
}

func TestGetSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	ownerToken := login(t, api, "admin", "admin123")
	otherToken := login(t, api, "demo", "demo123")
	product := createProduct(t, api, ownerToken, "Widget", 10000, 5)

	rec := do(t, api, ownerToken, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName:     "Walk-in",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/"+created.Sale.ID, nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	getRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get sale: %d %s", getRec.Code, getRec.Body.String())
	}
	var fetched struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(getRec.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode fetched sale: %v", err)
	}
	if fetched.Sale.ID != created.Sale.ID || fetched.Sale.TotalCents != 20000 {
		t.Fatalf("unexpected sale %+v", fetched.Sale)
	}
	if len(fetched.Sale.Items) != 1 || fetched.Sale.Items[0].UnitPriceCents != 10000 {
		t.Fatalf("expected one item with snapshot price, got %+v", fetched.Sale.Items)
	}

	foreignReq := httptest.NewRequest(http.MethodGet, "/api/v1/sales/"+created.Sale.ID, nil)
	foreignReq.Header.Set("Authorization", "Bearer "+otherToken)
	foreignRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(foreignRec, foreignReq)
	if foreignRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign sale read, got %d", foreignRec.Code)
	}
}

func TestMarkPaidOwnershipOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	ownerToken := login(t, api, "admin", "admin123")
	otherToken := login(t, api, "demo", "demo123")
	product := createProduct(t, api, ownerToken, "Widget", 5000, 10)

	rec := do(t, api, ownerToken, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName: "Rahim",
		PayLater:  true,
		Items:     []domain.CartLine{{ProductID: product.ID, Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}

	foreign := do(t, api, otherToken, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/mark-paid", domain.MarkPaidRequest{
		PaymentMethod: domain.PaymentCash,
	})
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign mark-paid, got %d", foreign.Code)
	}

	own := do(t, api, ownerToken, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/mark-paid", domain.MarkPaidRequest{
		PaymentMethod: domain.PaymentNagad,
	})
	if own.Code != http.StatusOK {
		t.Fatalf("mark paid: %d %s", own.Code, own.Body.String())
	}
	var settled struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(own.Body).Decode(&settled); err != nil {
		t.Fatalf("decode settled sale: %v", err)
	}
	if !settled.Sale.IsPaid || settled.Sale.PaymentMethod != domain.PaymentNagad {
		t.Fatalf("unexpected settled sale %+v", settled.Sale)
	}
}

func TestDashboardOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	product := createProduct(t, api, token, "Widget", 10000, 5)

	rec := do(t, api, token, http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		BuyerName:     "Walk-in",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	dashRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(dashRec, req)
	if dashRec.Code != http.StatusOK {
		t.Fatalf("dashboard: %d %s", dashRec.Code, dashRec.Body.String())
	}
	var summary domain.DashboardSummary
	if err := json.NewDecoder(dashRec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.TotalRevenueCents != 20000 {
		t.Fatalf("expected total revenue 20000, got %d", summary.TotalRevenueCents)
	}
	if len(summary.RevenueChart) != 6 {
		t.Fatalf("expected 6 chart buckets, got %d", len(summary.RevenueChart))
	}

	csvReq := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard?format=csv", nil)
	csvReq.Header.Set("Authorization", "Bearer "+token)
	csvRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(csvRec, csvReq)
	if csvRec.Code != http.StatusOK {
		t.Fatalf("dashboard csv: %d", csvRec.Code)
	}
	if got := csvRec.Header().Get("Content-Type"); got != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected csv content type %q", got)
	}
	if !bytes.Contains(csvRec.Body.Bytes(), []byte("total_revenue_cents,20000")) {
		t.Fatalf("expected revenue row in csv, got %s", csvRec.Body.String())
	}
}

func TestAuditLogsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	createProduct(t, api, token, "Widget", 1000, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit logs: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(resp.Logs) == 0 || resp.Logs[0].Action != "product_create" {
		t.Fatalf("expected product_create entry, got %+v", resp.Logs)
	}
}
