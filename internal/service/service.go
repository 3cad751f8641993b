package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pharmaerp/backend/internal/cache"
	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
)

// ErrForbidden means the acting user's role does not permit the operation.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	reportTTL time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = time.Minute
	}
	return &Service{repo: repo, reports: reports, reportTTL: reportTTL}
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role cannot perform this action", ErrForbidden, actor.Role)
}

func (s *Service) logAudit(ctx context.Context, action string, entity string, detail string) {
	actorName := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		actorName = actor.Email
	}
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Actor:  actorName,
		Action: action,
		Entity: entity,
		Detail: detail,
		At:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: audit log write failed: %v", err)
	}
}

// --- products ---

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.ProductView, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if req.StockQty < 0 {
		return nil, fmt.Errorf("%w: stock quantity must not be negative", store.ErrValidation)
	}
	mrpCents, err := domain.ToCents(req.MRP)
	if err != nil {
		return nil, fmt.Errorf("%w: mrp: %v", store.ErrValidation, err)
	}
	expiry, err := parseDate(req.ExpiryDate)
	if err != nil {
		return nil, fmt.Errorf("%w: expiryDate: %v", store.ErrValidation, err)
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:        name,
		BatchNo:     strings.TrimSpace(req.BatchNo),
		ExpiryDate:  expiry,
		Composition: strings.TrimSpace(req.Composition),
		MRPCents:    mrpCents,
		StockQty:    req.StockQty,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "product.create", product.ID, product.Name)
	view := productView(*product)
	return &view, nil
}

func (s *Service) ListProducts(ctx context.Context, query string, limit int) ([]domain.ProductView, error) {
	products, err := s.repo.ListProducts(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	views := make([]domain.ProductView, 0, len(products))
	for _, product := range products {
		views = append(views, productView(product))
	}
	return views, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.ProductView, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := productView(*product)
	return &view, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.ProductView, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}

	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: product name must not be blank", store.ErrValidation)
		}
		product.Name = name
	}
	if req.BatchNo != nil {
		product.BatchNo = strings.TrimSpace(*req.BatchNo)
	}
	if req.ExpiryDate != nil {
		expiry, err := parseDate(*req.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("%w: expiryDate: %v", store.ErrValidation, err)
		}
		product.ExpiryDate = expiry
	}
	if req.Composition != nil {
		product.Composition = strings.TrimSpace(*req.Composition)
	}
	if req.MRP != nil {
		mrpCents, err := domain.ToCents(*req.MRP)
		if err != nil {
			return nil, fmt.Errorf("%w: mrp: %v", store.ErrValidation, err)
		}
		product.MRPCents = mrpCents
	}
	if req.StockQty != nil {
		if *req.StockQty < 0 {
			return nil, fmt.Errorf("%w: stock quantity must not be negative", store.ErrValidation)
		}
		product.StockQty = *req.StockQty
	}

	updated, err := s.repo.UpdateProduct(ctx, *product)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "product.update", updated.ID, updated.Name)
	view := productView(*updated)
	return &view, nil
}

// DeleteProduct deactivates the product; historic sale lines keep referring
// to it.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product.delete", id, "")
	return nil
}

// --- customers ---

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	phone := strings.TrimSpace(req.Phone)
	if err := validatePhone(phone); err != nil {
		return nil, err
	}

	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:    name,
		Phone:   phone,
		Email:   strings.TrimSpace(req.Email),
		Address: strings.TrimSpace(req.Address),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer.create", customer.ID, customer.Name)
	return customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.repo.GetCustomerByID(ctx, id)
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (*domain.Customer, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}

	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: customer name must not be blank", store.ErrValidation)
		}
		customer.Name = name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if err := validatePhone(phone); err != nil {
			return nil, err
		}
		customer.Phone = phone
	}
	if req.Email != nil {
		customer.Email = strings.TrimSpace(*req.Email)
	}
	if req.Address != nil {
		customer.Address = strings.TrimSpace(*req.Address)
	}

	updated, err := s.repo.UpdateCustomer(ctx, *customer)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer.update", updated.ID, updated.Name)
	return updated, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "customer.delete", id, "")
	return nil
}

// --- sales ---

// CreateSale validates and persists a sale. Line rates come from the client
// and are only checked for shape, not against the product MRP; the stores
// re-read stock inside the transaction so a failure leaves inventory intact.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.SaleView, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}

	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customerId is required", store.ErrInvalidSale)
	}
	if !domain.ValidPaymentMode(req.PaymentMode) {
		return nil, fmt.Errorf("%w: paymentMode must be one of Cash, Card, UPI", store.ErrInvalidSale)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", store.ErrInvalidSale)
	}

	lines := make([]domain.SaleLine, 0, len(req.Items))
	totalCents := int64(0)
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, fmt.Errorf("%w: item %d: productId is required", store.ErrInvalidSale, i+1)
		}
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: item %d: qty must be at least 1", store.ErrInvalidSale, i+1)
		}
		rateCents, err := domain.ToCents(item.Rate)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: rate: %v", store.ErrInvalidSale, i+1, err)
		}
		lineTotal := rateCents * int64(item.Qty)
		totalCents += lineTotal
		lines = append(lines, domain.SaleLine{
			ProductID:      strings.TrimSpace(item.ProductID),
			Qty:            item.Qty,
			RateCents:      rateCents,
			LineTotalCents: lineTotal,
		})
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		CustomerID:  strings.TrimSpace(req.CustomerID),
		TotalCents:  totalCents,
		PaymentMode: req.PaymentMode,
		CreatedBy:   actor.Email,
		Lines:       lines,
	})
	if err != nil {
		return nil, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale.create", sale.ID, fmt.Sprintf("total=%.2f", domain.FromCents(sale.TotalCents)))
	view := saleView(*sale)
	return &view, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.SaleView, error) {
	sales, err := s.repo.ListSales(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]domain.SaleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, saleView(sale))
	}
	return views, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.SaleView, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := saleView(*sale)
	return &view, nil
}

// DeleteSale removes a sale and returns its quantities to stock.
func (s *Service) DeleteSale(ctx context.Context, id string) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteSale(ctx, id); err != nil {
		return err
	}
	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale.delete", id, "")
	return nil
}

// --- reports ---

func (s *Service) TodaySummary(ctx context.Context) (domain.DaySummaryView, error) {
	today := dateUTC(time.Now().UTC())
	key := "pharmaerp:report:today:" + today.Format("2006-01-02")

	var view domain.DaySummaryView
	if hit, ok := s.reportFromCache(ctx, key, &view); hit && ok {
		return view, nil
	}

	totals, err := s.repo.SalesTotalsByDay(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return domain.DaySummaryView{}, err
	}
	summary := totals[today.Format("2006-01-02")]
	view = domain.DaySummaryView{
		Date:    today.Format("2006-01-02"),
		Sales:   summary.Sales,
		Revenue: domain.FromCents(summary.RevenueCents),
	}

	s.reportToCache(ctx, key, view)
	return view, nil
}

// WeeklySales returns one point per day of the current week, Monday through
// Sunday, with zero totals for days without sales.
func (s *Service) WeeklySales(ctx context.Context) ([]domain.WeeklyPoint, error) {
	start := weekStartUTC(time.Now().UTC())
	key := "pharmaerp:report:weekly:" + start.Format("2006-01-02")

	var points []domain.WeeklyPoint
	if hit, ok := s.reportFromCache(ctx, key, &points); hit && ok {
		return points, nil
	}

	totals, err := s.repo.SalesTotalsByDay(ctx, start, start.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}

	points = make([]domain.WeeklyPoint, 0, 7)
	for i := 0; i < 7; i++ {
		day := start.AddDate(0, 0, i)
		summary := totals[day.Format("2006-01-02")]
		points = append(points, domain.WeeklyPoint{
			Day:   day.Weekday().String()[:3],
			Total: domain.FromCents(summary.RevenueCents),
		})
	}

	s.reportToCache(ctx, key, points)
	return points, nil
}

func (s *Service) TopProducts(ctx context.Context) ([]domain.TopProductView, error) {
	const key = "pharmaerp:report:top-products"

	var views []domain.TopProductView
	if hit, ok := s.reportFromCache(ctx, key, &views); hit && ok {
		return views, nil
	}

	top, err := s.repo.TopProducts(ctx, 5)
	if err != nil {
		return nil, err
	}
	views = make([]domain.TopProductView, 0, len(top))
	for _, entry := range top {
		views = append(views, domain.TopProductView{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			QtySold:   entry.QtySold,
			Revenue:   domain.FromCents(entry.RevenueCents),
		})
	}

	s.reportToCache(ctx, key, views)
	return views, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) reportFromCache(ctx context.Context, key string, dest any) (hit bool, ok bool) {
	payload, found, err := s.reports.Get(ctx, key)
	if err != nil {
		log.Printf("[service] WARN: report cache read failed: %v", err)
		return false, false
	}
	if !found {
		return false, false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		log.Printf("[service] WARN: stale report cache entry for %s: %v", key, err)
		return true, false
	}
	return true, true
}

func (s *Service) reportToCache(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.reports.Set(ctx, key, payload, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache write failed: %v", err)
	}
}

func (s *Service) invalidateReports(ctx context.Context) {
	today := dateUTC(time.Now().UTC())
	keys := []string{
		"pharmaerp:report:today:" + today.Format("2006-01-02"),
		"pharmaerp:report:weekly:" + weekStartUTC(today).Format("2006-01-02"),
		"pharmaerp:report:top-products",
	}
	if err := s.reports.Delete(ctx, keys...); err != nil {
		log.Printf("[service] WARN: report cache invalidation failed: %v", err)
	}
}

// --- helpers ---

func productView(p domain.Product) domain.ProductView {
	view := domain.ProductView{
		ID:          p.ID,
		Name:        p.Name,
		BatchNo:     p.BatchNo,
		Composition: p.Composition,
		MRP:         domain.FromCents(p.MRPCents),
		StockQty:    p.StockQty,
		IsActive:    p.Active,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.ExpiryDate != nil {
		view.ExpiryDate = p.ExpiryDate.Format("2006-01-02")
	}
	return view
}

func saleView(sale domain.Sale) domain.SaleView {
	view := domain.SaleView{
		ID:           sale.ID,
		CustomerID:   sale.CustomerID,
		CustomerName: sale.CustomerName,
		SaleDate:     sale.SaleDate.UTC().Format(time.RFC3339),
		TotalAmount:  domain.FromCents(sale.TotalCents),
		PaymentMode:  sale.PaymentMode,
		CreatedBy:    sale.CreatedBy,
	}
	for _, line := range sale.Lines {
		view.Items = append(view.Items, domain.SaleLineView{
			ID:          line.ID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			BatchNo:     line.BatchNo,
			Qty:         line.Qty,
			Rate:        domain.FromCents(line.RateCents),
			LineTotal:   domain.FromCents(line.LineTotalCents),
		})
	}
	return view
}

func validatePhone(phone string) error {
	if phone == "" {
		return nil
	}
	if len(phone) < 10 || len(phone) > 15 {
		return fmt.Errorf("%w: phone must be 10 to 15 digits", store.ErrValidation)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: phone must contain digits only", store.ErrValidation)
		}
	}
	return nil
}

func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD")
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStartUTC returns the Monday 00:00 UTC of t's week.
func weekStartUTC(t time.Time) time.Time {
	day := dateUTC(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
