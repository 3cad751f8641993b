package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
	"pharmaerp/backend/internal/xid"
)

// Store is an in-memory Repository used for development and tests.
type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	customers map[string]domain.Customer
	sales     map[string]domain.Sale
	users     map[string]domain.User
	audits    []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		sales:     make(map[string]domain.Sale),
		users:     make(map[string]domain.User),
	}
}

// NewSeeded returns a Store preloaded with demo inventory, customers and
// user accounts so the server is usable without a database.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	expiry := func(months int) *time.Time {
		e := now.AddDate(0, months, 0)
		return &e
	}

	seedProducts := []domain.Product{
		{ID: "prod-paracetamol-500", Name: "Paracetamol 500mg", BatchNo: "B2401", ExpiryDate: expiry(18), Composition: "Paracetamol 500mg", MRPCents: 250, StockQty: 120, Active: true, CreatedAt: now},
		{ID: "prod-dolo-650", Name: "Dolo 650", BatchNo: "B2402", ExpiryDate: expiry(14), Composition: "Paracetamol 650mg", MRPCents: 320, StockQty: 90, Active: true, CreatedAt: now},
		{ID: "prod-crocin-advance", Name: "Crocin Advance", BatchNo: "B2403", ExpiryDate: expiry(12), Composition: "Paracetamol 500mg", MRPCents: 280, StockQty: 30, Active: true, CreatedAt: now},
		{ID: "prod-amoxicillin-250", Name: "Amoxicillin 250mg", BatchNo: "B2404", ExpiryDate: expiry(10), Composition: "Amoxicillin Trihydrate 250mg", MRPCents: 750, StockQty: 80, Active: true, CreatedAt: now},
		{ID: "prod-azithromycin-500", Name: "Azithromycin 500mg", BatchNo: "B2405", ExpiryDate: expiry(9), Composition: "Azithromycin Dihydrate 500mg", MRPCents: 1150, StockQty: 40, Active: true, CreatedAt: now},
		{ID: "prod-cetirizine-10", Name: "Cetirizine 10mg", BatchNo: "B2406", ExpiryDate: expiry(20), Composition: "Cetirizine Hydrochloride 10mg", MRPCents: 180, StockQty: 60, Active: true, CreatedAt: now},
		{ID: "prod-ibuprofen-400", Name: "Ibuprofen 400mg", BatchNo: "B2407", ExpiryDate: expiry(16), Composition: "Ibuprofen 400mg", MRPCents: 420, StockQty: 0, Active: true, CreatedAt: now},
		{ID: "prod-ranitidine-150", Name: "Ranitidine 150mg", BatchNo: "B2310", ExpiryDate: expiry(-2), Composition: "Ranitidine Hydrochloride 150mg", MRPCents: 390, StockQty: 25, Active: false, CreatedAt: now},
	}
	for _, p := range seedProducts {
		s.products[p.ID] = p
	}

	seedCustomers := []domain.Customer{
		{ID: "cust-walkin", Name: "Walk-in Customer", CreatedAt: now},
		{ID: "cust-ravi", Name: "Ravi Shankar", Phone: "9876543210", Email: "ravi@example.com", Address: "12 MG Road", CreatedAt: now},
		{ID: "cust-meera", Name: "Meera Nair", Phone: "9123456780", Address: "4 Lake View", CreatedAt: now},
	}
	for _, c := range seedCustomers {
		s.customers[c.ID] = c
	}

	s.seedUsers(now)
	return s
}

func (s *Store) seedUsers(now time.Time) {
	type seed struct {
		id          string
		name        string
		email       string
		role        string
		passwordEnv string
		fallback    string
	}
	seeds := []seed{
		{id: "user-admin", name: "Admin", email: "admin@pharmaerp.local", role: domain.RoleAdmin, passwordEnv: "SEED_ADMIN_PASSWORD", fallback: "admin123"},
		{id: "user-manager", name: "Manager", email: "manager@pharmaerp.local", role: domain.RoleManager, passwordEnv: "SEED_MANAGER_PASSWORD", fallback: "manager123"},
		{id: "user-agent", name: "Sales Agent", email: "agent@pharmaerp.local", role: domain.RoleSalesAgent, passwordEnv: "SEED_AGENT_PASSWORD", fallback: "agent123"},
	}

	for _, u := range seeds {
		password := os.Getenv(u.passwordEnv)
		if password == "" {
			password = u.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			continue
		}
		s.users[u.id] = domain.User{
			ID:           u.id,
			Name:         u.name,
			Email:        u.email,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	s.products[product.ID] = product

	created := product
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context, query string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	if limit > 0 && len(products) > limit {
		products = products[:limit]
	}
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.Active = existing.Active
	s.products[product.ID] = product

	updated := product
	return &updated, nil
}

func (s *Store) DeactivateProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	product.Active = false
	s.products[id] = product
	return nil
}

func (s *Store) GetActiveProductByName(_ context.Context, name string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := strings.ToLower(strings.TrimSpace(name))
	var best *domain.Product
	for _, p := range s.products {
		if !p.Active || p.StockQty < 1 {
			continue
		}
		if strings.ToLower(p.Name) != target {
			continue
		}
		candidate := p
		if best == nil || candidate.StockQty > best.StockQty {
			best = &candidate
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) ListProductsContaining(_ context.Context, needle string, limit int) ([]domain.Product, error) {
	return s.filterSellable(limit, func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), strings.ToLower(needle))
	})
}

func (s *Store) ListProductsContainedIn(_ context.Context, phrase string, limit int) ([]domain.Product, error) {
	return s.filterSellable(limit, func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(phrase), strings.ToLower(p.Name))
	})
}

func (s *Store) ListAlternativeProducts(_ context.Context, needle string, limit int) ([]domain.Product, error) {
	lower := strings.ToLower(needle)
	return s.filterSellable(limit, func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), lower) ||
			strings.Contains(strings.ToLower(p.Composition), lower)
	})
}

// filterSellable returns active, in-stock products matching keep,
// ordered by stock descending (name ascending on ties).
func (s *Store) filterSellable(limit int, keep func(domain.Product) bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Product, 0, 8)
	for _, p := range s.products {
		if !p.Active || p.StockQty < 1 {
			continue
		}
		if keep(p) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].StockQty != matches[j].StockQty {
			return matches[i].StockQty > matches[j].StockQty
		}
		return matches[i].Name < matches[j].Name
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer

	created := customer
	return &created, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].Name < customers[j].Name })
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[customer.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.CreatedAt = existing.CreatedAt
	s.customers[customer.ID] = customer

	updated := customer
	return &updated, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[sale.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Validate every line before any stock change so a failure leaves
	// the inventory untouched.
	for _, line := range sale.Lines {
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, store.ErrNotFound
		}
		if product.StockQty < line.Qty {
			return nil, &store.StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Qty,
				Available:   product.StockQty,
			}
		}
	}

	now := time.Now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = now
	}
	sale.CreatedAt = now
	sale.CustomerName = customer.Name

	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		product := s.products[line.ProductID]
		product.StockQty -= line.Qty
		s.products[line.ProductID] = product

		line.ID = xid.New("line")
		line.SaleID = sale.ID
		line.ProductName = product.Name
		line.BatchNo = product.BatchNo
		lines = append(lines, line)
	}
	sale.Lines = lines
	s.sales[sale.ID] = sale

	created := sale
	created.Lines = append([]domain.SaleLine(nil), lines...)
	return &created, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		summary := sale
		summary.Lines = nil
		sales = append(sales, summary)
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sale
	found.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	return &found, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return store.ErrNotFound
	}

	for _, line := range sale.Lines {
		product, exists := s.products[line.ProductID]
		if !exists {
			continue
		}
		product.StockQty += line.Qty
		s.products[line.ProductID] = product
	}
	delete(s.sales, id)
	return nil
}

func (s *Store) SalesTotalsByDay(_ context.Context, from time.Time, to time.Time) (map[string]domain.DaySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]domain.DaySummary)
	for _, sale := range s.sales {
		if sale.SaleDate.Before(from) || !sale.SaleDate.Before(to) {
			continue
		}
		day := sale.SaleDate.UTC().Format("2006-01-02")
		summary := totals[day]
		summary.Date = day
		summary.Sales++
		summary.RevenueCents += sale.TotalCents
		totals[day] = summary
	}
	return totals, nil
}

func (s *Store) TopProducts(_ context.Context, limit int) ([]domain.TopProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := make(map[string]domain.TopProduct)
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			entry := byProduct[line.ProductID]
			entry.ProductID = line.ProductID
			entry.Name = line.ProductName
			entry.QtySold += line.Qty
			entry.RevenueCents += line.LineTotalCents
			byProduct[line.ProductID] = entry
		}
	}

	top := make([]domain.TopProduct, 0, len(byProduct))
	for _, entry := range byProduct {
		top = append(top, entry)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].QtySold != top[j].QtySold {
			return top[i].QtySold > top[j].QtySold
		}
		return top[i].Name < top[j].Name
	})
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range s.users {
		if strings.ToLower(existing.Email) == email {
			return nil, store.ErrConflict
		}
	}

	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Email = email
	s.users[user.ID] = user

	created := user
	return &created, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if strings.ToLower(user.Email) == target {
			found := user
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := user
	return &found, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := append([]domain.AuditLog(nil), s.audits...)
	sort.Slice(logs, func(i, j int) bool { return logs[i].At.After(logs[j].At) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}
