package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
	"pharmaerp/backend/internal/xid"
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

const productColumns = `id, name, batch_no, expiry_date, composition, mrp_cents, stock_qty, active, created_at`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var batchNo, composition sql.NullString
	var expiry sql.NullTime
	if err := scan(&p.ID, &p.Name, &batchNo, &expiry, &composition, &p.MRPCents, &p.StockQty, &p.Active, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	p.BatchNo = batchNo.String
	p.Composition = composition.String
	if expiry.Valid {
		e := expiry.Time.UTC()
		p.ExpiryDate = &e
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, batch_no, expiry_date, composition, mrp_cents, stock_qty, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, nullIfEmpty(product.BatchNo), nullDate(product.ExpiryDate),
		nullIfEmpty(product.Composition), product.MRPCents, product.StockQty, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND ($1 = '' OR name ILIKE '%' || $1 || '%')
		ORDER BY name ASC
		LIMIT $2
	`, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id)

	product, err := scanProduct(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, batch_no = $3, expiry_date = $4, composition = $5, mrp_cents = $6, stock_qty = $7
		WHERE id = $1
	`, product.ID, product.Name, nullIfEmpty(product.BatchNo), nullDate(product.ExpiryDate),
		nullIfEmpty(product.Composition), product.MRPCents, product.StockQty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) DeactivateProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET active = false
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetActiveProductByName(ctx context.Context, name string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock_qty > 0 AND lower(name) = lower($1)
		ORDER BY stock_qty DESC
		LIMIT 1
	`, strings.TrimSpace(name))

	product, err := scanProduct(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProductsContaining(ctx context.Context, needle string, limit int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock_qty > 0 AND name ILIKE '%' || $1 || '%'
		ORDER BY stock_qty DESC, name ASC
		LIMIT $2
	`, strings.TrimSpace(needle), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (s *Store) ListProductsContainedIn(ctx context.Context, phrase string, limit int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock_qty > 0 AND $1 ILIKE '%' || name || '%'
		ORDER BY stock_qty DESC, name ASC
		LIMIT $2
	`, strings.TrimSpace(phrase), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (s *Store) ListAlternativeProducts(ctx context.Context, needle string, limit int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock_qty > 0
		  AND (name ILIKE '%' || $1 || '%' OR composition ILIKE '%' || $1 || '%')
		ORDER BY stock_qty DESC, name ASC
		LIMIT $2
	`, strings.TrimSpace(needle), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProducts(rows)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, email, address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email),
		nullIfEmpty(customer.Address), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, email, address, created_at
		FROM customers
		ORDER BY name ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		customer, err := scanCustomer(rows.Scan)
		if err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, address, created_at
		FROM customers
		WHERE id = $1
	`, id)

	customer, err := scanCustomer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, phone = $3, email = $4, address = $5
		WHERE id = $1
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email), nullIfEmpty(customer.Address))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCustomerByID(ctx, customer.ID)
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var customerName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM customers WHERE id = $1`, sale.CustomerID).Scan(&customerName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = now
	}
	sale.CreatedAt = now
	sale.CustomerName = customerName

	// Each product row is re-read and locked inside the transaction so
	// concurrent sales cannot oversell the same stock.
	for i := range sale.Lines {
		line := &sale.Lines[i]

		var name, batchNo string
		var stockQty int
		var active bool
		var batch sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT name, batch_no, stock_qty, active
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, line.ProductID).Scan(&name, &batch, &stockQty, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		batchNo = batch.String
		if !active {
			return nil, store.ErrNotFound
		}
		if stockQty < line.Qty {
			return nil, &store.StockError{
				ProductID:   line.ProductID,
				ProductName: name,
				Requested:   line.Qty,
				Available:   stockQty,
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_qty = stock_qty - $2
			WHERE id = $1
		`, line.ProductID, line.Qty); err != nil {
			return nil, err
		}

		line.ID = xid.New("line")
		line.SaleID = sale.ID
		line.ProductName = name
		line.BatchNo = batchNo
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, sale_date, total_cents, payment_mode, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.CustomerID, sale.SaleDate, sale.TotalCents, sale.PaymentMode, sale.CreatedBy, sale.CreatedAt); err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, qty, rate_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.ID, line.SaleID, line.ProductID, line.Qty, line.RateCents, line.LineTotalCents); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.customer_id, c.name, s.sale_date, s.total_cents, s.payment_mode, s.created_by, s.created_at
		FROM sales s
		LEFT JOIN customers c ON c.id = s.customer_id
		ORDER BY s.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		var customerName sql.NullString
		if err := rows.Scan(&sale.ID, &sale.CustomerID, &customerName, &sale.SaleDate, &sale.TotalCents,
			&sale.PaymentMode, &sale.CreatedBy, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CustomerName = customerName.String
		sale.SaleDate = sale.SaleDate.UTC()
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.customer_id, c.name, s.sale_date, s.total_cents, s.payment_mode, s.created_by, s.created_at
		FROM sales s
		LEFT JOIN customers c ON c.id = s.customer_id
		WHERE s.id = $1
	`, id).Scan(&sale.ID, &sale.CustomerID, &customerName, &sale.SaleDate, &sale.TotalCents,
		&sale.PaymentMode, &sale.CreatedBy, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerName = customerName.String
	sale.SaleDate = sale.SaleDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.product_id, p.name, p.batch_no, l.qty, l.rate_cents, l.line_total_cents
		FROM sale_lines l
		LEFT JOIN products p ON p.id = l.product_id
		WHERE l.sale_id = $1
		ORDER BY l.id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		var productName, batchNo sql.NullString
		if err := rows.Scan(&line.ID, &line.ProductID, &productName, &batchNo, &line.Qty, &line.RateCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		line.SaleID = sale.ID
		line.ProductName = productName.String
		line.BatchNo = batchNo.String
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, qty
		FROM sale_lines
		WHERE sale_id = $1
	`, id)
	if err != nil {
		return err
	}
	type restock struct {
		productID string
		qty       int
	}
	restocks := make([]restock, 0, 8)
	for rows.Next() {
		var r restock
		if err := rows.Scan(&r.productID, &r.qty); err != nil {
			_ = rows.Close()
			return err
		}
		restocks = append(restocks, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range restocks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_qty = stock_qty + $2
			WHERE id = $1
		`, r.productID, r.qty); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return tx.Commit()
}

func (s *Store) SalesTotalsByDay(ctx context.Context, from time.Time, to time.Time) (map[string]domain.DaySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(sale_date AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, count(*), coalesce(sum(total_cents), 0)
		FROM sales
		WHERE sale_date >= $1 AND sale_date < $2
		GROUP BY day
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]domain.DaySummary)
	for rows.Next() {
		var summary domain.DaySummary
		if err := rows.Scan(&summary.Date, &summary.Sales, &summary.RevenueCents); err != nil {
			return nil, err
		}
		totals[summary.Date] = summary
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.product_id, coalesce(p.name, ''), sum(l.qty), sum(l.line_total_cents)
		FROM sale_lines l
		LEFT JOIN products p ON p.id = l.product_id
		GROUP BY l.product_id, p.name
		ORDER BY sum(l.qty) DESC, p.name ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	top := make([]domain.TopProduct, 0, limit)
	for rows.Next() {
		var entry domain.TopProduct
		if err := rows.Scan(&entry.ProductID, &entry.Name, &entry.QtySold, &entry.RevenueCents); err != nil {
			return nil, err
		}
		top = append(top, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return top, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := user
	return &created, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findUser(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, "id", id)
}

func (s *Store) findUser(ctx context.Context, column string, value string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, active, created_at
		FROM users
		WHERE `+column+` = $1
	`, value).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Actor, entry.Action, entry.Entity, nullIfEmpty(entry.Detail), entry.At)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity, coalesce(detail, ''), at
		FROM audit_logs
		ORDER BY at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Entity, &entry.Detail, &entry.At); err != nil {
			return nil, err
		}
		entry.At = entry.At.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func collectProducts(rows *sql.Rows) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		product, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func scanCustomer(scan func(dest ...any) error) (domain.Customer, error) {
	var c domain.Customer
	var phone, email, address sql.NullString
	if err := scan(&c.ID, &c.Name, &phone, &email, &address, &c.CreatedAt); err != nil {
		return domain.Customer{}, err
	}
	c.Phone = phone.String
	c.Email = email.String
	c.Address = address.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}
