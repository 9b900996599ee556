package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// DatabaseQuerier is the slice of pgxpool.Pool the catalog needs; tests
// substitute pgxmock.
type DatabaseQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// CatalogService is the product repository. All reads go through the
// products table left-joined to vehicles; per-product lookups are
// cache-aside in Redis under product:{id}.
type CatalogService struct {
	db     DatabaseQuerier
	redis  *redis.Client
	config config.CachingConfig
	logger *logrus.Logger
}

func NewCatalogService(db DatabaseQuerier, redisClient *redis.Client, cfg config.CachingConfig, logger *logrus.Logger) *CatalogService {
	return &CatalogService{
		db:     db,
		redis:  redisClient,
		config: cfg,
		logger: logger,
	}
}

// CatalogQuery narrows the products table. IDs, when set, restricts the
// result to those ids and preserves their order. TextAny terms are
// OR-matched against name, brand and product type.
type CatalogQuery struct {
	Category string
	Filters  map[string]interface{}
	TextAny  []string
	IDs      []string
	Limit    int
	Offset   int
}

const productSelectColumns = `
	p.id, p.name, COALESCE(p.brand, ''), p.category, COALESCE(p.product_type, ''),
	p.price_cents, p.available_qty, COALESCE(p.attributes, '{}'),
	v.vin, COALESCE(v.make, ''), COALESCE(v.model, ''), COALESCE(v.year, 0),
	COALESCE(v.trim, ''), COALESCE(v.mileage, 0), COALESCE(v.body_style, ''),
	COALESCE(v.fuel_type, ''), COALESCE(v.drivetrain, ''), COALESCE(v.transmission, ''),
	COALESCE(v.exterior_color, ''), COALESCE(v.interior_color, ''),
	COALESCE(v.mpg_city, 0), COALESCE(v.mpg_hwy, 0)`

// Search runs one SQL round trip and returns the page plus the total
// match count (window-counted, so pagination needs no second query).
func (s *CatalogService) Search(ctx context.Context, q CatalogQuery) ([]models.Product, int, error) {
	query := "SELECT" + productSelectColumns + `,
	COUNT(*) OVER() AS total_count
FROM products p
LEFT JOIN vehicles v ON v.product_id = p.id
WHERE 1=1`

	var args []interface{}
	argIndex := 1

	if q.Category != "" {
		query += fmt.Sprintf(" AND p.category ILIKE $%d", argIndex)
		args = append(args, q.Category)
		argIndex++
	}

	predicates, predArgs, next := buildFilterPredicates(q.Filters, argIndex)
	query += predicates
	args = append(args, predArgs...)
	argIndex = next

	if len(q.TextAny) > 0 {
		clauses := make([]string, 0, len(q.TextAny))
		for _, term := range q.TextAny {
			clauses = append(clauses, fmt.Sprintf(
				"(p.name ILIKE $%d OR p.brand ILIKE $%d OR p.product_type ILIKE $%d)",
				argIndex, argIndex, argIndex))
			args = append(args, "%"+term+"%")
			argIndex++
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}

	if len(q.IDs) > 0 {
		query += fmt.Sprintf(" AND p.id = ANY($%d)", argIndex)
		args = append(args, q.IDs)
		idsArg := argIndex
		argIndex++
		query += fmt.Sprintf(" ORDER BY array_position($%d, p.id)", idsArg)
	} else {
		query += " ORDER BY p.price_cents ASC, p.id ASC"
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, q.Limit)
		argIndex++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, q.Offset)
	}

	rows, err := s.queryWithRetry(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog search query failed: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	total := 0
	for rows.Next() {
		product, rowTotal, err := scanProductRow(rows, true)
		if err != nil {
			s.logger.WithError(err).Error("Failed to scan catalog row")
			continue
		}
		total = rowTotal
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("catalog search rows failed: %w", err)
	}

	return products, total, nil
}

// queryWithRetry retries an idempotent read once after a short backoff.
// Writes never go through here.
func (s *CatalogService) queryWithRetry(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err == nil || ctx.Err() != nil {
		return rows, err
	}
	s.logger.WithError(err).Warn("Catalog read failed, retrying once")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return s.db.Query(ctx, query, args...)
}

// GetByID fetches one product, cache-aside under product:{id}.
func (s *CatalogService) GetByID(ctx context.Context, id string) (*models.Product, error) {
	cacheKey := "product:" + id
	if s.redis != nil {
		if data, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var product models.Product
			if err := json.Unmarshal(data, &product); err == nil {
				return &product, nil
			}
		}
	}

	query := "SELECT" + productSelectColumns + `
FROM products p
LEFT JOIN vehicles v ON v.product_id = p.id
WHERE p.id = $1`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("product lookup failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("product lookup rows failed: %w", err)
		}
		return nil, ErrProductNotFound
	}
	product, _, err := scanProductRow(rows, false)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	if s.redis != nil {
		if data, err := json.Marshal(product); err == nil {
			if err := s.redis.Set(ctx, cacheKey, data, s.ttl()).Err(); err != nil {
				s.logger.WithError(err).Debug("Failed to cache product")
			}
		}
	}

	return &product, nil
}

// GetByIDs fetches a batch in the given id order; unknown ids are
// silently absent.
func (s *CatalogService) GetByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	products, _, err := s.Search(ctx, CatalogQuery{IDs: ids, Limit: len(ids)})
	return products, err
}

// KeywordSearch matches the query plus synonym terms against catalog
// text. Used as the last-resort narrowing path.
func (s *CatalogService) KeywordSearch(ctx context.Context, category string, terms []string, limit int) ([]models.Product, int, error) {
	cleaned := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if len(term) >= 2 {
			cleaned = append(cleaned, term)
		}
	}
	if len(cleaned) == 0 {
		return nil, 0, nil
	}
	return s.Search(ctx, CatalogQuery{Category: category, TextAny: cleaned, Limit: limit})
}

// ListVehicleMMYs enumerates distinct model years for phrase store
// preload.
func (s *CatalogService) ListVehicleMMYs(ctx context.Context) ([]MMY, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT make, model, year FROM vehicles ORDER BY make, model, year`)
	if err != nil {
		return nil, fmt.Errorf("vehicle model year listing failed: %w", err)
	}
	defer rows.Close()

	var out []MMY
	for rows.Next() {
		var m MMY
		if err := rows.Scan(&m.Make, &m.Model, &m.Year); err != nil {
			s.logger.WithError(err).Error("Failed to scan vehicle model year")
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InvalidateProduct drops the per-product cache keys after a catalog
// mutation event.
func (s *CatalogService) InvalidateProduct(ctx context.Context, id string) error {
	if s.redis == nil {
		return nil
	}
	keys := []string{"product:" + id, "price:" + id, "inventory:" + id}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate product keys: %w", err)
	}
	return nil
}

// InvalidateSearches clears every cached search envelope. Called when a
// mutation may change result membership.
func (s *CatalogService) InvalidateSearches(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	iter := s.redis.Scan(ctx, 0, "search:*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("search cache scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.redis.Del(ctx, keys...).Err()
}

func (s *CatalogService) ttl() time.Duration {
	if s.config.ProductTTL > 0 {
		return s.config.ProductTTL
	}
	return time.Hour
}

// scanProductRow reads one joined row; withTotal expects the trailing
// window count column.
func scanProductRow(rows pgx.Rows, withTotal bool) (models.Product, int, error) {
	var (
		p          models.Product
		attributes []byte
		vin        *string
		vehicle    models.VehicleAttributes
		total      int
	)

	dest := []interface{}{
		&p.ID, &p.Name, &p.Brand, &p.Category, &p.ProductType,
		&p.PriceCents, &p.AvailableQty, &attributes,
		&vin, &vehicle.Make, &vehicle.Model, &vehicle.Year,
		&vehicle.Trim, &vehicle.Mileage, &vehicle.BodyStyle,
		&vehicle.FuelType, &vehicle.Drivetrain, &vehicle.Transmission,
		&vehicle.ExteriorColor, &vehicle.InteriorColor,
		&vehicle.MPGCity, &vehicle.MPGHighway,
	}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := rows.Scan(dest...); err != nil {
		return models.Product{}, 0, err
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &p.Attributes); err != nil {
			return models.Product{}, 0, fmt.Errorf("invalid attributes JSON: %w", err)
		}
	}
	if vin != nil {
		vehicle.VIN = *vin
		p.Vehicle = &vehicle
	}
	hydrateDomainAttributes(&p)

	return p, total, nil
}

// hydrateDomainAttributes lifts well-known attribute keys into the
// typed per-domain structs.
func hydrateDomainAttributes(p *models.Product) {
	if p.Attributes == nil {
		return
	}
	switch strings.ToLower(p.Category) {
	case "electronics":
		p.Laptop = &models.LaptopAttributes{
			Processor:     attrString(p.Attributes, "processor"),
			RAMGB:         attrInt(p.Attributes, "ram_gb"),
			StorageGB:     attrInt(p.Attributes, "storage_gb"),
			ScreenSize:    attrFloat(p.Attributes, "screen_size"),
			GPU:           attrString(p.Attributes, "gpu"),
			GPUVendor:     attrString(p.Attributes, "gpu_vendor"),
			Battery:       attrString(p.Attributes, "battery"),
			OS:            attrString(p.Attributes, "os"),
			Weight:        attrString(p.Attributes, "weight"),
			RefreshRateHz: attrInt(p.Attributes, "refresh_rate_hz"),
		}
	case "books":
		p.Book = &models.BookAttributes{
			Author: attrString(p.Attributes, "author"),
			Genre:  attrString(p.Attributes, "genre"),
			Pages:  attrInt(p.Attributes, "pages"),
			Format: attrString(p.Attributes, "format"),
		}
	}
}

func attrString(attrs map[string]interface{}, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrInt(attrs map[string]interface{}, key string) int {
	f, ok := toFloat(attrs[key])
	if !ok {
		return 0
	}
	return int(f)
}

func attrFloat(attrs map[string]interface{}, key string) float64 {
	f, _ := toFloat(attrs[key])
	return f
}

// buildFilterPredicates translates filter keys into SQL. Internal
// "_"-prefixed hints are skipped. Returns the WHERE fragment, its args,
// and the next placeholder index.
func buildFilterPredicates(filters map[string]interface{}, argIndex int) (string, []interface{}, int) {
	if len(filters) == 0 {
		return "", nil, argIndex
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if strings.HasPrefix(key, "_") || key == "category" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	var args []interface{}

	add := func(clause string, vals ...interface{}) {
		sb.WriteString(" AND ")
		sb.WriteString(clause)
		args = append(args, vals...)
		argIndex += len(vals)
	}

	for _, key := range keys {
		value := filters[key]
		switch key {
		case "brand":
			add(fmt.Sprintf("p.brand ILIKE $%d", argIndex), stringify(value))
		case "product_type":
			add(fmt.Sprintf("p.product_type ILIKE $%d", argIndex), stringify(value))
		case "make":
			add(fmt.Sprintf("v.make ILIKE $%d", argIndex), stringify(value))
		case "model":
			add(fmt.Sprintf("v.model ILIKE $%d", argIndex), stringify(value))
		case "body_style":
			add(fmt.Sprintf("v.body_style ILIKE $%d", argIndex), stringify(value))
		case "fuel_type":
			add(fmt.Sprintf("v.fuel_type ILIKE $%d", argIndex), stringify(value))
		case "exterior_color":
			add(fmt.Sprintf("v.exterior_color ILIKE $%d", argIndex), stringify(value))
		case "interior_color":
			add(fmt.Sprintf("v.interior_color ILIKE $%d", argIndex), stringify(value))
		case "color":
			add(fmt.Sprintf("(v.exterior_color ILIKE $%d OR p.attributes->>'color' ILIKE $%d)",
				argIndex, argIndex+1), stringify(value), stringify(value))
		case "year":
			if lo, hi, ok := parseRange(value); ok {
				add(fmt.Sprintf("v.year BETWEEN $%d AND $%d", argIndex, argIndex+1), int(lo), int(hi))
			} else if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("v.year = $%d", argIndex), int(f))
			}
		case "year_min":
			if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("v.year >= $%d", argIndex), int(f))
			}
		case "year_max":
			if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("v.year <= $%d", argIndex), int(f))
			}
		case "mileage_max":
			if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("v.mileage <= $%d", argIndex), int(f))
			}
		case "price_min_cents":
			if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("p.price_cents >= $%d", argIndex), int64(f))
			}
		case "price_max_cents":
			if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("p.price_cents <= $%d", argIndex), int64(f))
			}
		case "price":
			// Raw-dollar range, stored in cents.
			if lo, hi, ok := parseRange(value); ok {
				if !math.IsInf(lo, -1) && lo > 0 {
					add(fmt.Sprintf("p.price_cents >= $%d", argIndex), int64(lo*100))
				}
				if !math.IsInf(hi, 1) {
					add(fmt.Sprintf("p.price_cents <= $%d", argIndex), int64(hi*100))
				}
			} else if f, ok := toFloat(value); ok {
				add(fmt.Sprintf("p.price_cents <= $%d", argIndex), int64(f*100))
			}
		case "use_case":
			add(fmt.Sprintf("(p.attributes->>'use_case' ILIKE $%d OR p.attributes->>'subcategory' ILIKE $%d)",
				argIndex, argIndex+1), stringify(value), stringify(value))
		case "in_stock":
			if b, ok := value.(bool); ok && b {
				sb.WriteString(" AND p.available_qty > 0")
			}
		default:
			// Generic JSONB attribute match (gpu_vendor, cpu_vendor,
			// genre, author, format, ...).
			add(fmt.Sprintf("p.attributes->>'%s' ILIKE $%d", sanitizeAttrKey(key), argIndex), stringify(value))
		}
	}

	return sb.String(), args, argIndex
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sanitizeAttrKey keeps JSONB key interpolation safe: anything outside
// [a-z0-9_] is stripped.
func sanitizeAttrKey(key string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
