package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/util"

	"go.uber.org/zap"
)

// Catalog is the menu lookup.
type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// ProductCache stores serialized catalog entries.
type ProductCache interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CatalogClient resolves products through a redis cache in front of the catalog.
type CatalogClient struct {
	catalog Catalog
	cache   ProductCache
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCatalogClient creates a catalog client. cache may be nil.
func NewCatalogClient(catalog Catalog, cache ProductCache, ttl time.Duration) *CatalogClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CatalogClient{
		catalog: catalog,
		cache:   cache,
		ttl:     ttl,
		logger:  util.GetLogger(),
	}
}

func productKey(id string) string {
	return "product:" + id
}

// Lookup returns every requested product keyed by id. Unknown or unavailable products
// fail with a validation error naming them.
func (c *CatalogClient) Lookup(ctx context.Context, ids []string) (map[string]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.Lookup")
	defer span.End()

	found := make(map[string]models.Product, len(ids))
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		if p, ok := c.cached(ctx, id); ok {
			found[id] = p
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		products, err := c.catalog.GetProductsByIDs(ctx, missing)
		if err != nil {
			util.RecordError(span, err)
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "catalog lookup")
		}
		for _, p := range products {
			found[p.ID] = p
			c.store(ctx, p)
		}
	}

	var unknown, unavailable []string
	for _, id := range ids {
		p, ok := found[id]
		switch {
		case !ok:
			unknown = append(unknown, id)
		case !p.Available:
			unavailable = append(unavailable, id)
		}
	}
	if len(unknown) > 0 || len(unavailable) > 0 {
		details := map[string]string{}
		if len(unknown) > 0 {
			details["unknown"] = joinSorted(unknown)
		}
		if len(unavailable) > 0 {
			details["unavailable"] = joinSorted(unavailable)
		}
		return nil, apperrors.New(apperrors.CodeValidation, "some products cannot be ordered").WithDetails(details)
	}
	return found, nil
}

func (c *CatalogClient) cached(ctx context.Context, id string) (models.Product, bool) {
	if c.cache == nil {
		return models.Product{}, false
	}
	raw, ok, err := c.cache.CacheGet(ctx, productKey(id))
	if err != nil {
		c.logger.Warn("Catalog cache read failed, falling back to catalog",
			zap.String("product_id", id),
			zap.Error(err))
		return models.Product{}, false
	}
	if !ok {
		return models.Product{}, false
	}
	var p models.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Product{}, false
	}
	return p, true
}

func (c *CatalogClient) store(ctx context.Context, p models.Product) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cache.CacheSet(ctx, productKey(p.ID), raw, c.ttl); err != nil {
		c.logger.Warn("Failed to cache product", zap.String("product_id", p.ID), zap.Error(err))
	}
}

func joinSorted(ids []string) string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return strings.Join(out, ",")
}
