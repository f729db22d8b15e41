package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskworks/docgen/internal/broker"
)

// Sentinel errors for catalog lookups.
var (
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrCatalogQueryError  = errors.New("catalog query error")
)

const catalogCacheTTL = time.Hour

// Catalog resolves reference data for risk factors. Enrichment treats every
// failure as non-fatal.
type Catalog interface {
	DefaultMitigation(ctx context.Context, category, name string) (string, error)
}

// HTTPCatalog implements Catalog against the reference-data service, caching
// responses in the broker when it is available.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
	conn    *broker.Conn
}

// NewHTTPCatalog creates a catalog client. An empty baseURL yields a client
// that always reports unavailable.
func NewHTTPCatalog(baseURL string, timeout time.Duration, conn *broker.Conn) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		conn:    conn,
	}
}

func (c *HTTPCatalog) DefaultMitigation(ctx context.Context, category, name string) (string, error) {
	if c.baseURL == "" {
		return "", ErrCatalogUnavailable
	}

	cacheKey := catalogKey(category, name)
	if cached, ok := c.cacheGet(ctx, cacheKey); ok {
		return cached, nil
	}

	params := url.Values{"category": {category}, "name": {name}}
	u := fmt.Sprintf("%s/api/v1/risk-factors/mitigation?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrCatalogQueryError, resp.StatusCode)
	}

	var body struct {
		Mitigation string `json:"mitigation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCatalogQueryError, err)
	}

	c.cacheSet(ctx, cacheKey, body.Mitigation)
	return body.Mitigation, nil
}

func (c *HTTPCatalog) cacheGet(ctx context.Context, key string) (string, bool) {
	if c.conn == nil {
		return "", false
	}
	var val string
	found := false
	_ = c.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found
}

func (c *HTTPCatalog) cacheSet(ctx context.Context, key, val string) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, key, val, catalogCacheTTL).Err()
	})
}

func catalogKey(category, name string) string {
	return fmt.Sprintf("docgen:catalog:%s:%s", category, name)
}
