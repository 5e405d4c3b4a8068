package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

// ShopifyConfig configures the orders feed client.
type ShopifyConfig struct {
	// BaseURL overrides https://<shop_domain>, for tests and proxies.
	BaseURL           string        `mapstructure:"base_url"`
	APIVersion        string        `mapstructure:"api_version"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	PageSize          int           `mapstructure:"page_size"`
	// Stores maps store ids to their credentials.
	Stores map[string]Credentials `mapstructure:"stores"`
}

// DefaultShopifyConfig matches the Admin REST API defaults: two requests per
// second with a small burst.
func DefaultShopifyConfig() ShopifyConfig {
	return ShopifyConfig{
		APIVersion:        "2024-01",
		Timeout:           15 * time.Second,
		MaxRetries:        3,
		RequestsPerSecond: 2,
		Burst:             4,
		PageSize:          250,
	}
}

// Validate checks the configuration.
func (c ShopifyConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("shopify.timeout must be positive")
	}
	if c.MaxRetries < 1 || c.MaxRetries > 3 {
		return fmt.Errorf("shopify.max_retries must be between 1 and 3")
	}
	if c.RequestsPerSecond <= 0 || c.Burst <= 0 {
		return fmt.Errorf("shopify rate limit must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 250 {
		return fmt.Errorf("shopify.page_size must be between 1 and 250")
	}
	return nil
}

var (
	shopDomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*\.myshopify\.com$`)
	apiVersionPattern = regexp.MustCompile(`^\d{4}-(01|04|07|10)$`)
	linkNextPattern   = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)
)

// ShopifyCredentials are validated Admin API credentials.
type ShopifyCredentials struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
}

// ParseShopifyCredentials validates raw credentials field by field.
func ParseShopifyCredentials(raw Credentials) (ShopifyCredentials, []error) {
	creds := ShopifyCredentials{
		ShopDomain:  strings.ToLower(strings.TrimSpace(raw["shop_domain"])),
		AccessToken: strings.TrimSpace(raw["access_token"]),
		APIVersion:  strings.TrimSpace(raw["api_version"]),
	}

	var errs []error
	invalid := func(field, value, reason string) {
		errs = append(errs, engerrors.ValidationError(engerrors.CodeInvalidCredentials, field, value, errors.New(reason)))
	}

	switch {
	case creds.ShopDomain == "":
		invalid("shop_domain", "", "shop_domain is required")
	case !shopDomainPattern.MatchString(creds.ShopDomain):
		invalid("shop_domain", creds.ShopDomain, "shop_domain must look like <shop>.myshopify.com")
	}

	switch {
	case creds.AccessToken == "":
		invalid("access_token", "", "access_token is required")
	case strings.ContainsAny(creds.AccessToken, " \t\n"):
		invalid("access_token", "<redacted>", "access_token must not contain whitespace")
	}

	switch {
	case creds.APIVersion == "":
		invalid("api_version", "", "api_version is required")
	case !apiVersionPattern.MatchString(creds.APIVersion):
		invalid("api_version", creds.APIVersion, "api_version must look like 2024-01")
	}

	return creds, errs
}

// ShopifyOrder is the subset of an Admin API order the engine reads.
type ShopifyOrder struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at"`
	CancelledAt     *time.Time      `json:"cancelled_at"`
	Currency        string          `json:"currency"`
	TotalPrice      string          `json:"total_price"`
	FinancialStatus string          `json:"financial_status"`
	Test            bool            `json:"test"`
	Refunds         []ShopifyRefund `json:"refunds"`
}

// ShopifyRefund is a refund attached to an order.
type ShopifyRefund struct {
	ID           int64                `json:"id"`
	CreatedAt    time.Time            `json:"created_at"`
	Note         string               `json:"note"`
	Transactions []ShopifyTransaction `json:"transactions"`
}

// ShopifyTransaction is a payment movement of a refund.
type ShopifyTransaction struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type ordersPage struct {
	Orders []ShopifyOrder `json:"orders"`
}

// ShopifyClient reads orders with a bounded timeout, bounded retries and a
// token-bucket rate limit.
type ShopifyClient struct {
	http    *http.Client
	cfg     ShopifyConfig
	limiter *rate.Limiter
	logger  logger.Logger
	// backoff returns the wait before retry attempt n (1-based).
	backoff func(n int) time.Duration
	pause   func(ctx context.Context, d time.Duration) error
}

// maxRetryAfter bounds how long a Retry-After header can hold a request.
const maxRetryAfter = time.Minute

// NewShopifyClient creates a client. A nil httpClient uses one with the
// configured timeout.
func NewShopifyClient(cfg ShopifyConfig, httpClient *http.Client, log logger.Logger) *ShopifyClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &ShopifyClient{
		http:    httpClient,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.OrDefault(log).WithComponent("shopify_client"),
		backoff: func(n int) time.Duration { return time.Duration(1<<(n-1)) * 500 * time.Millisecond },
		pause:   sleep,
	}
}

// ListOrders returns every order updated since the given time, following
// Link header pagination.
func (c *ShopifyClient) ListOrders(ctx context.Context, creds ShopifyCredentials, since time.Time) ([]ShopifyOrder, error) {
	base := c.cfg.BaseURL
	if base == "" {
		base = "https://" + creds.ShopDomain
	}

	query := url.Values{}
	query.Set("status", "any")
	query.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if !since.IsZero() {
		query.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}
	next := fmt.Sprintf("%s/admin/api/%s/orders.json?%s", strings.TrimRight(base, "/"), creds.APIVersion, query.Encode())

	var orders []ShopifyOrder
	for page := 1; next != ""; page++ {
		var body ordersPage
		link, err := c.get(ctx, next, creds.AccessToken, &body)
		if err != nil {
			return nil, err
		}
		orders = append(orders, body.Orders...)

		c.logger.WithFields(logger.Fields{
			"shop":   creds.ShopDomain,
			"page":   page,
			"orders": len(body.Orders),
		}).Debug("Fetched orders page")

		next = ""
		if m := linkNextPattern.FindStringSubmatch(link); m != nil {
			next = m[1]
		}
	}
	return orders, nil
}

// get performs one logical request with retries and decodes the JSON body
// into out. It returns the Link header. A Retry-After header on a retryable
// response is the minimum wait before the next attempt.
func (c *ShopifyClient) get(ctx context.Context, endpoint, token string, out any) (string, error) {
	display := redactQuery(endpoint)
	var (
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := max(c.backoff(attempt-1), retryAfter)
			if err := c.pause(ctx, wait); err != nil {
				return "", engerrors.TransportError(engerrors.CodeTimeout, display, err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", engerrors.TransportError(engerrors.CodeQuotaExceeded, display, err)
		}

		link, wait, retry, err := c.do(ctx, endpoint, display, token, out)
		if err == nil {
			return link, nil
		}
		lastErr, retryAfter = err, wait
		if !retry {
			return "", err
		}

		c.logger.WithFields(logger.Fields{
			"endpoint": display,
			"attempt":  attempt,
		}).WithError(err).Warn("Shopify request failed, retrying")
	}
	return "", lastErr
}

// do performs a single request. It returns the Link header, the server's
// requested retry delay and whether the failure is worth retrying.
func (c *ShopifyClient) do(ctx context.Context, endpoint, display, token string, out any) (string, time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, false, engerrors.TransportError(engerrors.CodeConnectionFailed, display, err)
	}
	req.Header.Set("X-Shopify-Access-Token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "", 0, true, engerrors.TransportError(engerrors.CodeTimeout, display, err)
		}
		return "", 0, true, engerrors.TransportError(engerrors.CodeConnectionFailed, display, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), true,
			engerrors.TransportError(engerrors.CodeQuotaExceeded, display,
				fmt.Errorf("API call limit reached (retry after %s)", resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), true,
			engerrors.TransportError(engerrors.CodeBadStatus, display,
				fmt.Errorf("status %d", resp.StatusCode)).WithContext("status", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := engerrors.TransportError(engerrors.CodeBadStatus, display,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))).
			WithContext("status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = err.WithSuggestion("the access token was rejected; reconnect the store")
		}
		return "", 0, false, err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", 0, false, engerrors.TransportError(engerrors.CodeBadStatus, display, fmt.Errorf("decode response: %w", err))
	}
	return resp.Header.Get("Link"), 0, false, nil
}

// parseRetryAfter reads a Retry-After value in seconds (Shopify sends
// fractional seconds such as "2.0") or as an HTTP date. Unparseable or
// past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	}
	return min(max(d, 0), maxRetryAfter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redactQuery drops the query string from logged and reported URLs.
func redactQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
