package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	stripe "github.com/stripe/stripe-go/v82"

	"billingsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// listPageSize is the page size for list endpoints (Stripe's maximum).
const listPageSize = 100

// maxListPages bounds pagination so a misbehaving upstream cannot loop us.
const maxListPages = 50

const userAgent = "billingsync/1.0"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient is the product/price catalog client used by plan
// synchronization. Calls go straight to the Stripe REST API through
// BaseClient so they share its breaker and retry policy.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient should carry a
// timeout; 20 seconds is what cmd/api uses.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), userAgent)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// SearchProducts runs a Stripe Search query against products and returns the
// first page of matches. Search is eventually consistent: a product created
// seconds ago may not be returned yet.
func (s *StripeClient) SearchProducts(ctx context.Context, query string) ([]types.CatalogProduct, error) {
	var result stripeList[types.CatalogProduct]
	if err := s.getJSON(ctx, "SearchProducts", "/v1/products/search", url.Values{"query": {query}}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// CreateProduct creates a product. Each call carries a fresh Idempotency-Key
// that BaseClient reuses across retries, so a timed-out attempt that did
// reach Stripe is not duplicated by the retry.
func (s *StripeClient) CreateProduct(ctx context.Context, params types.ProductParams) (*types.CatalogProduct, error) {
	form := url.Values{}
	form.Set("name", params.Name)
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	setMetadata(form, params.Metadata)

	var product types.CatalogProduct
	if err := s.postJSON(ctx, "CreateProduct", "/v1/products", form, &product); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "stripe product created",
		"provider_product_id", product.ID,
		"product_id", params.Metadata[types.MetadataKeyProductID],
	)
	return &product, nil
}

// SearchPrices runs a Stripe Search query against prices.
func (s *StripeClient) SearchPrices(ctx context.Context, query string) ([]types.CatalogPrice, error) {
	var result stripeList[types.CatalogPrice]
	if err := s.getJSON(ctx, "SearchPrices", "/v1/prices/search", url.Values{"query": {query}}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// CreatePrice creates a recurring price on an existing product.
func (s *StripeClient) CreatePrice(ctx context.Context, params types.PriceParams) (*types.CatalogPrice, error) {
	form := url.Values{}
	form.Set("product", params.ProductID)
	form.Set("unit_amount", strconv.FormatInt(params.UnitAmount, 10))
	form.Set("currency", params.Currency)
	form.Set("recurring[interval]", string(params.Interval))
	if params.IntervalCount > 0 {
		form.Set("recurring[interval_count]", strconv.FormatInt(params.IntervalCount, 10))
	}
	setMetadata(form, params.Metadata)

	var price types.CatalogPrice
	if err := s.postJSON(ctx, "CreatePrice", "/v1/prices", form, &price); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "stripe price created",
		"provider_price_id", price.ID,
		"provider_product_id", params.ProductID,
		"interval", params.Interval,
	)
	return &price, nil
}

// ListActiveProducts returns every active product, following starting_after
// cursors until has_more is false.
func (s *StripeClient) ListActiveProducts(ctx context.Context) ([]types.CatalogProduct, error) {
	params := url.Values{"active": {"true"}}
	return listAll(ctx, s, "ListActiveProducts", "/v1/products", params, func(p types.CatalogProduct) string { return p.ID })
}

// ListActivePrices returns every active price of one product.
func (s *StripeClient) ListActivePrices(ctx context.Context, providerProductID string) ([]types.CatalogPrice, error) {
	params := url.Values{
		"active":  {"true"},
		"product": {providerProductID},
	}
	return listAll(ctx, s, "ListActivePrices", "/v1/prices", params, func(p types.CatalogPrice) string { return p.ID })
}

// RetrieveBalance fetches the account balance and discards it. It is the
// cheapest authenticated call and serves as the startup connection check.
func (s *StripeClient) RetrieveBalance(ctx context.Context) error {
	var balance struct {
		Object   string `json:"object"`
		Livemode bool   `json:"livemode"`
	}
	if err := s.getJSON(ctx, "RetrieveBalance", "/v1/balance", nil, &balance); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "stripe connection verified", "livemode", balance.Livemode)
	return nil
}

// Name implements the health probe contract.
func (s *StripeClient) Name() string { return "stripe" }

// Check reports the circuit breaker state instead of calling Stripe, so
// health polling never spends API quota.
func (s *StripeClient) Check(_ context.Context) error {
	if s.base.State() == gobreaker.StateOpen {
		return types.NewAppError(types.ErrCodeUpstreamStripe, "stripe circuit breaker is open", nil)
	}
	return nil
}

// listAll walks a Stripe list endpoint.
func listAll[T any](ctx context.Context, s *StripeClient, operation, path string, params url.Values, idOf func(T) string) ([]T, error) {
	params.Set("limit", strconv.Itoa(listPageSize))

	var out []T
	for page := 0; page < maxListPages; page++ {
		var result stripeList[T]
		if err := s.getJSON(ctx, operation, path, params, &result); err != nil {
			return nil, err
		}
		out = append(out, result.Data...)
		if !result.HasMore || len(result.Data) == 0 {
			return out, nil
		}
		params.Set("starting_after", idOf(result.Data[len(result.Data)-1]))
	}
	return nil, types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: exceeded %d pages", operation, maxListPages),
		nil,
	)
}

func setMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) getJSON(ctx context.Context, operation, path string, params url.Values, out any) error {
	resp, err := s.doGet(ctx, path, params)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()
	return s.decodeResponse(resp, operation, out)
}

func (s *StripeClient) postJSON(ctx context.Context, operation, path string, form url.Values, out any) error {
	resp, err := s.doPost(ctx, path, form)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()
	return s.decodeResponse(resp, operation, out)
}

func (s *StripeClient) decodeResponse(resp *http.Response, operation string, out any) error {
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("%s: failed to decode Stripe response", operation),
			err,
		)
	}
	return nil
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated, idempotent POST with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	details := map[string]any{
		"stripe_type": stripeErr.Type,
		"stripe_code": stripeErr.Code,
	}
	if stripeErr.Param != "" {
		details["stripe_param"] = stripeErr.Param
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundRecord,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
			details,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
			details,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context. AppErrors
// from BaseClient (breaker open, retries exhausted) pass through unchanged.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// stripeList is the envelope shared by list and search endpoints.
type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}
