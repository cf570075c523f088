// Package billing keeps the payment provider's product catalog aligned with
// the plan definitions this service is configured with, and serves the
// read-side view of active plans.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"billingsync/internal/types"
)

// Catalog is the provider product/price surface used by the Synchronizer.
// *external.StripeClient satisfies it.
type Catalog interface {
	SearchProducts(ctx context.Context, query string) ([]types.CatalogProduct, error)
	CreateProduct(ctx context.Context, params types.ProductParams) (*types.CatalogProduct, error)
	SearchPrices(ctx context.Context, query string) ([]types.CatalogPrice, error)
	CreatePrice(ctx context.Context, params types.PriceParams) (*types.CatalogPrice, error)
	ListActiveProducts(ctx context.Context) ([]types.CatalogProduct, error)
	ListActivePrices(ctx context.Context, providerProductID string) ([]types.CatalogPrice, error)
}

// MappingStore remembers which provider objects were resolved for a local
// product id (and interval, for prices). An empty interval keys the product.
type MappingStore interface {
	GetPlanMapping(ctx context.Context, productID string, interval types.PriceInterval) (providerID string, found bool, err error)
	SavePlanMapping(ctx context.Context, productID string, interval types.PriceInterval, providerID string) error
}

// SyncError reports which step of a synchronization run failed. The
// underlying error is usually a *types.AppError from the catalog client.
type SyncError struct {
	ProductID string
	Interval  types.PriceInterval
	Step      string
	Err       error
}

func (e *SyncError) Error() string {
	if e.Interval != "" {
		return fmt.Sprintf("plan sync failed at %s for %s/%s: %v", e.Step, e.ProductID, e.Interval, e.Err)
	}
	return fmt.Sprintf("plan sync failed at %s for %s: %v", e.Step, e.ProductID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Synchronizer reconciles plan definitions against the provider catalog.
type Synchronizer struct {
	catalog  Catalog
	mappings MappingStore
	logger   *slog.Logger

	// mu serialises SyncPlans so two runs in this process never race each
	// other into creating the same product.
	mu sync.Mutex

	group         singleflight.Group
	activeTimeout time.Duration
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMappingStore enables the local identity table. Mappings are consulted
// before searching the provider and written after every resolution.
func WithMappingStore(m MappingStore) Option {
	return func(s *Synchronizer) { s.mappings = m }
}

// WithActivePlansTimeout bounds the shared upstream fetch behind
// GetActivePlans. Defaults to 30s.
func WithActivePlansTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.activeTimeout = d }
}

func NewSynchronizer(catalog Catalog, logger *slog.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		catalog:       catalog,
		logger:        logger,
		activeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncPlans makes sure every plan has a provider product tagged with its
// productId and every price definition has a recurring price tagged with
// productId and interval. Existing objects are reused and never modified.
//
// The first failure aborts the run and is returned as a *SyncError; objects
// created before the failure are found again by the next run.
func (s *Synchronizer) SyncPlans(ctx context.Context, plans []types.PlanDefinition) (*types.PlansSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With("sync_run_id", uuid.NewString())
	logger.InfoContext(ctx, "plan sync started", "plans", len(plans))
	start := time.Now()

	result := &types.PlansSyncResult{Plans: make([]types.SyncedPlan, 0, len(plans))}
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return nil, &SyncError{ProductID: plan.ProductID, Step: "context", Err: err}
		}

		productID, created, err := s.ensureProduct(ctx, plan)
		if err != nil {
			logger.ErrorContext(ctx, "plan sync failed", "product_id", plan.ProductID, "error", err)
			return nil, err
		}
		if created {
			result.Created++
		} else {
			result.Unchanged++
		}

		synced := types.SyncedPlan{
			ProductID:         plan.ProductID,
			ProviderProductID: productID,
			Prices:            make([]types.SyncedPrice, 0, len(plan.Prices)),
		}
		for _, def := range plan.Prices {
			price, priceCreated, err := s.ensurePrice(ctx, plan.ProductID, productID, def)
			if err != nil {
				logger.ErrorContext(ctx, "plan sync failed",
					"product_id", plan.ProductID,
					"interval", def.Interval,
					"error", err,
				)
				return nil, err
			}
			if priceCreated {
				result.PricesCreated++
			} else {
				result.PricesReused++
			}
			synced.Prices = append(synced.Prices, price)
		}
		result.Plans = append(result.Plans, synced)
	}

	logger.InfoContext(ctx, "plan sync completed",
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"prices_created", result.PricesCreated,
		"prices_reused", result.PricesReused,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (s *Synchronizer) ensureProduct(ctx context.Context, plan types.PlanDefinition) (string, bool, error) {
	if plan.ProductID == "" {
		return "", false, &SyncError{
			Step: "validate",
			Err:  types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan is missing productId", nil),
		}
	}

	if id, ok, err := s.lookupMapping(ctx, plan.ProductID, ""); err != nil {
		return "", false, &SyncError{ProductID: plan.ProductID, Step: "product mapping lookup", Err: err}
	} else if ok {
		return id, false, nil
	}

	query := metadataClause(types.MetadataKeyProductID, plan.ProductID)
	found, err := s.catalog.SearchProducts(ctx, query)
	if err != nil {
		return "", false, &SyncError{ProductID: plan.ProductID, Step: "product search", Err: err}
	}
	if p := pickProduct(found); p != nil {
		return p.ID, false, s.saveMapping(ctx, plan.ProductID, "", p.ID)
	}

	metadata := make(map[string]string, len(plan.Metadata)+1)
	for k, v := range plan.Metadata {
		metadata[k] = v
	}
	metadata[types.MetadataKeyProductID] = plan.ProductID

	created, err := s.catalog.CreateProduct(ctx, types.ProductParams{
		Name:        plan.Name,
		Description: plan.Description,
		Metadata:    metadata,
	})
	if err != nil {
		return "", false, &SyncError{ProductID: plan.ProductID, Step: "product create", Err: err}
	}
	return created.ID, true, s.saveMapping(ctx, plan.ProductID, "", created.ID)
}

// ensurePrice resolves the provider price for def. The reported amount and
// currency always come from def, whichever path found the price.
func (s *Synchronizer) ensurePrice(ctx context.Context, productID, providerProductID string, def types.PriceDefinition) (types.SyncedPrice, bool, error) {
	synced := types.SyncedPrice{
		Interval: def.Interval,
		Amount:   def.Amount,
		Currency: def.CurrencyOrDefault(),
	}

	if id, ok, err := s.lookupMapping(ctx, productID, def.Interval); err != nil {
		return synced, false, &SyncError{ProductID: productID, Interval: def.Interval, Step: "price mapping lookup", Err: err}
	} else if ok {
		synced.ProviderPriceID = id
		return synced, false, nil
	}

	query := strings.Join([]string{
		"product:" + quoteSearchValue(providerProductID),
		metadataClause(types.MetadataKeyInterval, string(def.Interval)),
		metadataClause(types.MetadataKeyProductID, productID),
	}, " AND ")
	found, err := s.catalog.SearchPrices(ctx, query)
	if err != nil {
		return synced, false, &SyncError{ProductID: productID, Interval: def.Interval, Step: "price search", Err: err}
	}
	if p := pickPrice(found); p != nil {
		synced.ProviderPriceID = p.ID
		return synced, false, s.saveMapping(ctx, productID, def.Interval, p.ID)
	}

	created, err := s.catalog.CreatePrice(ctx, types.PriceParams{
		ProductID:     providerProductID,
		UnitAmount:    def.Amount,
		Currency:      synced.Currency,
		Interval:      def.Interval,
		IntervalCount: def.IntervalCountOrDefault(),
		Metadata: map[string]string{
			types.MetadataKeyProductID: productID,
			types.MetadataKeyInterval:  string(def.Interval),
		},
	})
	if err != nil {
		return synced, false, &SyncError{ProductID: productID, Interval: def.Interval, Step: "price create", Err: err}
	}
	synced.ProviderPriceID = created.ID
	return synced, true, s.saveMapping(ctx, productID, def.Interval, created.ID)
}

func (s *Synchronizer) lookupMapping(ctx context.Context, productID string, interval types.PriceInterval) (string, bool, error) {
	if s.mappings == nil {
		return "", false, nil
	}
	return s.mappings.GetPlanMapping(ctx, productID, interval)
}

func (s *Synchronizer) saveMapping(ctx context.Context, productID string, interval types.PriceInterval, providerID string) error {
	if s.mappings == nil {
		return nil
	}
	if err := s.mappings.SavePlanMapping(ctx, productID, interval, providerID); err != nil {
		return &SyncError{ProductID: productID, Interval: interval, Step: "mapping save", Err: err}
	}
	return nil
}

// pickProduct prefers an active match and falls back to the first result.
func pickProduct(found []types.CatalogProduct) *types.CatalogProduct {
	for i := range found {
		if found[i].Active {
			return &found[i]
		}
	}
	if len(found) > 0 {
		return &found[0]
	}
	return nil
}

func pickPrice(found []types.CatalogPrice) *types.CatalogPrice {
	for i := range found {
		if found[i].Active {
			return &found[i]
		}
	}
	if len(found) > 0 {
		return &found[0]
	}
	return nil
}

// metadataClause renders metadata['key']:'value' for the search query language.
func metadataClause(key, value string) string {
	return "metadata[" + quoteSearchValue(key) + "]:" + quoteSearchValue(value)
}

// quoteSearchValue single-quotes v, escaping backslashes and quotes.
func quoteSearchValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
