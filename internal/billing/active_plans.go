package billing

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"billingsync/internal/types"
)

// activePlansKey is the singleflight key for the catalog read.
const activePlansKey = "active-plans"

// priceFetchConcurrency caps parallel price listings per GetActivePlans call.
const priceFetchConcurrency = 4

// zeroDecimalCurrencies have no minor unit; amounts are already whole units.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

var intervalRank = map[types.PriceInterval]int{
	types.IntervalDay:   0,
	types.IntervalWeek:  1,
	types.IntervalMonth: 2,
	types.IntervalYear:  3,
}

// GetActivePlans lists active provider products tagged with a productId and
// their active prices. Concurrent callers share one upstream fetch; the
// returned slice is shared between them and must not be modified.
//
// The shared fetch is detached from the caller's cancellation and bounded by
// the active plans timeout instead, so one impatient caller cannot fail the
// others.
func (s *Synchronizer) GetActivePlans(ctx context.Context) ([]types.ActivePlan, error) {
	ch := s.group.DoChan(activePlansKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.activeTimeout)
		defer cancel()
		return s.fetchActivePlans(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]types.ActivePlan), nil
	}
}

func (s *Synchronizer) fetchActivePlans(ctx context.Context) ([]types.ActivePlan, error) {
	products, err := s.catalog.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}

	var tagged []types.CatalogProduct
	for _, p := range products {
		if p.Metadata[types.MetadataKeyProductID] != "" {
			tagged = append(tagged, p)
		}
	}

	plans := make([]types.ActivePlan, len(tagged))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(priceFetchConcurrency)
	for i, product := range tagged {
		g.Go(func() error {
			prices, err := s.catalog.ListActivePrices(gctx, product.ID)
			if err != nil {
				return err
			}
			plans[i] = toActivePlan(product, prices)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].ProductID < plans[j].ProductID })
	return plans, nil
}

func toActivePlan(product types.CatalogProduct, prices []types.CatalogPrice) types.ActivePlan {
	plan := types.ActivePlan{
		ProductID:         product.Metadata[types.MetadataKeyProductID],
		ProviderProductID: product.ID,
		Name:              product.Name,
		Description:       product.Description,
		Prices:            make([]types.ActivePrice, 0, len(prices)),
	}
	for _, p := range prices {
		if !p.Active {
			continue
		}
		interval, count := types.IntervalMonth, int64(1)
		if p.Recurring != nil {
			if p.Recurring.Interval != "" {
				interval = p.Recurring.Interval
			}
			if p.Recurring.IntervalCount > 0 {
				count = p.Recurring.IntervalCount
			}
		}
		plan.Prices = append(plan.Prices, types.ActivePrice{
			ProviderPriceID: p.ID,
			Interval:        interval,
			IntervalCount:   count,
			Amount:          p.UnitAmount,
			Currency:        p.Currency,
			DisplayAmount:   DisplayAmount(p.UnitAmount, p.Currency),
		})
	}
	sort.SliceStable(plan.Prices, func(i, j int) bool {
		a, b := plan.Prices[i], plan.Prices[j]
		if intervalRank[a.Interval] != intervalRank[b.Interval] {
			return intervalRank[a.Interval] < intervalRank[b.Interval]
		}
		return a.Amount < b.Amount
	})
	return plan
}

// DisplayAmount converts an amount in minor units to major units.
func DisplayAmount(minor int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}
