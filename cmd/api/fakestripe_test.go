package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"billingsync/internal/types"
)

// fakeStripe is an in-memory stand-in for the product and price endpoints.
type fakeStripe struct {
	mu       sync.Mutex
	products []types.CatalogProduct
	prices   []types.CatalogPrice
	// failSearch makes product search answer 400.
	failSearch bool
	creates    int
}

func newFakeStripe(t *testing.T) (*fakeStripe, *httptest.Server) {
	t.Helper()
	f := &fakeStripe{}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer sk_test_") {
		writeStripeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/balance":
		writeStripeJSON(w, map[string]any{"object": "balance", "livemode": false})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/products/search":
		if f.failSearch {
			writeStripeError(w, http.StatusBadRequest, "search is unavailable")
			return
		}
		query := r.URL.Query().Get("query")
		var found []types.CatalogProduct
		for _, p := range f.products {
			if strings.Contains(query, "'"+p.Metadata[types.MetadataKeyProductID]+"'") {
				found = append(found, p)
			}
		}
		writeStripeList(w, found)

	case r.Method == http.MethodPost && r.URL.Path == "/v1/products":
		_ = r.ParseForm()
		f.creates++
		p := types.CatalogProduct{
			ID:          fmt.Sprintf("prod_%d", len(f.products)+1),
			Name:        r.PostForm.Get("name"),
			Description: r.PostForm.Get("description"),
			Active:      true,
			Metadata:    formMetadata(r),
		}
		f.products = append(f.products, p)
		writeStripeJSON(w, p)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/products":
		writeStripeList(w, f.products)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/prices/search":
		query := r.URL.Query().Get("query")
		var found []types.CatalogPrice
		for _, p := range f.prices {
			if strings.Contains(query, "'"+p.Product+"'") && strings.Contains(query, "'"+p.Metadata[types.MetadataKeyInterval]+"'") {
				found = append(found, p)
			}
		}
		writeStripeList(w, found)

	case r.Method == http.MethodPost && r.URL.Path == "/v1/prices":
		_ = r.ParseForm()
		f.creates++
		amount, _ := strconv.ParseInt(r.PostForm.Get("unit_amount"), 10, 64)
		count, _ := strconv.ParseInt(r.PostForm.Get("recurring[interval_count]"), 10, 64)
		p := types.CatalogPrice{
			ID:         fmt.Sprintf("price_%d", len(f.prices)+1),
			Product:    r.PostForm.Get("product"),
			Active:     true,
			Currency:   r.PostForm.Get("currency"),
			UnitAmount: amount,
			Recurring: &types.CatalogRecurring{
				Interval:      types.PriceInterval(r.PostForm.Get("recurring[interval]")),
				IntervalCount: count,
			},
			Metadata: formMetadata(r),
		}
		f.prices = append(f.prices, p)
		writeStripeJSON(w, p)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/prices":
		product := r.URL.Query().Get("product")
		var found []types.CatalogPrice
		for _, p := range f.prices {
			if p.Product == product {
				found = append(found, p)
			}
		}
		writeStripeList(w, found)

	default:
		writeStripeError(w, http.StatusNotFound, "unrecognized request URL")
	}
}

func formMetadata(r *http.Request) map[string]string {
	md := map[string]string{}
	for k, v := range r.PostForm {
		if strings.HasPrefix(k, "metadata[") && strings.HasSuffix(k, "]") {
			md[strings.TrimSuffix(strings.TrimPrefix(k, "metadata["), "]")] = v[0]
		}
	}
	return md
}

func writeStripeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStripeList[T any](w http.ResponseWriter, data []T) {
	if data == nil {
		data = []T{}
	}
	writeStripeJSON(w, map[string]any{"object": "list", "data": data, "has_more": false})
}

func writeStripeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": msg}})
}
