package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

// LoadPlans reads the plan catalog from BillingConfig. PlansJSON wins over
// PlansFile; with neither set the catalog is empty.
func LoadPlans(cfg BillingConfig) ([]types.PlanDefinition, error) {
	var raw []byte
	switch {
	case strings.TrimSpace(cfg.PlansJSON) != "":
		raw = []byte(cfg.PlansJSON)
	case cfg.PlansFile != "":
		data, err := os.ReadFile(cfg.PlansFile)
		if err != nil {
			return nil, &ConfigError{
				Type:    ErrPlans,
				Message: fmt.Sprintf("failed to read plans file %s", cfg.PlansFile),
				Err:     err,
			}
		}
		raw = data
	default:
		return nil, nil
	}
	return ParsePlans(raw)
}

// ParsePlans decodes and validates a JSON array of plan definitions. Unknown
// fields are rejected so a typo in a key does not silently drop a price.
func ParsePlans(raw []byte) ([]types.PlanDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var plans []types.PlanDefinition
	if err := dec.Decode(&plans); err != nil {
		return nil, &ConfigError{
			Type:    ErrPlans,
			Message: "plans must be a JSON array of plan definitions",
			Err:     err,
		}
	}

	if err := ValidatePlans(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// ValidatePlans checks field rules and that productId values are unique and
// each plan lists an interval at most once.
func ValidatePlans(plans []types.PlanDefinition) error {
	validate := validator.New()
	seen := make(map[string]int, len(plans))

	for i, plan := range plans {
		if err := validate.Struct(plan); err != nil {
			return &ConfigError{
				Type:    ErrPlans,
				Message: fmt.Sprintf("plan[%d] (%q) is invalid", i, plan.ProductID),
				Err:     err,
			}
		}
		if prev, dup := seen[plan.ProductID]; dup {
			return &ConfigError{
				Type:    ErrPlans,
				Message: fmt.Sprintf("plan[%d] duplicates productId %q from plan[%d]", i, plan.ProductID, prev),
			}
		}
		seen[plan.ProductID] = i

		intervals := make(map[types.PriceInterval]bool, len(plan.Prices))
		for _, price := range plan.Prices {
			if intervals[price.Interval] {
				return &ConfigError{
					Type:    ErrPlans,
					Message: fmt.Sprintf("plan %q lists interval %q more than once", plan.ProductID, price.Interval),
				}
			}
			intervals[price.Interval] = true
		}
	}
	return nil
}
