package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// PlanMappingRepo is the local identity table joining a configured
// productId (and interval, for prices) to the provider object id. The empty
// interval row holds the product.
type PlanMappingRepo struct {
	db DBTX
}

func NewPlanMappingRepo(db DBTX) *PlanMappingRepo {
	return &PlanMappingRepo{db: db}
}

func (r *PlanMappingRepo) GetPlanMapping(ctx context.Context, productID string, interval types.PriceInterval) (string, bool, error) {
	var providerID string
	err := r.db.QueryRow(ctx,
		`SELECT provider_id FROM plan_mappings WHERE product_id = $1 AND interval = $2`,
		productID, string(interval),
	).Scan(&providerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to read plan mapping", err)
	}
	return providerID, true, nil
}

func (r *PlanMappingRepo) SavePlanMapping(ctx context.Context, productID string, interval types.PriceInterval, providerID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO plan_mappings (product_id, interval, provider_id, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (product_id, interval) DO UPDATE
		   SET provider_id = EXCLUDED.provider_id,
		       updated_at = NOW()`,
		productID, string(interval), providerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save plan mapping", err)
	}
	return nil
}

// DeletePlanMappings forgets every mapping, forcing the next sync to search
// the provider again.
func (r *PlanMappingRepo) DeletePlanMappings(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM plan_mappings`)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete plan mappings", err)
	}
	return tag.RowsAffected(), nil
}
