package store

import (
	"context"

	"rental-service/internal/models"
)

// GetModel retrieves a catalog model by ID
func (s *Store) GetModel(ctx context.Context, id int64) (*models.BikeModel, error) {
	var m models.BikeModel
	err := s.db.GetContext(ctx, &m, "SELECT * FROM bike_models WHERE id = $1", id)
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}
