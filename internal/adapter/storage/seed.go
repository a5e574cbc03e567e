package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

type ProductSeeder interface {
	SeedProduct(ctx context.Context, p domain.Product) error
}

type seedProduct struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Image        string          `json:"image"`
	Price        decimal.Decimal `json:"price"`
	CountInStock int             `json:"countInStock"`
}

// LoadSeedFile reads a JSON array of products.
func LoadSeedFile(path string) ([]domain.Product, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var rows []seedProduct
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	products := make([]domain.Product, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" {
			return nil, fmt.Errorf("seed product %d: id is required", i)
		}
		if r.Price.IsNegative() || r.CountInStock < 0 {
			return nil, fmt.Errorf("seed product %s: price and countInStock must not be negative", r.ID)
		}
		if !domain.WholeCents(r.Price) {
			return nil, fmt.Errorf("seed product %s: price %s has more than two decimal places", r.ID, r.Price)
		}
		products = append(products, domain.Product{
			ID:           r.ID,
			Name:         r.Name,
			Category:     r.Category,
			Image:        r.Image,
			Price:        r.Price,
			CountInStock: r.CountInStock,
		})
	}
	return products, nil
}

func Seed(ctx context.Context, seeder ProductSeeder, products []domain.Product) error {
	for _, p := range products {
		if err := seeder.SeedProduct(ctx, p); err != nil {
			return fmt.Errorf("seed %s: %w", p.ID, err)
		}
	}
	return nil
}
