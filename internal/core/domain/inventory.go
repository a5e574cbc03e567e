package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the inventory-bearing catalog entry. CountInStock is the only
// field the order flow mutates.
type Product struct {
	ID           string
	Name         string
	Category     string
	Image        string
	Price        decimal.Decimal
	CountInStock int
	Version      int // optimistic locking
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Snapshot is what a reservation returns: the product as it stood at the
// moment its stock was taken.
type Snapshot struct {
	ProductID string
	Name      string
	Image     string
	Price     decimal.Decimal
}

func (p Product) Snapshot() Snapshot {
	return Snapshot{
		ProductID: p.ID,
		Name:      p.Name,
		Image:     p.Image,
		Price:     p.Price,
	}
}
