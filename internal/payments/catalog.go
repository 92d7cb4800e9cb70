package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// ErrInvalidPackage is returned when a checkout references a package that
// does not exist or is no longer for sale
var ErrInvalidPackage = errors.New("invalid credit package")

// Catalog serves the purchasable credit packages
type Catalog struct {
	db     *sql.DB
	logger logging.Logger
}

// NewCatalog creates a new package catalog
func NewCatalog(database *sql.DB, log logging.Logger) *Catalog {
	return &Catalog{
		db:     database,
		logger: log,
	}
}

// Packages returns all active credit packages, cheapest first
func (c *Catalog) Packages(ctx context.Context) ([]models.CreditPackage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, credits, price_cents, currency, is_active
		FROM credit_packages
		WHERE is_active = true
		ORDER BY price_cents ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit packages: %w", err)
	}
	defer rows.Close()

	var packages []models.CreditPackage
	for rows.Next() {
		var p models.CreditPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &p.PriceCents, &p.Currency, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan credit package: %w", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credit packages: %w", err)
	}

	return packages, nil
}

// GetPackage looks up an active package by id
func (c *Catalog) GetPackage(ctx context.Context, id string) (*models.CreditPackage, error) {
	var p models.CreditPackage
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, credits, price_cents, currency, is_active
		FROM credit_packages
		WHERE id = $1 AND is_active = true
	`, id).Scan(&p.ID, &p.Name, &p.Credits, &p.PriceCents, &p.Currency, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidPackage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credit package: %w", err)
	}
	return &p, nil
}
