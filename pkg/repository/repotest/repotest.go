// Package repotest provides in-memory SQLite stores for tests.
package repotest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewStore returns a migrated store backed by a private in-memory database
// that is closed when the test ends.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	return repository.NewStore(OpenDB(t))
}

// OpenDB is NewStore's database, for tests that register gorm callbacks to
// interleave writes with the code under test.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := repository.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Once registers fn as a gorm callback that fires for the first statement
// whose destination is a T and for which match returns true.
func Once[T any](t testing.TB, processor interface {
	Register(name string, fn func(*gorm.DB)) error
}, name string, match func(db *gorm.DB, dest *T) bool, fn func(db *gorm.DB, dest *T)) {
	t.Helper()

	var fired atomic.Bool
	require.NoError(t, processor.Register(name, func(db *gorm.DB) {
		dest, ok := db.Statement.Dest.(*T)
		if !ok || fired.Load() || !match(db, dest) {
			return
		}
		fired.Store(true)
		fn(db, dest)
	}))
}

// SeedProduct inserts a product priced at price (a decimal string).
func SeedProduct(t testing.TB, store *repository.Store, name, price string, stock int) *models.Product {
	t.Helper()

	product := &models.Product{
		Name:  name,
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
	require.NoError(t, store.CreateProduct(context.Background(), product))
	return product
}

// Stock reads the product's current stock.
func Stock(t testing.TB, store *repository.Store, id uint) int {
	t.Helper()

	product, err := store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return product.Stock
}
