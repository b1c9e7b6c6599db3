package cart

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingAuditor struct {
	mu   sync.Mutex
	logs []*repository.AuditLog
}

func (a *recordingAuditor) CreateAuditLog(_ context.Context, log *repository.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	db      *gorm.DB
	store   *repository.Store
	auditor *recordingAuditor
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.OpenDB(t)
	store := repository.NewStore(db)
	logger := zaptest.NewLogger(t)
	auditor := &recordingAuditor{}
	return &fixture{
		db:      db,
		store:   store,
		auditor: auditor,
		svc:     NewService(store, NewResolver(store, auditor, logger), logger),
	}
}

func TestView_NoCartIsEmpty(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.View(context.Background(), Identity{SessionToken: "unknown"})

	require.NoError(t, err)
	assert.Empty(t, view.Items)
	assert.NotNil(t, view.Items)
	assert.True(t, view.Total.IsZero())
}

func TestAddItem_CreatesCartWithFreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.newToken = func() string { return "fresh-token" }
	product := repotest.SeedProduct(t, f.store, "Scarf", "15.00", 10)

	view, err := f.svc.AddItem(ctx, Identity{}, product.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", view.SessionToken)
	assert.Empty(t, view.UserID)

	again, err := f.svc.View(ctx, Identity{SessionToken: "fresh-token"})
	require.NoError(t, err)
	assert.Equal(t, view.ID, again.ID)
	require.Len(t, again.Items, 1)
	assert.True(t, decimal.RequireFromString("30").Equal(again.Total))
}

func TestAddItem_SameProductTwiceSumsOneLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Hat", "20.00", 10)
	id := Identity{SessionToken: "tok"}

	_, err := f.svc.AddItem(ctx, id, product.ID, 2)
	require.NoError(t, err)
	view, err := f.svc.AddItem(ctx, id, product.ID, 3)
	require.NoError(t, err)

	require.Len(t, view.Items, 1)
	assert.Equal(t, 5, view.Items[0].Quantity)
	assert.Equal(t, "Hat", view.Items[0].ProductName)
	assert.True(t, decimal.RequireFromString("100").Equal(view.Items[0].Subtotal))
	assert.True(t, decimal.RequireFromString("100").Equal(view.Total))
}

func TestAddItem_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Hat", "20.00", 3)
	id := Identity{SessionToken: "tok"}

	_, err := f.svc.AddItem(ctx, id, 999, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.AddItem(ctx, id, product.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.svc.AddItem(ctx, id, product.ID, 4)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	_, err = f.svc.AddItem(ctx, id, product.ID, 2)
	require.NoError(t, err)

	// existing 2 + requested 2 exceeds stock 3
	_, err = f.svc.AddItem(ctx, id, product.ID, 2)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, product.ID, appErr.ProductID)

	view, err := f.svc.View(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 2, view.Items[0].Quantity)
}

func TestAddItem_ConcurrentFirstAddsShareOneCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Sock", "3.00", 100)
	id := Identity{SessionToken: "shared"}

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(ctx, id, product.ID, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view, err := f.svc.View(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, workers, view.Items[0].Quantity)
}

// afterLookup runs fn once, right after the first lookup of a T that matches.
// fn writes through the fixture's own handle, as a concurrent request would.
func afterLookup[T any](t *testing.T, f *fixture, match func(db *gorm.DB, dest *T) bool, fn func(dest *T)) {
	t.Helper()
	repotest.Once(t, f.db.Callback().Query().After("gorm:query"), "test:after_lookup", match,
		func(_ *gorm.DB, dest *T) { fn(dest) })
}

func notFound[T any](db *gorm.DB, _ *T) bool {
	return errors.Is(db.Error, gorm.ErrRecordNotFound)
}

func TestAddItem_CartCreatedConcurrentlyIsReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Sock", "3.00", 10)

	winner := &models.Cart{SessionToken: "shared"}
	afterLookup(t, f, notFound[models.Cart], func(*models.Cart) {
		require.NoError(t, f.db.Create(winner).Error)
	})

	view, err := f.svc.AddItem(ctx, Identity{SessionToken: "shared"}, product.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, view.ID)

	var carts int64
	require.NoError(t, f.db.Model(&models.Cart{}).Count(&carts).Error)
	assert.Equal(t, int64(1), carts)
}

func TestAddItem_LineCreatedConcurrentlyIsIncremented(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sock := repotest.SeedProduct(t, f.store, "Sock", "3.00", 10)
	hat := repotest.SeedProduct(t, f.store, "Hat", "20.00", 10)
	id := Identity{SessionToken: "tok"}

	first, err := f.svc.AddItem(ctx, id, hat.ID, 1)
	require.NoError(t, err)

	afterLookup(t, f, notFound[models.CartItem], func(*models.CartItem) {
		require.NoError(t, f.db.Create(&models.CartItem{CartID: first.ID, ProductID: sock.ID, Quantity: 3}).Error)
	})

	view, err := f.svc.AddItem(ctx, id, sock.ID, 2)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, sock.ID, view.Items[1].ProductID)
	assert.Equal(t, 5, view.Items[1].Quantity)
}

func TestAddItem_IncrementRespectsStockChangedConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Sock", "3.00", 10)
	id := Identity{SessionToken: "tok"}

	_, err := f.svc.AddItem(ctx, id, product.ID, 4)
	require.NoError(t, err)

	// The line grows to 8 between the lookup and the increment.
	afterLookup(t, f, func(db *gorm.DB, dest *models.CartItem) bool { return db.Error == nil && dest.ID != 0 },
		func(dest *models.CartItem) {
			require.NoError(t, f.db.Model(&models.CartItem{}).Where("id = ?", dest.ID).Update("quantity", 8).Error)
		})

	_, err = f.svc.AddItem(ctx, id, product.ID, 4)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	view, err := f.svc.View(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 8, view.Items[0].Quantity)
}

func TestClaim_LostToConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Mitten", "9.00", 10)

	anon, err := f.svc.AddItem(ctx, Identity{SessionToken: "T"}, product.ID, 1)
	require.NoError(t, err)

	afterLookup(t, f, func(db *gorm.DB, dest *models.Cart) bool { return db.Error == nil && !dest.HasOwner() },
		func(dest *models.Cart) {
			require.NoError(t, f.db.Model(&models.Cart{}).Where("id = ?", dest.ID).Update("user_id", "V").Error)
		})

	_, err = f.svc.View(ctx, Identity{SessionToken: "T", UserID: "U"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	cart, err := f.store.GetCart(ctx, anon.ID)
	require.NoError(t, err)
	assert.True(t, cart.OwnedBy("V"))
	assert.Empty(t, f.auditor.logs)
}

func TestUpdateItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Bag", "40.00", 5)
	id := Identity{SessionToken: "tok"}

	view, err := f.svc.AddItem(ctx, id, product.ID, 2)
	require.NoError(t, err)
	itemID := view.Items[0].ID

	view, err = f.svc.UpdateItem(ctx, id, itemID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Items[0].Quantity)

	_, err = f.svc.UpdateItem(ctx, id, itemID, 6)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	view, err = f.svc.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Items[0].Quantity)

	view, err = f.svc.UpdateItem(ctx, id, itemID, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Items)

	_, err = f.svc.UpdateItem(ctx, id, itemID, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateItem_LineFromAnotherCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Bag", "40.00", 5)

	theirs, err := f.svc.AddItem(ctx, Identity{SessionToken: "theirs"}, product.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, Identity{SessionToken: "mine"}, product.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.UpdateItem(ctx, Identity{SessionToken: "mine"}, theirs.Items[0].ID, 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.RemoveItem(ctx, Identity{SessionToken: "mine"}, theirs.Items[0].ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.UpdateItem(ctx, Identity{SessionToken: "nobody"}, theirs.Items[0].ID, 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRemoveItemAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := repotest.SeedProduct(t, f.store, "A", "1.00", 5)
	b := repotest.SeedProduct(t, f.store, "B", "2.00", 5)
	id := Identity{SessionToken: "tok"}

	_, err := f.svc.AddItem(ctx, id, a.ID, 1)
	require.NoError(t, err)
	view, err := f.svc.AddItem(ctx, id, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)

	view, err = f.svc.RemoveItem(ctx, id, view.Items[0].ID)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, b.ID, view.Items[0].ProductID)

	view, err = f.svc.Clear(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Items)

	view, err = f.svc.Clear(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Items)

	view, err = f.svc.Clear(ctx, Identity{})
	require.NoError(t, err)
	assert.Empty(t, view.Items)
}

func TestClaim_AnonymousCartThenConflictingUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Mitten", "9.00", 10)

	anon, err := f.svc.AddItem(ctx, Identity{SessionToken: "T"}, product.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, anon.UserID)

	claimed, err := f.svc.View(ctx, Identity{SessionToken: "T", UserID: "U", UserEmail: "u@example.com"})
	require.NoError(t, err)
	assert.Equal(t, anon.ID, claimed.ID)
	assert.Equal(t, "U", claimed.UserID)
	assert.Equal(t, "u@example.com", claimed.UserEmail)
	require.Len(t, f.auditor.logs, 1)
	assert.Equal(t, repository.AuditClaimCart, f.auditor.logs[0].Action)

	_, err = f.svc.View(ctx, Identity{SessionToken: "T", UserID: "V"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.AddItem(ctx, Identity{SessionToken: "T", UserID: "V"}, product.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	cart, err := f.store.FindCartByToken(ctx, "T")
	require.NoError(t, err)
	assert.True(t, cart.OwnedBy("U"))

	// U is found by user id alone, without the token.
	own, err := f.svc.View(ctx, Identity{UserID: "U"})
	require.NoError(t, err)
	assert.Equal(t, anon.ID, own.ID)
}

func TestOwnedCart_RejectsAnonymousMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Glove", "7.00", 10)

	owned, err := f.svc.AddItem(ctx, Identity{SessionToken: "T", UserID: "U"}, product.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "U", owned.UserID)

	_, err = f.svc.UpdateItem(ctx, Identity{SessionToken: "T"}, owned.Items[0].ID, 2)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.Clear(ctx, Identity{SessionToken: "T"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	view, err := f.svc.View(ctx, Identity{SessionToken: "T"})
	require.NoError(t, err)
	assert.Zero(t, view.ID)
	assert.Empty(t, view.SessionToken)
	assert.Empty(t, view.UserID)
	assert.Empty(t, view.UserEmail)
	assert.Empty(t, view.Items)

	mine, err := f.svc.View(ctx, Identity{UserID: "U"})
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, 1, mine.Items[0].Quantity)
}

func TestResolve_UserCartPreferredOverToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := repotest.SeedProduct(t, f.store, "Pin", "1.00", 10)

	own, err := f.svc.AddItem(ctx, Identity{SessionToken: "own", UserID: "U"}, product.ID, 1)
	require.NoError(t, err)
	anon, err := f.svc.AddItem(ctx, Identity{SessionToken: "other"}, product.ID, 2)
	require.NoError(t, err)

	cart, err := f.svc.resolver.Resolve(ctx, Identity{SessionToken: "other", UserID: "U"})
	require.NoError(t, err)
	assert.Equal(t, own.ID, cart.ID)

	untouched, err := f.store.GetCart(ctx, anon.ID)
	require.NoError(t, err)
	assert.False(t, untouched.HasOwner())
	assert.Empty(t, f.auditor.logs)
}
