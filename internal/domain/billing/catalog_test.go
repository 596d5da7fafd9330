package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
)

func TestCachedCatalog_GetServiceReadsCurrentPrice(t *testing.T) {
	svc := &CatalogService{ID: uuid.New(), Name: "Consultation", Price: 100}
	backing := newMockCatalog(svc)
	c := NewCachedCatalog(backing, time.Minute)
	ctx := context.Background()

	got, err := c.GetService(ctx, svc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Price != 100 {
		t.Errorf("expected price 100, got %v", got.Price)
	}

	backing.mu.Lock()
	backing.services[svc.ID].Price = 120
	backing.mu.Unlock()

	got, err = c.GetService(ctx, svc.ID)
	if err != nil {
		t.Fatalf("get after price change: %v", err)
	}
	if got.Price != 120 {
		t.Errorf("expected the new price 120 without waiting for the ttl, got %v", got.Price)
	}
	if backing.gets != 2 {
		t.Errorf("expected every get to reach the backing catalog, got %d", backing.gets)
	}
}

func TestAddLine_SnapshotsPriceChangedInsideCacheTTL(t *testing.T) {
	f := newFixture()
	f.svc.catalog = NewCachedCatalog(f.catalog, time.Hour)

	if _, err := f.svc.catalog.ListServices(context.Background()); err != nil {
		t.Fatalf("warm listing: %v", err)
	}
	f.catalog.mu.Lock()
	f.catalog.services[f.consult.ID].Price = 150
	f.catalog.mu.Unlock()

	line, view := f.add(t, f.consult, 1)
	if line.UnitCost != 150 {
		t.Errorf("expected line to snapshot current price 150, got %v", line.UnitCost)
	}
	if view.TotalAmount != 150 {
		t.Errorf("expected total 150, got %v", view.TotalAmount)
	}
}

func TestCachedCatalog_MissNotCached(t *testing.T) {
	backing := newMockCatalog()
	c := NewCachedCatalog(backing, time.Minute)
	id := uuid.New()

	for i := 0; i < 2; i++ {
		if _, err := c.GetService(context.Background(), id); !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	}
	if backing.gets != 2 {
		t.Errorf("expected misses to reach the backing catalog, got %d reads", backing.gets)
	}
}

func TestCachedCatalog_ListServices(t *testing.T) {
	backing := newMockCatalog(&CatalogService{ID: uuid.New(), Name: "X-Ray", Price: 45.5})
	c := NewCachedCatalog(backing, time.Minute)

	for i := 0; i < 2; i++ {
		items, err := c.ListServices(context.Background())
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 1 {
			t.Errorf("expected 1 service, got %d", len(items))
		}
	}
	if backing.lists != 1 {
		t.Errorf("expected 1 backing list, got %d", backing.lists)
	}
}
