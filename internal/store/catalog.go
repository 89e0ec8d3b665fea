package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dmansilva/stockhold/internal/domain"
	"gopkg.in/yaml.v3"
)

// Catalog is the inventory collaborator: the persistent product record
// store owned by the rest of the POS application. The reservation engine
// only ever reads total stock and the service-item flag, plus the hard
// decrement the checkout pipeline performs when a sale is finalized.
type Catalog interface {
	// TotalStock returns the catalog stock for a product.
	// Returns domain.ErrProductNotFound for unknown products.
	TotalStock(ctx context.Context, productID string) (int64, error)

	// IsService reports whether the product is a service-type item.
	// Service items have unlimited availability and bypass the ledger.
	IsService(ctx context.Context, productID string) (bool, error)

	// DecrementStock permanently reduces total stock (sale finalization)
	// and returns the new total.
	DecrementStock(ctx context.Context, productID string, quantity int64) (int64, error)

	// SetStock replaces a product's total stock (inventory correction)
	// and returns the new total.
	SetStock(ctx context.Context, productID string, total int64) (int64, error)
}

// Product is one catalog record.
type Product struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Stock   int64  `yaml:"stock" json:"stock"`
	Service bool   `yaml:"service,omitempty" json:"service,omitempty"`
}

// MemoryCatalog is a thread-safe in-memory Catalog, seedable from a YAML
// file for development and tests.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// NewMemoryCatalog creates an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[string]*Product)}
}

// catalogSeed is the YAML shape of a seed file.
type catalogSeed struct {
	Products []Product `yaml:"products"`
}

// LoadSeed reads a YAML seed file and registers its products.
func (c *MemoryCatalog) LoadSeed(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog seed: %w", err)
	}

	var seed catalogSeed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("failed to parse catalog seed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range seed.Products {
		p := seed.Products[i]
		if p.ID == "" {
			return fmt.Errorf("catalog seed: product %d has no id", i)
		}
		c.products[p.ID] = &p
	}
	return nil
}

// Put registers or replaces a product.
func (c *MemoryCatalog) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = &p
}

func (c *MemoryCatalog) TotalStock(_ context.Context, productID string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	return p.Stock, nil
}

func (c *MemoryCatalog) IsService(_ context.Context, productID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok {
		return false, domain.ErrProductNotFound
	}
	return p.Service, nil
}

func (c *MemoryCatalog) DecrementStock(_ context.Context, productID string, quantity int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	p.Stock -= quantity
	if p.Stock < 0 {
		p.Stock = 0
	}
	return p.Stock, nil
}

func (c *MemoryCatalog) SetStock(_ context.Context, productID string, total int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	p.Stock = total
	return p.Stock, nil
}

var (
	_ Catalog     = (*MemoryCatalog)(nil)
	_ LedgerStore = (*MemoryLedger)(nil)
	_ LedgerStore = (*RedisLedger)(nil)
)
