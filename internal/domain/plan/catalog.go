// Package plan holds the static catalog mapping purchasable credit packs to
// credit amounts.
package plan

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Plan maps a purchasable pack id to the credits it grants. Prices live with
// the payment processor; the catalog only resolves credit amounts.
type Plan struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	CreditAmount  int64  `yaml:"credit_amount" json:"credit_amount"`
	PriceCents    int64  `yaml:"price_cents" json:"price_cents"`
	Currency      string `yaml:"currency" json:"currency"`
	Recurring     bool   `yaml:"recurring" json:"recurring"`
	ProcessorRef  string `yaml:"processor_ref" json:"processor_ref"`
}

// Catalog is a read-only plan lookup. Safe for concurrent use after build.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog builds a catalog from the given plans. Duplicate ids are
// rejected.
func NewCatalog(plans []Plan) (*Catalog, error) {
	byID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan with empty id")
		}
		if p.CreditAmount <= 0 {
			return nil, fmt.Errorf("plan %s: credit_amount must be positive", p.ID)
		}
		if _, exists := byID[p.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id %s", p.ID)
		}
		byID[p.ID] = p
	}
	return &Catalog{plans: byID}, nil
}

// LoadCatalog reads a YAML plan catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	return NewCatalog(doc.Plans)
}

// LoadCatalogOrDefault loads the catalog from path. An empty path or a
// missing file yields the compiled-in default; any other load failure is
// returned, so a malformed catalog stops startup instead of silently
// crediting the default amounts.
func LoadCatalogOrDefault(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	cat, err := LoadCatalog(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// DefaultCatalog returns the built-in pack catalog.
func DefaultCatalog() *Catalog {
	cat, _ := NewCatalog([]Plan{
		{ID: "starter_pack", Name: "Starter", CreditAmount: 500, PriceCents: 500, Currency: "usd"},
		{ID: "pro_pack", Name: "Pro", CreditAmount: 1000, PriceCents: 900, Currency: "usd"},
		{ID: "studio_pack", Name: "Studio", CreditAmount: 5000, PriceCents: 3900, Currency: "usd"},
	})
	return cat
}

// Lookup resolves a plan by id.
func (c *Catalog) Lookup(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// List returns all plans ordered by id.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
