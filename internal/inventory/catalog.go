package inventory

import (
	"encoding/json"
	"sort"
	"sync"

	_ "embed"
)

// Material is one ingredient line of a recipe.
type Material struct {
	Tpl uint16 `json:"tpl"`
	Qty int    `json:"qty"`
}

// Recipe turns owned materials into a new item.
type Recipe struct {
	ID        uint32     `json:"id"`
	Name      string     `json:"name"`
	Tpl       uint16     `json:"tpl"`
	Level     uint16     `json:"level"`
	Quality   uint16     `json:"quality"`
	Materials []Material `json:"materials"`
}

// CatalogEntry is one line a vendor can stock.
type CatalogEntry struct {
	Tpl    uint16 `json:"tpl"`
	Price  uint32 `json:"price"`
	MinQty uint16 `json:"minQty"`
	MaxQty uint16 `json:"maxQty"`
}

// Vendor describes a shop and the lines it rolls stock from.
type Vendor struct {
	ID      uint32         `json:"id"`
	Name    string         `json:"name"`
	Entries []CatalogEntry `json:"entries"`
}

type catalog struct {
	Recipes []Recipe `json:"recipes"`
	Vendors []Vendor `json:"vendors"`
}

//go:embed catalog.json
var catalogPayload []byte

var (
	catalogOnce    sync.Once
	catalogRecipes map[uint32]Recipe
	catalogVendors map[uint32]Vendor
	catalogErr     error
)

func loadCatalog() error {
	catalogOnce.Do(func() {
		//1.- Parse the embedded tables once and index them by id.
		var c catalog
		if err := json.Unmarshal(catalogPayload, &c); err != nil {
			catalogErr = err
			return
		}
		catalogRecipes = make(map[uint32]Recipe, len(c.Recipes))
		for _, r := range c.Recipes {
			catalogRecipes[r.ID] = r
		}
		catalogVendors = make(map[uint32]Vendor, len(c.Vendors))
		for _, v := range c.Vendors {
			for i := range v.Entries {
				if v.Entries[i].MaxQty < v.Entries[i].MinQty {
					v.Entries[i].MaxQty = v.Entries[i].MinQty
				}
			}
			catalogVendors[v.ID] = v
		}
	})
	return catalogErr
}

// LookupRecipe returns the recipe registered under id.
func LookupRecipe(id uint32) (Recipe, bool) {
	if err := loadCatalog(); err != nil {
		panic(err)
	}
	r, ok := catalogRecipes[id]
	return r, ok
}

// LookupVendor returns the vendor registered under id.
func LookupVendor(id uint32) (Vendor, bool) {
	if err := loadCatalog(); err != nil {
		panic(err)
	}
	v, ok := catalogVendors[id]
	return v, ok
}

// Vendors lists every vendor sorted by id.
func Vendors() []Vendor {
	if err := loadCatalog(); err != nil {
		panic(err)
	}
	out := make([]Vendor, 0, len(catalogVendors))
	for _, v := range catalogVendors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
