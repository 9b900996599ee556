package models

import "fmt"

// Product is the normalised catalog record shared by every domain.
// Price is stored in integer minor units (cents). Domain-specific
// attributes live in the typed sub-structs; anything else goes into
// the free-form Attributes map.
type Product struct {
	ID           string                 `json:"id" db:"id" validate:"required"`
	Name         string                 `json:"name" db:"name" validate:"required"`
	Brand        string                 `json:"brand,omitempty" db:"brand"`
	Category     string                 `json:"category" db:"category" validate:"required"`
	ProductType  string                 `json:"product_type,omitempty" db:"product_type"`
	PriceCents   int64                  `json:"price_cents" db:"price_cents" validate:"min=0"`
	AvailableQty int                    `json:"available_qty" db:"available_qty" validate:"min=0"`
	Attributes   map[string]interface{} `json:"attributes,omitempty" db:"attributes"`

	Vehicle *VehicleAttributes `json:"vehicle,omitempty"`
	Laptop  *LaptopAttributes  `json:"laptop,omitempty"`
	Book    *BookAttributes    `json:"book,omitempty"`
}

// VehicleAttributes mirrors the vehicles table, which is keyed by VIN
// and carries richer fields than the generic products table.
type VehicleAttributes struct {
	VIN           string  `json:"vin" db:"vin"`
	Make          string  `json:"make" db:"make"`
	Model         string  `json:"model" db:"model"`
	Year          int     `json:"year" db:"year"`
	Trim          string  `json:"trim,omitempty" db:"trim"`
	Mileage       int     `json:"mileage" db:"mileage"`
	BodyStyle     string  `json:"body_style,omitempty" db:"body_style"`
	FuelType      string  `json:"fuel_type,omitempty" db:"fuel_type"`
	Drivetrain    string  `json:"drivetrain,omitempty" db:"drivetrain"`
	Transmission  string  `json:"transmission,omitempty" db:"transmission"`
	ExteriorColor string  `json:"exterior_color,omitempty" db:"exterior_color"`
	InteriorColor string  `json:"interior_color,omitempty" db:"interior_color"`
	MPGCity       float64 `json:"mpg_city,omitempty" db:"mpg_city"`
	MPGHighway    float64 `json:"mpg_hwy,omitempty" db:"mpg_hwy"`
}

type LaptopAttributes struct {
	Processor     string  `json:"processor,omitempty" db:"processor"`
	RAMGB         int     `json:"ram_gb,omitempty" db:"ram_gb"`
	StorageGB     int     `json:"storage_gb,omitempty" db:"storage_gb"`
	ScreenSize    float64 `json:"screen_size,omitempty" db:"screen_size"`
	GPU           string  `json:"gpu,omitempty" db:"gpu"`
	GPUVendor     string  `json:"gpu_vendor,omitempty" db:"gpu_vendor"`
	Battery       string  `json:"battery,omitempty" db:"battery"`
	OS            string  `json:"os,omitempty" db:"os"`
	Weight        string  `json:"weight,omitempty" db:"weight"`
	RefreshRateHz int     `json:"refresh_rate_hz,omitempty" db:"refresh_rate_hz"`
}

type BookAttributes struct {
	Author string `json:"author,omitempty" db:"author"`
	Genre  string `json:"genre,omitempty" db:"genre"`
	Pages  int    `json:"pages,omitempty" db:"pages"`
	Format string `json:"format,omitempty" db:"format"`
}

// RankedProduct is a product with ranking metadata injected by one of
// the ranking methods. Score and Rank are always set; the remaining
// fields depend on the method that produced the ranking.
type RankedProduct struct {
	Product
	Score           float64  `json:"_score"`
	Rank            int      `json:"_rank"`
	SimilarityScore *float64 `json:"_similarity_score,omitempty"`
	DenseScore      *float64 `json:"_dense_score,omitempty"`
	PosScore        *float64 `json:"_pos_score,omitempty"`
	NegScore        *float64 `json:"_neg_score,omitempty"`
}

// SlimProduct is the compact form kept in session state so that
// compare and refine turns can be answered without a catalog re-fetch.
// Each record stays around 1 KB.
type SlimProduct struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Brand       string            `json:"brand,omitempty"`
	Category    string            `json:"category,omitempty"`
	ProductType string            `json:"product_type,omitempty"`
	PriceCents  int64             `json:"price_cents"`
	Specs       map[string]string `json:"specs,omitempty"`
	Score       float64           `json:"_score,omitempty"`
	Rank        int               `json:"_rank,omitempty"`
}

// Slim converts a ranked product into its session-resident form,
// folding the most useful per-domain fields into a flat spec map.
func (rp RankedProduct) Slim() SlimProduct {
	sp := SlimProduct{
		ID:          rp.ID,
		Name:        rp.Name,
		Brand:       rp.Brand,
		Category:    rp.Category,
		ProductType: rp.ProductType,
		PriceCents:  rp.PriceCents,
		Score:       rp.Score,
		Rank:        rp.Rank,
		Specs:       make(map[string]string),
	}

	switch {
	case rp.Vehicle != nil:
		v := rp.Vehicle
		sp.Specs["vin"] = v.VIN
		sp.Specs["year"] = fmt.Sprintf("%d", v.Year)
		sp.Specs["mileage"] = fmt.Sprintf("%d mi", v.Mileage)
		if v.BodyStyle != "" {
			sp.Specs["body_style"] = v.BodyStyle
		}
		if v.FuelType != "" {
			sp.Specs["fuel_type"] = v.FuelType
		}
		if v.Drivetrain != "" {
			sp.Specs["drivetrain"] = v.Drivetrain
		}
		if v.MPGCity > 0 {
			sp.Specs["mpg"] = fmt.Sprintf("%.0f city / %.0f hwy", v.MPGCity, v.MPGHighway)
		}
	case rp.Laptop != nil:
		l := rp.Laptop
		if l.Processor != "" {
			sp.Specs["processor"] = l.Processor
		}
		if l.RAMGB > 0 {
			sp.Specs["ram"] = fmt.Sprintf("%d GB", l.RAMGB)
		}
		if l.StorageGB > 0 {
			sp.Specs["storage"] = fmt.Sprintf("%d GB", l.StorageGB)
		}
		if l.GPU != "" {
			sp.Specs["gpu"] = l.GPU
		}
		if l.ScreenSize > 0 {
			sp.Specs["screen"] = fmt.Sprintf("%.1f\"", l.ScreenSize)
		}
		if l.Battery != "" {
			sp.Specs["battery"] = l.Battery
		}
	case rp.Book != nil:
		b := rp.Book
		if b.Author != "" {
			sp.Specs["author"] = b.Author
		}
		if b.Genre != "" {
			sp.Specs["genre"] = b.Genre
		}
		if b.Pages > 0 {
			sp.Specs["pages"] = fmt.Sprintf("%d", b.Pages)
		}
		if b.Format != "" {
			sp.Specs["format"] = b.Format
		}
	}

	return sp
}

// DimensionValue returns the product's value along a named
// diversification dimension, or nil when the product has no value
// there. Numerical dimensions return float64 so callers can bucket
// them uniformly.
func (p Product) DimensionValue(dimension string) interface{} {
	switch dimension {
	case "price", "price_cents":
		return float64(p.PriceCents)
	case "brand":
		if p.Brand == "" {
			return nil
		}
		return p.Brand
	case "category":
		return p.Category
	case "product_type":
		if p.ProductType == "" {
			return nil
		}
		return p.ProductType
	}

	if p.Vehicle != nil {
		switch dimension {
		case "make":
			return p.Vehicle.Make
		case "model":
			return p.Vehicle.Model
		case "year":
			if p.Vehicle.Year == 0 {
				return nil
			}
			return float64(p.Vehicle.Year)
		case "mileage":
			return float64(p.Vehicle.Mileage)
		case "body_style":
			return nonEmpty(p.Vehicle.BodyStyle)
		case "fuel_type":
			return nonEmpty(p.Vehicle.FuelType)
		case "drivetrain":
			return nonEmpty(p.Vehicle.Drivetrain)
		case "exterior_color":
			return nonEmpty(p.Vehicle.ExteriorColor)
		}
	}
	if p.Laptop != nil {
		switch dimension {
		case "processor":
			return nonEmpty(p.Laptop.Processor)
		case "ram_gb":
			if p.Laptop.RAMGB == 0 {
				return nil
			}
			return float64(p.Laptop.RAMGB)
		case "storage_gb":
			if p.Laptop.StorageGB == 0 {
				return nil
			}
			return float64(p.Laptop.StorageGB)
		case "gpu_vendor":
			return nonEmpty(p.Laptop.GPUVendor)
		case "os":
			return nonEmpty(p.Laptop.OS)
		case "screen_size":
			if p.Laptop.ScreenSize == 0 {
				return nil
			}
			return p.Laptop.ScreenSize
		}
	}
	if p.Book != nil {
		switch dimension {
		case "author":
			return nonEmpty(p.Book.Author)
		case "genre":
			return nonEmpty(p.Book.Genre)
		case "pages":
			if p.Book.Pages == 0 {
				return nil
			}
			return float64(p.Book.Pages)
		case "format":
			return nonEmpty(p.Book.Format)
		}
	}

	if v, ok := p.Attributes[dimension]; ok {
		return v
	}
	return nil
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// RecommendationGrid is the bucketed 2-D layout returned by the grid
// builder: rows of ranked products with parallel bucket labels and the
// dimension that was used to spread them.
type RecommendationGrid struct {
	Rows         [][]RankedProduct `json:"rows"`
	BucketLabels []string          `json:"bucket_labels"`
	Dimension    string            `json:"dimension"`
}
