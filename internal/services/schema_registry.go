package services

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/pkg/models"
)

// SchemaRegistry holds the static interview schemas plus the keyword
// cues used by the fast-path domain detector. Immutable after New.
type SchemaRegistry struct {
	schemas  map[string]*models.DomainSchema
	order    []string
	keywords map[string][]string
	logger   *logrus.Logger
}

var wordSplitRegex = regexp.MustCompile(`[^a-z0-9$]+`)

func NewSchemaRegistry(logger *logrus.Logger) *SchemaRegistry {
	r := &SchemaRegistry{
		schemas:  make(map[string]*models.DomainSchema),
		keywords: make(map[string][]string),
		logger:   logger,
	}
	r.register(vehiclesSchema(), []string{
		"car", "cars", "vehicle", "vehicles", "suv", "sedan", "truck", "coupe",
		"minivan", "hatchback", "convertible", "toyota", "honda", "ford", "drive",
		"mileage", "awd", "4x4",
	})
	r.register(laptopsSchema(), []string{
		"laptop", "laptops", "notebook", "ultrabook", "computer", "computers",
		"pc", "macbook", "chromebook", "desktop", "gpu", "nvidia", "ryzen",
	})
	r.register(booksSchema(), []string{
		"book", "books", "novel", "novels", "read", "reading", "author",
		"paperback", "hardcover", "fiction", "biography",
	})
	return r
}

func (r *SchemaRegistry) register(schema *models.DomainSchema, cues []string) {
	r.schemas[schema.ID] = schema
	r.order = append(r.order, schema.ID)
	r.keywords[schema.ID] = cues
}

// Get returns the schema for a domain id.
func (r *SchemaRegistry) Get(domain string) (*models.DomainSchema, error) {
	schema, ok := r.schemas[strings.ToLower(domain)]
	if !ok {
		return nil, ErrUnknownDomain
	}
	return schema, nil
}

// Domains lists the registered domain ids in registration order.
func (r *SchemaRegistry) Domains() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DetectDomain scores the text against each domain's keyword cues and
// returns the best-matching domain id, or "" when no cue fires. Ties
// break by registration order so detection stays deterministic.
func (r *SchemaRegistry) DetectDomain(text string) string {
	tokens := wordSplitRegex.Split(strings.ToLower(text), -1)
	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			present[tok] = true
		}
	}

	best, bestHits := "", 0
	for _, domain := range r.order {
		hits := 0
		for _, cue := range r.keywords[domain] {
			if present[cue] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = domain, hits
		}
	}
	return best
}

// CategoryFor maps a domain id to its catalog category, or "" for an
// unknown domain.
func (r *SchemaRegistry) CategoryFor(domain string) string {
	if schema, ok := r.schemas[strings.ToLower(domain)]; ok {
		return schema.Category
	}
	return ""
}

// DomainForCategory is the inverse mapping, used when a search filter
// arrives with a category but no session domain.
func (r *SchemaRegistry) DomainForCategory(category string) string {
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(r.schemas[id].Category, category) {
			return id
		}
	}
	return ""
}

func vehiclesSchema() *models.DomainSchema {
	return &models.DomainSchema{
		ID:          "vehicles",
		Category:    "Vehicles",
		Description: "Used and new cars, trucks, and SUVs",
		Slots: []models.PreferenceSlot{
			{
				Key:             "body_style",
				Label:           "Body style",
				Priority:        models.PriorityHigh,
				Description:     "The vehicle shape the buyer wants",
				ExampleQuestion: "What type of vehicle are you looking for?",
				QuickReplies:    []string{"SUV", "Sedan", "Truck", "Coupe"},
				AllowedValues:   []string{"SUV", "Sedan", "Truck", "Coupe", "Minivan", "Hatchback", "Convertible"},
			},
			{
				Key:             "price",
				Label:           "Budget",
				Priority:        models.PriorityHigh,
				Description:     "Total budget in dollars; ranges and caps both fine",
				ExampleQuestion: "What's your budget?",
				QuickReplies:    []string{"Under $20K", "$20K - $35K", "Over $35K"},
			},
			{
				Key:             "make",
				Label:           "Make",
				Priority:        models.PriorityMedium,
				Description:     "Preferred manufacturer, if any",
				ExampleQuestion: "Any preferred make?",
				QuickReplies:    []string{"Toyota", "Honda", "Ford", "No preference"},
			},
			{
				Key:             "fuel_type",
				Label:           "Fuel type",
				Priority:        models.PriorityMedium,
				ExampleQuestion: "Gas, hybrid, or electric?",
				QuickReplies:    []string{"Gas", "Hybrid", "Electric"},
				AllowedValues:   []string{"Gas", "Hybrid", "Electric", "Diesel"},
			},
			{
				Key:         "features",
				Label:       "Must-have features",
				Priority:    models.PriorityLow,
				Description: "Free-text wishes like spacious or fuel efficient",
			},
		},
	}
}

func laptopsSchema() *models.DomainSchema {
	return &models.DomainSchema{
		ID:          "laptops",
		Category:    "Electronics",
		Description: "Laptops and personal computers",
		Slots: []models.PreferenceSlot{
			{
				Key:             "use_case",
				Label:           "Primary use",
				Priority:        models.PriorityHigh,
				Description:     "What the machine is mainly for",
				ExampleQuestion: "What will you mainly use it for?",
				QuickReplies:    []string{"Gaming", "Work", "School", "Creative"},
				AllowedValues:   []string{"gaming", "work", "school", "creative", "general"},
			},
			{
				Key:             "price",
				Label:           "Budget",
				Priority:        models.PriorityHigh,
				Description:     "Budget in dollars",
				ExampleQuestion: "What's your budget?",
				QuickReplies:    []string{"Under $800", "$800 - $1500", "Over $1500"},
			},
			{
				Key:             "brand",
				Label:           "Brand",
				Priority:        models.PriorityMedium,
				ExampleQuestion: "Any preferred brand?",
				QuickReplies:    []string{"Apple", "Dell", "Lenovo", "HP"},
			},
			{
				Key:         "features",
				Label:       "Must-have features",
				Priority:    models.PriorityLow,
				Description: "Free-text wishes like long battery or light weight",
			},
		},
	}
}

func booksSchema() *models.DomainSchema {
	return &models.DomainSchema{
		ID:          "books",
		Category:    "Books",
		Description: "Print and digital books",
		Slots: []models.PreferenceSlot{
			{
				Key:             "genre",
				Label:           "Genre",
				Priority:        models.PriorityHigh,
				ExampleQuestion: "What do you like to read?",
				QuickReplies:    []string{"Fiction", "Mystery", "Sci-Fi", "Biography"},
			},
			{
				Key:             "price",
				Label:           "Budget",
				Priority:        models.PriorityMedium,
				ExampleQuestion: "What's your budget?",
				QuickReplies:    []string{"Under $15", "$15 - $30", "Over $30"},
			},
			{
				Key:             "author",
				Label:           "Author",
				Priority:        models.PriorityMedium,
				ExampleQuestion: "Any favourite authors?",
			},
			{
				Key:           "format",
				Label:         "Format",
				Priority:      models.PriorityLow,
				AllowedValues: []string{"Paperback", "Hardcover", "E-book"},
			},
		},
	}
}
