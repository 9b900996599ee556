package services

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/tessira/cartwright/pkg/models"
)

// PriceRange holds parsed dollar bounds; MaxDollars 0 means unbounded.
type PriceRange struct {
	MinDollars float64
	MaxDollars float64
}

// ParsedQuery is the structured view of one free-text turn. Signal
// count drives the interview bypass: two or more extracted constraints
// mean the user already knows what they want.
type ParsedQuery struct {
	Raw           string
	Normalized    string
	Tokens        []string
	ExpandedTerms []string

	Brand     string
	GPUVendor string
	CPUVendor string
	Color     string
	UseCase   string
	TypeHint  string
	Price     *PriceRange

	SignalCount int
	IsGreeting  bool
}

// QueryParser corrects typos, expands synonyms, and lifts structured
// constraints out of free text. All tables are immutable after New.
type QueryParser struct {
	logger *logrus.Logger
}

func NewQueryParser(logger *logrus.Logger) *QueryParser {
	return &QueryParser{logger: logger}
}

var typoCorrections = map[string]string{
	"labtop":   "laptop",
	"latop":    "laptop",
	"lapto":    "laptop",
	"notbook":  "notebook",
	"gamming":  "gaming",
	"gamin":    "gaming",
	"vehical":  "vehicle",
	"vehcle":   "vehicle",
	"suvv":     "suv",
	"bugdet":   "budget",
	"buget":    "budget",
	"recomend": "recommend",
}

var synonymTable = map[string][]string{
	"laptop":  {"notebook", "ultrabook", "portable computer"},
	"desktop": {"tower", "gaming pc"},
	"gaming":  {"gamer", "game", "games"},
	"cheap":   {"budget", "affordable", "inexpensive"},
	"car":     {"vehicle", "auto", "automobile"},
	"suv":     {"crossover", "sport utility"},
	"book":    {"novel", "title", "read"},
	"fast":    {"quick", "powerful", "performance"},
	"light":   {"lightweight", "portable", "thin"},
}

// Brand tables double as canonicalisers: lowercase aliases map to the
// catalog spelling.
var brandAliases = map[string]string{
	"apple": "Apple", "mac": "Apple", "macbook": "Apple",
	"dell": "Dell", "alienware": "Dell",
	"lenovo": "Lenovo", "thinkpad": "Lenovo",
	"hp": "HP", "asus": "ASUS", "acer": "Acer", "msi": "MSI",
	"toyota": "Toyota", "honda": "Honda", "ford": "Ford",
	"chevrolet": "Chevrolet", "chevy": "Chevrolet",
	"tesla": "Tesla", "bmw": "BMW", "subaru": "Subaru",
}

var gpuVendorCues = map[string]string{
	"nvidia": "NVIDIA", "rtx": "NVIDIA", "gtx": "NVIDIA", "geforce": "NVIDIA",
	"radeon": "AMD",
}

var cpuVendorCues = map[string]string{
	"intel": "Intel", "i5": "Intel", "i7": "Intel", "i9": "Intel",
	"ryzen": "AMD",
	"m1":    "Apple", "m2": "Apple", "m3": "Apple",
}

var colorTerms = []string{
	"black", "white", "silver", "gray", "grey", "blue", "red", "pink",
	"green", "gold", "beige", "orange", "purple",
}

var useCaseTags = map[string]string{
	"gaming":   "gaming",
	"work":     "work",
	"business": "work",
	"school":   "school",
	"college":  "school",
	"creative": "creative",
	"editing":  "creative",
	"design":   "creative",
}

var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "sup": true,
	"good": true, "morning": true, "afternoon": true, "evening": true,
	"there": true, "thanks": true, "thank": true, "you": true,
}

var (
	priceRangeRegex = regexp.MustCompile(`\$?(\d[\d,]*\.?\d*k?)\s*(?:-|–|to)\s*\$?(\d[\d,]*\.?\d*k?)`)
	priceUnderRegex = regexp.MustCompile(`(?:under|below|less than|at most|up to|max|maximum)\s*\$?(\d[\d,]*\.?\d*k?)`)
	priceOverRegex  = regexp.MustCompile(`(?:over|above|more than|at least|min|minimum)\s*\$?(\d[\d,]*\.?\d*k?)`)
	priceBareRegex  = regexp.MustCompile(`\$(\d[\d,]*\.?\d*k?)|(\d[\d,]*\.?\d*k)\b|(\d[\d,]*)\s*(?:dollars|bucks)`)
	numberOnlyRegex = regexp.MustCompile(`^\$?\d[\d,]*\.?\d*k?$`)
)

// Parse normalises one turn of user text and extracts every structured
// constraint it can find.
func (qp *QueryParser) Parse(text string) ParsedQuery {
	pq := ParsedQuery{Raw: text}

	normalised := norm.NFC.String(strings.TrimSpace(strings.ToLower(text)))
	normalised = collapseWhitespace(normalised)

	tokens := tokenizeQuery(normalised)
	corrected := make([]string, len(tokens))
	for i, tok := range tokens {
		if fixed, ok := typoCorrections[tok]; ok {
			tok = fixed
		}
		corrected[i] = tok
	}
	pq.Tokens = corrected
	pq.Normalized = strings.Join(corrected, " ")

	seen := make(map[string]bool)
	for _, tok := range corrected {
		for _, syn := range synonymTable[tok] {
			if !seen[syn] {
				seen[syn] = true
				pq.ExpandedTerms = append(pq.ExpandedTerms, syn)
			}
		}
	}

	for _, tok := range corrected {
		if pq.Brand == "" {
			if brand, ok := brandAliases[tok]; ok {
				pq.Brand = brand
			}
		}
		if pq.GPUVendor == "" {
			if vendor, ok := gpuVendorCues[tok]; ok {
				pq.GPUVendor = vendor
			}
		}
		if pq.CPUVendor == "" {
			if vendor, ok := cpuVendorCues[tok]; ok {
				pq.CPUVendor = vendor
			}
		}
		if pq.UseCase == "" {
			if tag, ok := useCaseTags[tok]; ok {
				pq.UseCase = tag
			}
		}
		if pq.TypeHint == "" && (tok == "laptop" || tok == "desktop") {
			pq.TypeHint = tok
		}
		if pq.Color == "" {
			for _, color := range colorTerms {
				if tok == color {
					pq.Color = canonicalColor(color)
					break
				}
			}
		}
	}

	if min, max, ok := ParseBudgetText(pq.Normalized); ok {
		pq.Price = &PriceRange{MinDollars: min, MaxDollars: max}
	}

	pq.SignalCount = countSignals(pq)
	pq.IsGreeting = isGreeting(corrected)

	return pq
}

// ToFilters converts the extracted constraints into search filters for
// a domain, plus the tier each carries on the relaxation ladder.
// E-commerce domains get integer cents, vehicles raw-dollar strings
// unless centsEverywhere is set.
func (pq ParsedQuery) ToFilters(domain string, centsEverywhere bool) (map[string]interface{}, map[string]models.FilterTier) {
	filters := make(map[string]interface{})
	tiers := make(map[string]models.FilterTier)

	if pq.Brand != "" {
		key := "brand"
		if domain == "vehicles" {
			key = "make"
		}
		filters[key] = pq.Brand
		tiers[key] = models.TierRegular
	}
	if pq.GPUVendor != "" && domain == "laptops" {
		filters["gpu_vendor"] = pq.GPUVendor
		tiers["gpu_vendor"] = models.TierRegular
	}
	if pq.CPUVendor != "" && domain == "laptops" {
		filters["cpu_vendor"] = pq.CPUVendor
		tiers["cpu_vendor"] = models.TierRegular
	}
	if pq.Color != "" {
		filters["color"] = pq.Color
		tiers["color"] = models.TierInferred
	}
	if pq.UseCase != "" && domain == "laptops" {
		filters["use_case"] = pq.UseCase
		tiers["use_case"] = models.TierRegular
	}
	if pq.TypeHint != "" && domain == "laptops" {
		filters["product_type"] = pq.TypeHint
		tiers["product_type"] = models.TierInferred
	}
	if pq.Price != nil {
		applyPriceFilter(filters, domain, centsEverywhere, pq.Price.MinDollars, pq.Price.MaxDollars)
		if domain == "vehicles" && !centsEverywhere {
			tiers["price"] = models.TierRegular
		}
	}

	return filters, tiers
}

// Specific reports whether the query carries enough structure to skip
// the interview.
func (pq ParsedQuery) Specific() bool {
	return pq.SignalCount >= 2
}

// TooShort flags queries with no searchable content.
func (pq ParsedQuery) TooShort() bool {
	letters := 0
	for _, r := range pq.Normalized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	return letters < 2
}

// applyPriceFilter writes domain-appropriate price keys. min 0 with an
// unbounded max writes nothing.
func applyPriceFilter(filters map[string]interface{}, domain string, centsEverywhere bool, minDollars, maxDollars float64) {
	if domain == "vehicles" && !centsEverywhere {
		max := maxDollars
		if max == 0 {
			max = math.Inf(1)
		}
		if math.IsInf(max, 1) {
			filters["price"] = map[string]interface{}{"min": minDollars}
		} else {
			filters["price"] = rangeString(minDollars, max)
		}
		return
	}

	if minDollars > 0 {
		filters["price_min_cents"] = int64(minDollars * 100)
	}
	if maxDollars > 0 {
		filters["price_max_cents"] = int64(maxDollars * 100)
	}
}

func rangeString(lo, hi float64) string {
	return strconv.FormatFloat(lo, 'f', -1, 64) + "-" + strconv.FormatFloat(hi, 'f', -1, 64)
}

// ParseBudgetText parses dollar amounts from a budget utterance:
// "under 1500", "over 2k", "800-1500", "$1,200", "around 30k". A bare
// number is read as a cap. Returns (min, max, ok); max 0 means
// unbounded.
func ParseBudgetText(text string) (float64, float64, bool) {
	text = strings.ToLower(strings.TrimSpace(text))

	if m := priceRangeRegex.FindStringSubmatch(text); m != nil {
		lo, ok1 := parseDollarToken(m[1])
		hi, ok2 := parseDollarToken(m[2])
		if ok1 && ok2 && hi >= lo {
			return lo, hi, true
		}
	}
	if m := priceUnderRegex.FindStringSubmatch(text); m != nil {
		if ceiling, ok := parseDollarToken(m[1]); ok {
			return 0, ceiling, true
		}
	}
	if m := priceOverRegex.FindStringSubmatch(text); m != nil {
		if floor, ok := parseDollarToken(m[1]); ok {
			return floor, 0, true
		}
	}
	if numberOnlyRegex.MatchString(text) {
		if ceiling, ok := parseDollarToken(strings.TrimPrefix(text, "$")); ok {
			return 0, ceiling, true
		}
	}
	if m := priceBareRegex.FindStringSubmatch(text); m != nil {
		token := m[1]
		if token == "" {
			token = m[2]
		}
		if token == "" {
			token = m[3]
		}
		if ceiling, ok := parseDollarToken(token); ok {
			return 0, ceiling, true
		}
	}
	return 0, 0, false
}

// parseDollarToken reads "1500", "1,500", "1.5k", "35k".
func parseDollarToken(token string) (float64, bool) {
	token = strings.ReplaceAll(strings.TrimSpace(token), ",", "")
	multiplier := 1.0
	if strings.HasSuffix(token, "k") {
		multiplier = 1000
		token = strings.TrimSuffix(token, "k")
	}
	value, err := strconv.ParseFloat(token, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value * multiplier, true
}

func countSignals(pq ParsedQuery) int {
	count := 0
	for _, present := range []bool{
		pq.Brand != "", pq.GPUVendor != "", pq.CPUVendor != "",
		pq.Color != "", pq.UseCase != "", pq.TypeHint != "",
		pq.Price != nil,
	} {
		if present {
			count++
		}
	}
	return count
}

func isGreeting(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !greetingWords[tok] {
			return false
		}
	}
	return true
}

func canonicalColor(color string) string {
	if color == "grey" {
		color = "gray"
	}
	return strings.ToUpper(color[:1]) + color[1:]
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tokenizeQuery(s string) []string {
	raw := wordSplitRegex.Split(s, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimPrefix(tok, "$")
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
