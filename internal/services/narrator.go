package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/validation"
	"github.com/tessira/cartwright/pkg/models"
)

// maxComparisonItems bounds how many products a comparison narrative
// spotlights.
const maxComparisonItems = 3

// ComparisonResult carries the rendered narrative and the ids of the
// products it spotlighted.
type ComparisonResult struct {
	Narrative   string
	SelectedIDs []string
}

type comparisonNarrative struct {
	Narrative   string   `json:"narrative"`
	SelectedIDs []string `json:"selected_ids"`
}

const comparisonSystemPrompt = `You compare shortlisted products for a shopper.
Reply with JSON: {"narrative": "...", "selected_ids": ["...", ...]}.
Pick 2 or 3 standout products. Format the narrative exactly as:
one block per product starting with "•" and the product name in **bold**,
then one spec line, then one or two sentences tying it to the question;
a blank line between blocks; a final line starting with "Best pick:".
Refer to products by name only. Never output ids.`

// ComparisonNarrator turns the session's recommendation snapshot into a
// comparison answer. The LLM writes the prose; a deterministic table
// renders when it cannot.
type ComparisonNarrator struct {
	llm    StructuredLLM
	logger *logrus.Logger
}

func NewComparisonNarrator(llmClient StructuredLLM, logger *logrus.Logger) *ComparisonNarrator {
	return &ComparisonNarrator{llm: llmClient, logger: logger}
}

// Compare narrates up to three standouts from the slim records against
// the user's question.
func (n *ComparisonNarrator) Compare(ctx context.Context, domain, question string, items []models.SlimProduct) *ComparisonResult {
	if len(items) == 0 {
		return &ComparisonResult{Narrative: "There is nothing on the shortlist to compare yet. Ask for recommendations first."}
	}

	shortlist := standouts(items)

	if n.llm != nil {
		var out comparisonNarrative
		user := fmt.Sprintf("Domain: %s\nQuestion: %s\nProducts:\n%s",
			domain, question, specSheet(shortlist))
		if err := n.llm.CompleteJSON(ctx, comparisonSystemPrompt, user, validation.SchemaComparisonNarrative, &out); err == nil {
			return &ComparisonResult{
				Narrative:   out.Narrative,
				SelectedIDs: resolveSelectedIDs(out.SelectedIDs, shortlist),
			}
		} else {
			n.logger.WithError(err).Warn("Comparison narrative LLM call failed, rendering table fallback")
		}
	}

	return n.tableFallback(shortlist)
}

// standouts picks the top-ranked distinct products, at most three.
func standouts(items []models.SlimProduct) []models.SlimProduct {
	sorted := make([]models.SlimProduct, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].Score > sorted[j].Score
	})

	seen := make(map[string]bool, maxComparisonItems)
	out := make([]models.SlimProduct, 0, maxComparisonItems)
	for _, item := range sorted {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
		if len(out) == maxComparisonItems {
			break
		}
	}
	return out
}

// specSheet serialises the shortlist for the prompt. Ids appear only in
// the reference column the model echoes back in selected_ids.
func specSheet(items []models.SlimProduct) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("id=%s | %s | %s\n", item.ID, item.Name, specLine(item)))
	}
	return sb.String()
}

func specLine(item models.SlimProduct) string {
	parts := make([]string, 0, 4)
	if item.Brand != "" {
		parts = append(parts, item.Brand)
	}
	parts = append(parts, fmt.Sprintf("$%.0f", float64(item.PriceCents)/100))

	keys := make([]string, 0, len(item.Specs))
	for k := range item.Specs {
		if k == "vin" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ReplaceAll(k, "_", " "), item.Specs[k]))
	}
	return strings.Join(parts, ", ")
}

// resolveSelectedIDs keeps only ids that belong to the shortlist,
// falling back to the shortlist itself when the model returned none.
func resolveSelectedIDs(ids []string, shortlist []models.SlimProduct) []string {
	valid := make(map[string]bool, len(shortlist))
	for _, item := range shortlist {
		valid[item.ID] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if valid[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		for _, item := range shortlist {
			out = append(out, item.ID)
		}
	}
	return out
}

// tableFallback renders the fixed block format deterministically.
func (n *ComparisonNarrator) tableFallback(shortlist []models.SlimProduct) *ComparisonResult {
	var sb strings.Builder
	ids := make([]string, 0, len(shortlist))
	for i, item := range shortlist {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("• **%s**\n%s\nRanked #%d on your shortlist.", item.Name, specLine(item), item.Rank))
		ids = append(ids, item.ID)
	}
	if len(shortlist) > 0 {
		sb.WriteString(fmt.Sprintf("\n\nBest pick: %s, the strongest overall match for your filters.", shortlist[0].Name))
	}
	return &ComparisonResult{Narrative: sb.String(), SelectedIDs: ids}
}
