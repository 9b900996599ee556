package models

type SlotPriority string

const (
	PriorityHigh   SlotPriority = "HIGH"
	PriorityMedium SlotPriority = "MEDIUM"
	PriorityLow    SlotPriority = "LOW"
)

// PreferenceSlot is one question-worthy attribute of a domain. HIGH
// slots are always asked first; MEDIUM slots fill the remaining
// interview budget; LOW slots are extracted when volunteered but never
// asked about.
type PreferenceSlot struct {
	Key             string       `json:"key" validate:"required"`
	Label           string       `json:"label" validate:"required"`
	Priority        SlotPriority `json:"priority" validate:"required,oneof=HIGH MEDIUM LOW"`
	Description     string       `json:"description,omitempty"`
	ExampleQuestion string       `json:"example_question,omitempty"`
	QuickReplies    []string     `json:"quick_replies,omitempty"`

	// FilterKey maps the slot onto a search filter; empty means the
	// slot key is used as-is. AllowedValues, when non-empty, restricts
	// extraction to a closed set.
	FilterKey     string   `json:"filter_key,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// DomainSchema is the static per-domain interview definition. Schemas
// are registered at startup and never mutated afterwards.
type DomainSchema struct {
	ID          string           `json:"id" validate:"required"`
	Category    string           `json:"category" validate:"required"`
	Description string           `json:"description,omitempty"`
	Slots       []PreferenceSlot `json:"slots" validate:"required,dive"`
}

// SlotsByPriority returns the slots with the given priority in their
// registered order.
func (d DomainSchema) SlotsByPriority(p SlotPriority) []PreferenceSlot {
	var out []PreferenceSlot
	for _, s := range d.Slots {
		if s.Priority == p {
			out = append(out, s)
		}
	}
	return out
}

// Slot looks a slot up by key.
func (d DomainSchema) Slot(key string) (PreferenceSlot, bool) {
	for _, s := range d.Slots {
		if s.Key == key {
			return s, true
		}
	}
	return PreferenceSlot{}, false
}

// EffectiveFilterKey is the search-filter key a slot value lands
// under.
func (s PreferenceSlot) EffectiveFilterKey() string {
	if s.FilterKey != "" {
		return s.FilterKey
	}
	return s.Key
}
