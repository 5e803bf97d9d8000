package models

import "strings"

// CategoryPolicy carries the per-category rules callers configure instead of
// hard-coding a flow per service type (towing, tracker install, freight...).
type CategoryPolicy struct {
	Category              string               `yaml:"category"`
	RequiredPayloadFields []string             `yaml:"required_payload_fields"`
	RequiredTermFields    []string             `yaml:"required_term_fields"`
	RequesterMayAdvance   bool                 `yaml:"requester_may_advance"`
	Templates             map[EventType]string `yaml:"templates"`
}

type Policies struct {
	Default    CategoryPolicy   `yaml:"default"`
	Categories []CategoryPolicy `yaml:"categories"`
}

// For returns the policy registered for category, falling back to Default.
// Category names compare case-insensitively.
func (p Policies) For(category string) CategoryPolicy {
	category = strings.TrimSpace(category)
	for _, c := range p.Categories {
		if strings.EqualFold(strings.TrimSpace(c.Category), category) {
			return c
		}
	}
	d := p.Default
	d.Category = category
	return d
}

// Template returns the configured message template for an event type, if any.
func (c CategoryPolicy) Template(t EventType) (string, bool) {
	tmpl, ok := c.Templates[t]
	return tmpl, ok && len(tmpl) > 0
}
