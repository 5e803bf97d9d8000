package config

import (
	"fmt"
	"os"
	"text/template"

	"fleetops/internal/models"

	"gopkg.in/yaml.v3"
)

// DefaultPolicies is used when no policies file is configured.
func DefaultPolicies() models.Policies {
	return models.Policies{
		Default: models.CategoryPolicy{
			Templates: map[models.EventType]string{},
		},
	}
}

// LoadPolicies reads per-category policies from a YAML file. An empty path
// yields DefaultPolicies.
func LoadPolicies(path string) (models.Policies, error) {
	if len(path) == 0 {
		return DefaultPolicies(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Policies{}, fmt.Errorf("config.LoadPolicies: %w", err)
	}

	return ParsePolicies(data)
}

func ParsePolicies(data []byte) (models.Policies, error) {
	policies := DefaultPolicies()

	err := yaml.Unmarshal(data, &policies)
	if err != nil {
		return models.Policies{}, fmt.Errorf("config.ParsePolicies: %w", err)
	}

	for i, c := range policies.Categories {
		if len(c.Category) == 0 {
			return models.Policies{}, fmt.Errorf("config.ParsePolicies: category #%d has empty name", i)
		}
		err = checkTemplates(c)
		if err != nil {
			return models.Policies{}, fmt.Errorf("config.ParsePolicies: category '%s': %w", c.Category, err)
		}
	}

	err = checkTemplates(policies.Default)
	if err != nil {
		return models.Policies{}, fmt.Errorf("config.ParsePolicies: default policy: %w", err)
	}

	return policies, nil
}

func checkTemplates(c models.CategoryPolicy) error {
	for t, src := range c.Templates {
		if !validEventType(t) {
			return fmt.Errorf("template for unknown event '%s'", t)
		}
		_, err := template.New(string(t)).Parse(src)
		if err != nil {
			return err
		}
	}
	return nil
}

func validEventType(t models.EventType) bool {
	switch t {
	case models.EventRequestCreated, models.EventOfferSubmitted, models.EventOfferWithdrawn,
		models.EventRequestAssigned, models.EventOfferRejected, models.EventRequestStarted,
		models.EventRequestCompleted, models.EventRequestCancelled, models.EventRequestDeclined:
		return true
	default:
		return false
	}
}
