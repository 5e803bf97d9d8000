package directory

import (
	"context"
	"errors"
	"testing"

	"fleetops/internal/models"
)

const testDirectory = `
actors:
  - id: fleet-manager-1
    role: Requester
    contact:
      email: fm1@example.com
  - id: tow-berlin
    role: Provider
    contact:
      topic: providers.tow-berlin
    profile:
      capabilities: [towing, roadside assistance]
      base: {lat: 52.52, lng: 13.405}
      coverage_km: 60
      available: true
  - id: installer-munich
    role: Provider
    profile:
      capabilities: [tracking device installation]
      available: false
`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(testDirectory))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tow, err := d.ResolveActor(ctx, "tow-berlin")
	if err != nil {
		t.Fatal(err)
	}
	if !tow.IsProvider() || tow.Profile.ProviderId != "tow-berlin" || tow.Profile.CoverageKm != 60 {
		t.Errorf("Unexpected provider: %+v", tow)
	}
	if tow.Profile.Base == nil || tow.Profile.Base.Lat != 52.52 {
		t.Errorf("Expected base location, got %v", tow.Profile.Base)
	}

	providers, err := d.Providers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 2 || providers[0].Id != "tow-berlin" {
		t.Errorf("Expected 2 providers in file order, got %+v", providers)
	}

	_, err = d.ResolveActor(ctx, "nobody")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":   "actors:\n  - role: Provider\n",
		"unknown role": "actors:\n  - id: a\n    role: Admin\n",
		"duplicate":    "actors:\n  - id: a\n    role: Provider\n  - id: a\n    role: Requester\n",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}
