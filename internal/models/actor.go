package models

// Contact holds the delivery addresses a notification sink may use.
type Contact struct {
	Email string `json:"email,omitempty" yaml:"email"`
	Phone string `json:"phone,omitempty" yaml:"phone"`
	Topic string `json:"topic,omitempty" yaml:"topic"`
}

// ProviderProfile is the declared capability set used by the eligibility filter.
type ProviderProfile struct {
	ProviderId   string    `json:"providerId" yaml:"-"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Base         *GeoPoint `json:"base,omitempty" yaml:"base"`
	CoverageKm   float64   `json:"coverageKm,omitempty" yaml:"coverage_km"`
	Available    bool      `json:"available" yaml:"available"`
}

// Actor is what the directory knows about a user or provider.
type Actor struct {
	Id      string
	Role    ActorRole
	Contact Contact
	Profile ProviderProfile
}

func (a Actor) IsProvider() bool {
	return a.Role == RoleProvider
}
