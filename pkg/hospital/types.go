package hospital

import "strings"

// DefaultName is used when the Core API cannot identify the hospital.
const DefaultName = "Wardline Medical Center"

// Intent is a caller need the hospital has enabled.
type Intent struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// Label returns the display name, falling back to the key.
func (i Intent) Label() string {
	if strings.TrimSpace(i.DisplayName) != "" {
		return i.DisplayName
	}
	return i.Key
}

// Department is a routable hospital unit.
type Department struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ServiceTypes []string `json:"serviceTypes"`
	PhoneNumber  string   `json:"phoneNumber,omitempty"`
}

// PhoneNumber maps a Twilio number to a hospital.
type PhoneNumber struct {
	TwilioPhoneNumber string `json:"twilioPhoneNumber"`
	Label             string `json:"label,omitempty"`
}

// Config is the read-only hospital snapshot a call is served with.
type Config struct {
	ID          string
	Name        string
	Intents     []Intent
	Departments []Department
	// Default marks the fallback identity used when lookup failed.
	Default bool
}

// Default returns the fallback identity. An empty name uses DefaultName.
func Default(name string) Config {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	return Config{Name: name, Default: true}
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (c Config) Clone() Config {
	out := c
	out.Intents = append([]Intent(nil), c.Intents...)
	out.Departments = make([]Department, 0, len(c.Departments))
	for _, d := range c.Departments {
		d.ServiceTypes = append([]string(nil), d.ServiceTypes...)
		out.Departments = append(out.Departments, d)
	}
	return out
}
