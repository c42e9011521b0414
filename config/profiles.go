package config

import (
	"fmt"
	"sort"
)

// DeviceProfile describes rendering geometry and typography the pagination
// sidecar lays text out for. Values are copied on Lookup and never mutated
// after registration.
type DeviceProfile struct {
	Name           string  `yaml:"name" json:"name"`
	ViewportWidth  int     `yaml:"viewport_width" json:"viewportWidth"`
	ViewportHeight int     `yaml:"viewport_height" json:"viewportHeight"`
	MarginTop      int     `yaml:"margin_top" json:"marginTop"`
	MarginRight    int     `yaml:"margin_right" json:"marginRight"`
	MarginBottom   int     `yaml:"margin_bottom" json:"marginBottom"`
	MarginLeft     int     `yaml:"margin_left" json:"marginLeft"`
	FontSizePx     float64 `yaml:"font_size_px" json:"fontSize"`
	LineHeight     float64 `yaml:"line_height" json:"lineHeight"`
	FontFamily     string  `yaml:"font_family" json:"fontFamily"`
}

// ProfileRegistry keeps known device profiles. It is constructed once at
// program start and passed by reference to call sites - there is no ambient
// global registry.
type ProfileRegistry struct {
	profiles map[string]DeviceProfile
}

// NewProfileRegistry returns registry seeded with built-in profiles.
func NewProfileRegistry() *ProfileRegistry {
	r := &ProfileRegistry{profiles: make(map[string]DeviceProfile)}
	for _, p := range builtinProfiles {
		r.profiles[p.Name] = p
	}
	return r
}

// Register adds or replaces a profile. Empty names are rejected.
func (r *ProfileRegistry) Register(p DeviceProfile) error {
	if len(p.Name) == 0 {
		return fmt.Errorf("device profile must have a name")
	}
	if p.ViewportWidth <= 0 || p.ViewportHeight <= 0 {
		return fmt.Errorf("device profile %q must have positive viewport dimensions", p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

// Lookup returns a copy of the named profile.
func (r *ProfileRegistry) Lookup(name string) (DeviceProfile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// Names returns sorted profile names, mostly for usage messages.
func (r *ProfileRegistry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var builtinProfiles = []DeviceProfile{
	{
		Name:           "phone-small",
		ViewportWidth:  360,
		ViewportHeight: 640,
		MarginTop:      24,
		MarginRight:    20,
		MarginBottom:   24,
		MarginLeft:     20,
		FontSizePx:     16,
		LineHeight:     1.4,
		FontFamily:     "serif",
	},
	{
		Name:           "phone-medium",
		ViewportWidth:  412,
		ViewportHeight: 824,
		MarginTop:      28,
		MarginRight:    24,
		MarginBottom:   28,
		MarginLeft:     24,
		FontSizePx:     18,
		LineHeight:     1.5,
		FontFamily:     "serif",
	},
	{
		Name:           "tablet",
		ViewportWidth:  768,
		ViewportHeight: 1024,
		MarginTop:      40,
		MarginRight:    48,
		MarginBottom:   40,
		MarginLeft:     48,
		FontSizePx:     20,
		LineHeight:     1.5,
		FontFamily:     "serif",
	},
}
