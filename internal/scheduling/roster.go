package scheduling

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// DefaultTimezone is used when a roster does not name one.
const DefaultTimezone = "Australia/Sydney"

const (
	defaultGranularityMins = 15
	defaultDurationMins    = 30
)

//go:embed default_roster.yaml
var defaultRosterYAML []byte

// Procedure is a bookable treatment.
type Procedure struct {
	Code           string  `yaml:"code" json:"code"`
	Name           string  `yaml:"name" json:"name"`
	Category       string  `yaml:"category" json:"category"`
	DurationMins   int     `yaml:"duration_mins" json:"duration_mins"`
	BaseValue      float64 `yaml:"base_value" json:"base_value"`
	PriorityWeight float64 `yaml:"priority_weight" json:"priority_weight"`
}

// Duration is the procedure length, defaulting to 30 minutes.
func (p Procedure) Duration() time.Duration {
	if p.DurationMins <= 0 {
		return defaultDurationMins * time.Minute
	}
	return time.Duration(p.DurationMins) * time.Minute
}

// UrgentValue is what a priority request for the procedure is worth when it
// competes for an occupied slot.
func (p Procedure) UrgentValue() float64 {
	return p.BaseValue * p.PriorityWeight
}

// Shift is one working interval in clinic-local wall time ("09:00").
type Shift struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	startMin, endMin int
}

// Dentist is a practitioner with weekly hours keyed by weekday ("mon".."sun").
type Dentist struct {
	ID         string             `yaml:"id" json:"id"`
	Name       string             `yaml:"name" json:"name"`
	Procedures []string           `yaml:"procedures" json:"procedures,omitempty"`
	Hours      map[string][]Shift `yaml:"hours" json:"-"`
}

// Performs reports whether the dentist does the procedure. An empty list means all.
func (d Dentist) Performs(code string) bool {
	if code == "" || len(d.Procedures) == 0 {
		return true
	}
	for _, p := range d.Procedures {
		if strings.EqualFold(p, code) {
			return true
		}
	}
	return false
}

func (d Dentist) shifts(day time.Weekday) []Shift {
	return d.Hours[weekdayKeys[day]]
}

var weekdayKeys = map[time.Weekday]string{
	time.Sunday: "sun", time.Monday: "mon", time.Tuesday: "tue", time.Wednesday: "wed",
	time.Thursday: "thu", time.Friday: "fri", time.Saturday: "sat",
}

// Roster is one clinic's calendar configuration.
type Roster struct {
	ClinicID        string      `yaml:"id"`
	Name            string      `yaml:"name"`
	Timezone        string      `yaml:"timezone"`
	GranularityMins int         `yaml:"granularity_mins"`
	APIKeys         []string    `yaml:"api_keys"`
	Dentists        []Dentist   `yaml:"dentists"`
	Procedures      []Procedure `yaml:"procedures"`
	Contact         Contact     `yaml:"contact"`

	loc *time.Location
}

// Contact is how the clinic signs patient notifications. Empty fields fall
// back to the deployment's sender settings.
type Contact struct {
	EmailFrom string `yaml:"email_from"`
	EmailName string `yaml:"email_name"`
	ReplyTo   string `yaml:"reply_to"`
	SMSFrom   string `yaml:"sms_from"`
}

// Location is the clinic time zone.
func (r *Roster) Location() *time.Location {
	if r.loc == nil {
		return time.UTC
	}
	return r.loc
}

// Granularity is the slot alignment step.
func (r *Roster) Granularity() time.Duration {
	return time.Duration(r.GranularityMins) * time.Minute
}

// Procedure looks up a procedure by code, case-insensitively.
func (r *Roster) Procedure(code string) (Procedure, bool) {
	for _, p := range r.Procedures {
		if strings.EqualFold(p.Code, code) {
			return p, true
		}
	}
	return Procedure{}, false
}

// Dentist looks up a dentist by id.
func (r *Roster) Dentist(id string) (Dentist, bool) {
	for _, d := range r.Dentists {
		if d.ID == id {
			return d, true
		}
	}
	return Dentist{}, false
}

func (r *Roster) normalize() error {
	if strings.TrimSpace(r.ClinicID) == "" {
		return fmt.Errorf("scheduling: roster: clinic id required")
	}
	if r.Timezone == "" {
		r.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return fmt.Errorf("scheduling: roster %s: timezone %q: %w", r.ClinicID, r.Timezone, err)
	}
	r.loc = loc
	if r.GranularityMins <= 0 {
		r.GranularityMins = defaultGranularityMins
	}
	seen := make(map[string]bool, len(r.Dentists))
	for i := range r.Dentists {
		d := &r.Dentists[i]
		if d.ID == "" || seen[d.ID] {
			return fmt.Errorf("scheduling: roster %s: dentist id %q missing or duplicated", r.ClinicID, d.ID)
		}
		seen[d.ID] = true
		normalized := make(map[string][]Shift, len(d.Hours))
		for day, shifts := range d.Hours {
			key := strings.ToLower(strings.TrimSpace(day))
			if len(key) > 3 {
				key = key[:3]
			}
			for j := range shifts {
				s := &shifts[j]
				if s.startMin, err = parseClock(s.Start); err != nil {
					return fmt.Errorf("scheduling: roster %s: dentist %s: %w", r.ClinicID, d.ID, err)
				}
				if s.endMin, err = parseClock(s.End); err != nil {
					return fmt.Errorf("scheduling: roster %s: dentist %s: %w", r.ClinicID, d.ID, err)
				}
				if s.endMin <= s.startMin {
					return fmt.Errorf("scheduling: roster %s: dentist %s: shift %s-%s ends before it starts", r.ClinicID, d.ID, s.Start, s.End)
				}
			}
			sort.Slice(shifts, func(a, b int) bool { return shifts[a].startMin < shifts[b].startMin })
			normalized[key] = append(normalized[key], shifts...)
		}
		d.Hours = normalized
	}
	for i := range r.Procedures {
		p := &r.Procedures[i]
		p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
		if p.DurationMins <= 0 {
			p.DurationMins = defaultDurationMins
		}
		if p.PriorityWeight == 0 {
			p.PriorityWeight = 1
		}
	}
	return nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Directory indexes the rosters of every clinic served by this process.
type Directory struct {
	clinics map[string]*Roster
	apiKeys map[string]string
	order   []string
}

type directoryFile struct {
	Clinics []*Roster `yaml:"clinics"`
}

// NewDirectory validates and indexes rosters.
func NewDirectory(rosters ...*Roster) (*Directory, error) {
	d := &Directory{clinics: make(map[string]*Roster), apiKeys: make(map[string]string)}
	for _, r := range rosters {
		if r == nil {
			continue
		}
		if err := r.normalize(); err != nil {
			return nil, err
		}
		if _, dup := d.clinics[r.ClinicID]; dup {
			return nil, fmt.Errorf("scheduling: duplicate clinic %s", r.ClinicID)
		}
		d.clinics[r.ClinicID] = r
		d.order = append(d.order, r.ClinicID)
		for _, key := range r.APIKeys {
			if key = strings.TrimSpace(key); key != "" {
				d.apiKeys[key] = r.ClinicID
			}
		}
	}
	if len(d.clinics) == 0 {
		return nil, fmt.Errorf("scheduling: no clinics configured")
	}
	return d, nil
}

// ParseDirectory decodes a YAML roster file with a top-level clinics list.
func ParseDirectory(data []byte) (*Directory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("scheduling: parse roster: %w", err)
	}
	return NewDirectory(file.Clinics...)
}

// LoadDirectory reads rosters from path, or the built-in demo roster when path is empty.
func LoadDirectory(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDirectory()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduling: read roster %s: %w", path, err)
	}
	return ParseDirectory(data)
}

// DefaultDirectory returns the built-in demo clinic.
func DefaultDirectory() (*Directory, error) {
	return ParseDirectory(defaultRosterYAML)
}

// Clinic returns the roster for a clinic id.
func (d *Directory) Clinic(id string) (*Roster, bool) {
	r, ok := d.clinics[id]
	return r, ok
}

// ClinicForAPIKey resolves a widget API key to its clinic id.
func (d *Directory) ClinicForAPIKey(key string) (string, bool) {
	id, ok := d.apiKeys[strings.TrimSpace(key)]
	return id, ok
}

// ClinicIDs lists clinics in file order.
func (d *Directory) ClinicIDs() []string {
	return append([]string(nil), d.order...)
}
