package sla

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

//go:embed default_sla.yaml
var defaultTableYAML []byte

// Duration accepts Go duration strings such as "24h" or "90m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type tableFile struct {
	Defaults    map[string]windowFile     `yaml:"defaults"`
	Departments map[string]departmentFile `yaml:"departments"`
	Ladders     map[string][]ruleFile     `yaml:"ladders"`
	Calendar    *calendarFile             `yaml:"calendar,omitempty"`
}

type windowFile struct {
	Ack        Duration `yaml:"ack"`
	Resolution struct {
		Min Duration `yaml:"min"`
		Max Duration `yaml:"max"`
	} `yaml:"resolution"`
}

type departmentFile struct {
	Name    string                `yaml:"name"`
	Windows map[string]windowFile `yaml:"windows"`
}

type ruleFile struct {
	Level          int      `yaml:"level"`
	Offset         Duration `yaml:"offset"`
	Authority      string   `yaml:"authority"`
	ResponseWindow Duration `yaml:"response_window"`
}

type calendarFile struct {
	Enabled     bool     `yaml:"enabled"`
	Timezone    string   `yaml:"timezone"`
	StartHour   int      `yaml:"start_hour"`
	EndHour     int      `yaml:"end_hour"`
	WorkingDays []string `yaml:"working_days"`
	Holidays    []string `yaml:"holidays"`
}

// Default returns the built-in table. It panics if the embedded file is
// malformed, which the package tests guard against.
func Default() *Table {
	t, err := Parse(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("sla: embedded table: %v", err))
	}
	return t
}

// Load reads a table from path, or returns the built-in table when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sla table %q: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse sla table %q: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	t := &Table{
		Defaults:    make(map[domain.ComplaintPriority]Window, len(f.Defaults)),
		Departments: make(map[string]DepartmentProfile, len(f.Departments)),
		Ladders:     make(map[domain.ComplaintPriority][]EscalationRule, len(f.Ladders)),
	}

	for raw, w := range f.Defaults {
		p, err := domain.ParsePriority(raw)
		if err != nil {
			return nil, fmt.Errorf("defaults: %q: %w", raw, err)
		}
		t.Defaults[p] = w.window()
	}

	for key, d := range f.Departments {
		profile := DepartmentProfile{Name: d.Name, Windows: make(map[domain.ComplaintPriority]Window, len(d.Windows))}
		if profile.Name == "" {
			profile.Name = key
		}
		for raw, w := range d.Windows {
			p, err := domain.ParsePriority(raw)
			if err != nil {
				return nil, fmt.Errorf("department %s: %q: %w", key, raw, err)
			}
			profile.Windows[p] = w.window()
		}
		t.Departments[NormalizeDepartment(key)] = profile
	}

	for raw, rules := range f.Ladders {
		p, err := domain.ParsePriority(raw)
		if err != nil {
			return nil, fmt.Errorf("ladders: %q: %w", raw, err)
		}
		ladder := make([]EscalationRule, 0, len(rules))
		for _, r := range rules {
			ladder = append(ladder, EscalationRule{
				Level:          r.Level,
				Offset:         time.Duration(r.Offset),
				Authority:      domain.Authority(strings.ToUpper(r.Authority)),
				ResponseWindow: time.Duration(r.ResponseWindow),
			})
		}
		t.Ladders[p] = ladder
	}

	if f.Calendar != nil && f.Calendar.Enabled {
		cal, err := f.Calendar.config()
		if err != nil {
			return nil, err
		}
		t.Calendar = cal
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (w windowFile) window() Window {
	return Window{
		Ack: time.Duration(w.Ack),
		Resolution: Range{
			Min: time.Duration(w.Resolution.Min),
			Max: time.Duration(w.Resolution.Max),
		},
	}
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (c calendarFile) config() (*CalendarConfig, error) {
	cfg := &CalendarConfig{
		Timezone:  c.Timezone,
		StartHour: c.StartHour,
		EndHour:   c.EndHour,
	}
	for _, day := range c.WorkingDays {
		key := strings.ToLower(strings.TrimSpace(day))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("calendar: unknown weekday %q", day)
		}
		cfg.WorkingDays = append(cfg.WorkingDays, wd)
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w", h, err)
		}
		cfg.Holidays = append(cfg.Holidays, h)
	}
	return cfg, nil
}
