// Package sla holds the service-level table that drives deadlines and the
// escalation ladder, plus the calculator that turns it into timestamps.
package sla

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// Range is a resolution window. Min binds; Max is the stretch target.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Window is the pair of durations applied for one priority.
type Window struct {
	Ack        time.Duration
	Resolution Range
}

// DepartmentProfile overrides windows for some priorities of a department.
type DepartmentProfile struct {
	Name    string
	Windows map[domain.ComplaintPriority]Window
}

// EscalationRule is one rung of the ladder. Offsets are cumulative: level n
// fires once the governing deadline is overdue by the sum of offsets 1..n.
type EscalationRule struct {
	Level          int
	Offset         time.Duration
	Authority      domain.Authority
	ResponseWindow time.Duration
}

// Table is read-only once constructed and safe for concurrent use.
type Table struct {
	Defaults    map[domain.ComplaintPriority]Window
	Departments map[string]DepartmentProfile
	Ladders     map[domain.ComplaintPriority][]EscalationRule
	Calendar    *CalendarConfig
}

// Source reports where a window came from.
type Source string

const (
	SourceDefault    Source = "default"
	SourceDepartment Source = "department"
)

// NormalizeDepartment produces the lookup key for a department name.
func NormalizeDepartment(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup returns the window for department and priority, falling back to the
// priority default when the department has no entry for it.
func (t *Table) Lookup(department string, priority domain.ComplaintPriority) (Window, Source, bool) {
	if profile, ok := t.Departments[NormalizeDepartment(department)]; ok {
		if w, ok := profile.Windows[priority]; ok {
			return w, SourceDepartment, true
		}
	}
	w, ok := t.Defaults[priority]
	return w, SourceDefault, ok
}

// Ladder returns the escalation rules for priority, ordered by level.
func (t *Table) Ladder(priority domain.ComplaintPriority) []EscalationRule {
	return t.Ladders[priority]
}

// Rule returns the rule for one level of priority's ladder.
func (t *Table) Rule(priority domain.ComplaintPriority, level int) (EscalationRule, bool) {
	for _, r := range t.Ladders[priority] {
		if r.Level == level {
			return r, true
		}
	}
	return EscalationRule{}, false
}

// WithDepartments returns a copy of t whose department profiles are merged
// with extra. Entries in extra replace same-named priorities.
func (t *Table) WithDepartments(extra map[string]DepartmentProfile) *Table {
	out := &Table{
		Defaults:    t.Defaults,
		Ladders:     t.Ladders,
		Calendar:    t.Calendar,
		Departments: make(map[string]DepartmentProfile, len(t.Departments)+len(extra)),
	}
	for k, v := range t.Departments {
		out.Departments[k] = v
	}
	for name, profile := range extra {
		key := NormalizeDepartment(name)
		merged := DepartmentProfile{Name: profile.Name, Windows: map[domain.ComplaintPriority]Window{}}
		if existing, ok := out.Departments[key]; ok {
			merged.Name = existing.Name
			for p, w := range existing.Windows {
				merged.Windows[p] = w
			}
		}
		for p, w := range profile.Windows {
			merged.Windows[p] = w
		}
		out.Departments[key] = merged
	}
	return out
}

// Validate checks the table is complete and internally consistent.
func (t *Table) Validate() error {
	var errs []error
	for _, p := range domain.Priorities {
		w, ok := t.Defaults[p]
		if !ok {
			errs = append(errs, fmt.Errorf("missing default window for %s", p))
			continue
		}
		if err := validateWindow(w); err != nil {
			errs = append(errs, fmt.Errorf("default %s: %w", p, err))
		}
		if err := validateLadder(t.Ladders[p]); err != nil {
			errs = append(errs, fmt.Errorf("ladder %s: %w", p, err))
		}
	}
	for name, profile := range t.Departments {
		for p, w := range profile.Windows {
			if !p.Valid() {
				errs = append(errs, fmt.Errorf("department %s: unknown priority %q", name, p))
				continue
			}
			if err := validateWindow(w); err != nil {
				errs = append(errs, fmt.Errorf("department %s %s: %w", name, p, err))
			}
		}
	}
	if t.Calendar != nil {
		if err := t.Calendar.validate(); err != nil {
			errs = append(errs, fmt.Errorf("calendar: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateWindow(w Window) error {
	switch {
	case w.Ack <= 0:
		return errors.New("ack must be positive")
	case w.Resolution.Min <= w.Ack:
		return errors.New("resolution minimum must exceed ack")
	case w.Resolution.Max != 0 && w.Resolution.Max < w.Resolution.Min:
		return errors.New("resolution maximum below minimum")
	}
	return nil
}

func validateLadder(rules []EscalationRule) error {
	if len(rules) != domain.MaxEscalationLevel {
		return fmt.Errorf("want %d levels, got %d", domain.MaxEscalationLevel, len(rules))
	}
	for i, r := range rules {
		if r.Level != i+1 {
			return fmt.Errorf("rule %d has level %d", i, r.Level)
		}
		if r.Offset <= 0 || r.ResponseWindow <= 0 {
			return fmt.Errorf("level %d: offset and response window must be positive", r.Level)
		}
		if r.Authority == "" {
			return fmt.Errorf("level %d: authority required", r.Level)
		}
	}
	return nil
}
