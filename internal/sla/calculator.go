package sla

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// Method names how deadlines were counted.
type Method string

const (
	MethodContinuous    Method = "24_7_continuous"
	MethodBusinessHours Method = "business_hours_only"
)

// Deadlines is the calculator output for one complaint.
type Deadlines struct {
	Ack               time.Time
	Resolution        time.Time
	ResolutionStretch time.Time
	Source            Source
	Method            Method
}

// Calculator turns the table into concrete timestamps.
type Calculator struct {
	table    *Table
	business Calendar
}

// NewCalculator builds a calculator over table. When the table carries a
// calendar, non-critical deadlines are counted in business hours.
func NewCalculator(table *Table) (*Calculator, error) {
	c := &Calculator{table: table}
	if table.Calendar != nil {
		b, err := NewBusiness(*table.Calendar)
		if err != nil {
			return nil, fmt.Errorf("sla calendar: %w", err)
		}
		c.business = b
	}
	return c, nil
}

// Table exposes the table the calculator reads from.
func (c *Calculator) Table() *Table {
	return c.table
}

// ComputeDeadlines returns binding deadlines for a complaint. An empty
// department is rejected; an unrecognized one falls back to the defaults.
func (c *Calculator) ComputeDeadlines(department string, priority domain.ComplaintPriority, createdAt time.Time) (Deadlines, error) {
	if strings.TrimSpace(department) == "" {
		return Deadlines{}, &domain.UnknownDepartmentError{Department: department}
	}
	if !priority.Valid() {
		return Deadlines{}, fmt.Errorf("%w: %q", domain.ErrInvalidPriority, priority)
	}
	window, source, ok := c.table.Lookup(department, priority)
	if !ok {
		return Deadlines{}, fmt.Errorf("no sla window for %s", priority)
	}

	var cal Calendar = Continuous{}
	method := MethodContinuous
	if c.business != nil && priority != domain.PriorityCritical {
		cal = c.business
		method = MethodBusinessHours
	}

	out := Deadlines{
		Ack:        cal.Add(createdAt, window.Ack),
		Resolution: cal.Add(createdAt, window.Resolution.Min),
		Source:     source,
		Method:     method,
	}
	if !out.Resolution.After(out.Ack) {
		out.Resolution = out.Ack.Add(time.Hour)
	}
	out.ResolutionStretch = out.Resolution
	if window.Resolution.Max > window.Resolution.Min {
		out.ResolutionStretch = cal.Add(createdAt, window.Resolution.Max)
	}
	return out, nil
}
