// Package directory holds the read-side view of agent profiles. Profiles are
// owned by an external agent directory; this package keeps a tenant-keyed
// snapshot the engine reads during distribution. The only live counter
// (current chats) is owned by the workload tracker, never mutated here.
package directory

import (
	"fmt"
	"time"
)

// Status is the availability status reported by the external directory.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Performance carries the historical stats used by performance-based routing.
type Performance struct {
	AverageResponseTimeMinutes float64 `json:"average_response_time_minutes" yaml:"average_response_time_minutes"`
	CustomerSatisfaction       float64 `json:"customer_satisfaction" yaml:"customer_satisfaction"` // 0-5
	ResolutionRate             float64 `json:"resolution_rate" yaml:"resolution_rate"`             // 0-1
	TotalConversationsHandled  int64   `json:"total_conversations_handled" yaml:"total_conversations_handled"`
}

// WorkingHours is a daily time-of-day window in the agent's own timezone.
type WorkingHours struct {
	Start    string   `json:"start" yaml:"start"` // "09:00"
	End      string   `json:"end" yaml:"end"`     // "17:00"
	Timezone string   `json:"timezone" yaml:"timezone"`
	Weekdays []string `json:"weekdays" yaml:"weekdays"` // "monday" ... "sunday"
}

// Agent is a value-type snapshot of one agent profile. Copies are handed to
// the selector; nothing downstream mutates them.
type Agent struct {
	ID                 string       `json:"id" yaml:"id"`
	TenantID           string       `json:"tenant_id" yaml:"tenant_id"`
	Name               string       `json:"name" yaml:"name"`
	Skills             []string     `json:"skills" yaml:"skills"`
	Languages          []string     `json:"languages" yaml:"languages"`
	MaxConcurrentChats int          `json:"max_concurrent_chats" yaml:"max_concurrent_chats"`
	CurrentChats       int          `json:"current_chats" yaml:"current_chats"` // Seed value only
	WorkingHours       WorkingHours `json:"working_hours" yaml:"working_hours"`
	Performance        Performance  `json:"performance" yaml:"performance"`
	Status             Status       `json:"status" yaml:"status"`
}

// HasSkills reports whether the agent's skill set is a superset of required.
func (a *Agent) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	skills := make(map[string]bool, len(a.Skills))
	for _, s := range a.Skills {
		skills[s] = true
	}
	for _, r := range required {
		if !skills[r] {
			return false
		}
	}
	return true
}

// Validate checks the invariants the external directory promises.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if a.TenantID == "" {
		return fmt.Errorf("agent %s: tenant_id is required", a.ID)
	}
	if a.MaxConcurrentChats <= 0 {
		return fmt.Errorf("agent %s: max_concurrent_chats must be positive", a.ID)
	}
	if a.CurrentChats < 0 || a.CurrentChats > a.MaxConcurrentChats {
		return fmt.Errorf("agent %s: current_chats %d out of range [0, %d]",
			a.ID, a.CurrentChats, a.MaxConcurrentChats)
	}
	switch a.Status {
	case StatusAvailable, StatusBusy, StatusOffline:
	default:
		return fmt.Errorf("agent %s: invalid status %q", a.ID, a.Status)
	}
	if _, err := a.WorkingHours.window(); err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	return nil
}

type minuteWindow struct {
	location *time.Location
	weekdays map[time.Weekday]bool
	startMin int
	endMin   int
}

var weekdayNames = map[string]time.Weekday{ //nolint:gochecknoglobals
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseMinutes(s string) (int, error) {
	// time.Parse bounds the fields and rejects trailing text, so malformed
	// roster entries fail at load time instead of mis-windowing agents.
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time-of-day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w *WorkingHours) window() (*minuteWindow, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
	}

	start, err := parseMinutes(w.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseMinutes(w.End)
	if err != nil {
		return nil, err
	}

	days := make(map[time.Weekday]bool, len(w.Weekdays))
	for _, name := range w.Weekdays {
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", name)
		}
		days[day] = true
	}

	return &minuteWindow{
		location: loc,
		weekdays: days,
		startMin: start,
		endMin:   end,
	}, nil
}

// Contains reports whether now falls inside the window: weekday active and
// local time within [start, end). Overnight windows (start > end) wrap past
// midnight and belong to the weekday the shift started on.
func (w *WorkingHours) Contains(now time.Time) bool {
	window, err := w.window()
	if err != nil {
		return false
	}

	local := now.In(window.location)
	minutes := local.Hour()*60 + local.Minute()

	if window.startMin <= window.endMin {
		return window.weekdays[local.Weekday()] &&
			minutes >= window.startMin && minutes < window.endMin
	}

	// Overnight: today's late segment, or the spill-over from yesterday's
	// shift before this morning's end.
	if minutes >= window.startMin {
		return window.weekdays[local.Weekday()]
	}
	if minutes < window.endMin {
		yesterday := local.AddDate(0, 0, -1).Weekday()
		return window.weekdays[yesterday]
	}
	return false
}
