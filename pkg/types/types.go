// Package types defines the core data structures shared by the sidekick runtime:
// prioritized events flowing through the queue, the actions produced by the
// decision engine, and the closed sets of system and emotional states.
package types

import (
	"fmt"
	"strings"
)

// Priority is the ordinal urgency of an event. Lower values are dequeued first.
type Priority int

// Priority levels, most urgent first.
const (
	// PriorityCritical is reserved for operator speech and owner messages.
	PriorityCritical Priority = iota

	// PriorityHigh covers direct mentions and chat commands.
	PriorityHigh

	// PriorityMedium covers general chat and game state changes.
	PriorityMedium

	// PriorityLow covers idle and autonomous ticks.
	PriorityLow

	// PriorityBackground covers housekeeping such as stats and reloads.
	PriorityBackground
)

// AllPriorities lists every priority in dequeue order.
var AllPriorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityBackground,
}

// String returns the upper-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority converts a case-insensitive name into a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, p := range AllPriorities {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
