// Package ping provides recurring context-injection routines: per-workspace
// recurring definitions, the text compositor, and the scheduler that fires
// them into a live session.
package ping

import "time"

// Routine is a named, independently configured recurring definition that
// injects composed context text into a live agent session.
type Routine struct {
	ID              string         `json:"id"`
	Workspace       string         `json:"workspace"`
	Name            string         `json:"name"`
	Enabled         bool           `json:"enabled"`
	IntervalMinutes int            `json:"intervalMinutes"`
	NextFireAt      *time.Time     `json:"nextFireAt"`
	LastFireAt      *time.Time     `json:"lastFireAt"`
	ContextSources  ContextSources `json:"contextSources"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ContextSources describes what a routine injects at each firing.
// Order of scripts and texts is significant and preserved as configured.
type ContextSources struct {
	Time    bool           `json:"time"`
	Scripts []ScriptSource `json:"scripts"`
	Texts   []TextSource   `json:"texts"`
}

// ScriptSource is a labeled command reference. The scheduler never executes
// the command; it emits a placeholder the live session resolves.
type ScriptSource struct {
	Label   string `json:"label"`
	Command string `json:"command"`
	Enabled bool   `json:"enabled"`
}

// TextSource is a labeled block of literal prompt text.
type TextSource struct {
	Label   string `json:"label"`
	Content string `json:"content"`
	Enabled bool   `json:"enabled"`
}

// DefaultContextSources returns the sources a new routine starts with.
func DefaultContextSources() ContextSources {
	return ContextSources{Time: true, Scripts: []ScriptSource{}, Texts: []TextSource{}}
}

// CreateRequest carries optional overrides for Create; nil fields take
// the defaults (name "New Routine", disabled, 60 minutes).
type CreateRequest struct {
	Name            *string         `json:"name"`
	Enabled         *bool           `json:"enabled"`
	IntervalMinutes *int            `json:"intervalMinutes"`
	ContextSources  *ContextSources `json:"contextSources"`
}

// RoutinePatch is a partial update: only non-nil fields change. A supplied
// ContextSources patch merges at the top level; a supplied scripts or texts
// slice replaces that whole slice (sub-array identity is not tracked).
type RoutinePatch struct {
	Name            *string              `json:"name"`
	Enabled         *bool                `json:"enabled"`
	IntervalMinutes *int                 `json:"intervalMinutes"`
	ContextSources  *ContextSourcesPatch `json:"contextSources"`
}

// ContextSourcesPatch mirrors ContextSources with nil-able fields.
type ContextSourcesPatch struct {
	Time    *bool           `json:"time"`
	Scripts *[]ScriptSource `json:"scripts"`
	Texts   *[]TextSource   `json:"texts"`
}

const (
	// DefaultName is applied when a routine is created without a name
	DefaultName = "New Routine"

	// DefaultIntervalMinutes is the interval applied at creation
	DefaultIntervalMinutes = 60
)
