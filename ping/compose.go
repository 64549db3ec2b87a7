package ping

import (
	"fmt"
	"strings"
	"time"
)

// timeHeaderLayout renders e.g. "Monday January 2, 3:04 PM".
const timeHeaderLayout = "Monday January 2, 3:04 PM"

// Compose builds the literal text injected at a firing from a routine's
// configured sources. Deterministic and total: malformed entries (missing
// label, empty content) are skipped, never emitted as empty blocks.
//
// Block order: optional time header, then scripts in configured order, then
// texts in configured order, joined by blank lines. Returns the empty string
// when nothing qualifies.
func Compose(sources ContextSources, now time.Time) string {
	var parts []string

	if sources.Time {
		parts = append(parts, fmt.Sprintf("[Ping — Time: %s]", now.Format(timeHeaderLayout)))
	}

	for _, script := range sources.Scripts {
		if !script.Enabled || script.Label == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", script.Label, scriptPlaceholder(script.Command)))
	}

	for _, text := range sources.Texts {
		if !text.Enabled {
			continue
		}
		content := strings.TrimSpace(text.Content)
		if content == "" {
			continue
		}
		parts = append(parts, content)
	}

	return strings.Join(parts, "\n\n")
}

// scriptPlaceholder references the command for the live session to resolve.
// The scheduler itself never runs commands.
func scriptPlaceholder(command string) string {
	if command == "" {
		return "{{script}}"
	}
	return fmt.Sprintf("{{script:%s}}", command)
}
