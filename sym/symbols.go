// Package sym defines the glyphs agentpulse attaches to log lines and CLI output.
// These symbols are stable across logs, the CLI and the introspection API.
package sym

// System symbols.
const (
	Pulse      = "꩜" // pull loop, claims, dispatch
	PulseOpen  = "✿" // window opened, startup
	PulseClose = "❀" // window closed, graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Stage      = "⧉" // workspace staging
)

var descriptions = map[string]string{
	Pulse:      "Pull loop, claims and dispatch",
	PulseOpen:  "Window opened or process started",
	PulseClose: "Window closed or process stopping",
	DB:         "Database/storage layer",
	AM:         "Configuration",
	Stage:      "Workspace staging",
}

// Describe returns the description of a glyph, or "" if unknown.
func Describe(glyph string) string {
	return descriptions[glyph]
}

// All returns every known glyph in display order.
func All() []string {
	return []string{Pulse, PulseOpen, PulseClose, DB, AM, Stage}
}
