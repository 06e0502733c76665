// Package sym defines the glyphs attached to log lines and CLI output so
// operators can tell subsystems apart at a glance.
package sym

// Subsystem symbols.
const (
	Pulse      = "꩜" // dispatcher ticks and delivery outcomes
	PulseOpen  = "✿" // dispatcher startup
	PulseClose = "❀" // dispatcher shutdown
	DB         = "⊔" // database/storage layer
	Gateway    = "⇄" // outbound gateway traffic
	AM         = "≡" // configuration
)

// ByName maps a subsystem name to its glyph.
var ByName = map[string]string{
	"pulse":   Pulse,
	"db":      DB,
	"gateway": Gateway,
	"am":      AM,
}

// For returns the glyph for a subsystem name, or the empty string.
func For(name string) string {
	return ByName[name]
}
