package display

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Icon pairs a Unicode glyph with an ASCII fallback.
type Icon struct {
	Unicode string
	ASCII   string
	Color   Color
}

// Status icons used across command output.
var (
	IconOK       = Icon{Unicode: "✓", ASCII: "[ok]", Color: ColorSuccess}
	IconFailed   = Icon{Unicode: "✗", ASCII: "[failed]", Color: ColorError}
	IconRunning  = Icon{Unicode: "▶", ASCII: "[running]", Color: ColorInfo}
	IconPending  = Icon{Unicode: "·", ASCII: "[pending]", Color: ColorMuted}
	IconSkipped  = Icon{Unicode: "↷", ASCII: "[skipped]", Color: ColorMuted}
	IconWarning  = Icon{Unicode: "⚠", ASCII: "[warn]", Color: ColorWarning}
	IconCritical = Icon{Unicode: "‼", ASCII: "[critical]", Color: ColorError}
	IconOffline  = Icon{Unicode: "⊘", ASCII: "[offline]", Color: ColorError}
)

func detectUnicodeSupport() bool {
	if os.Getenv("FORCE_UNICODE") != "" {
		return true
	}
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	if term := os.Getenv("TERM"); term == "dumb" || term == "vt100" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Render returns the glyph appropriate for the terminal, colored when the
// palette allows it.
func (i Icon) Render(p *Palette, unicode bool) string {
	glyph := i.ASCII
	if unicode {
		glyph = i.Unicode
	}
	return p.Apply(i.Color, glyph)
}
