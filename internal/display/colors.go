package display

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names the semantic colors the renderer uses. Mapping them to
// concrete terminal colors is the theme's job.
type Color int

const (
	ColorNone Color = iota
	ColorSuccess
	ColorWarning
	ColorError
	ColorInfo
	ColorMuted
	ColorHighlight
)

// Palette maps semantic colors to fatih/color sprint functions.
type Palette struct {
	enabled bool
	colors  map[Color]*color.Color
}

// NewPalette builds a palette with terminal detection. NO_COLOR and dumb
// terminals disable color; FORCE_COLOR overrides detection.
func NewPalette() *Palette {
	return newPalette(detectColorSupport())
}

func newPalette(enabled bool) *Palette {
	return &Palette{
		enabled: enabled,
		colors: map[Color]*color.Color{
			ColorSuccess:   color.New(color.FgGreen),
			ColorWarning:   color.New(color.FgYellow),
			ColorError:     color.New(color.FgRed),
			ColorInfo:      color.New(color.FgCyan),
			ColorMuted:     color.New(color.FgHiBlack),
			ColorHighlight: color.New(color.FgHiBlue, color.Bold),
		},
	}
}

func detectColorSupport() bool {
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// Apply colors text when the terminal supports it.
func (p *Palette) Apply(clr Color, text string) string {
	if !p.enabled {
		return text
	}
	if c, ok := p.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Enabled reports whether colors are applied.
func (p *Palette) Enabled() bool {
	return p.enabled
}
