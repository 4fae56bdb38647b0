package output

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ColorMode selects when report output is colorized.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode validates a --color value.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	case "":
		return ColorAuto, nil
	default:
		return "", fmt.Errorf("invalid color mode %q (want never, always or auto)", s)
	}
}

var (
	resultPattern      = regexp.MustCompile(`>(pass|fail|softfail|neutral|temperror|permerror)<`)
	dispositionPattern = regexp.MustCompile(`<disposition>(none|quarantine|reject)</disposition>`)
)

// Colorizer highlights evaluation results and dispositions in report XML.
type Colorizer struct {
	enabled bool
	green   lipgloss.Style
	yellow  lipgloss.Style
	red     lipgloss.Style
}

// NewColorizer builds a colorizer bound to w. Auto mode colors only when w
// is a terminal that supports it.
func NewColorizer(w io.Writer, mode ColorMode) *Colorizer {
	r := lipgloss.NewRenderer(w)
	switch mode {
	case ColorAlways:
		r.SetColorProfile(termenv.ANSI)
	case ColorNever:
		r.SetColorProfile(termenv.Ascii)
	}

	return &Colorizer{
		enabled: mode != ColorNever && r.ColorProfile() != termenv.Ascii,
		green:   r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		yellow:  r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		red:     r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Enabled reports whether Colorize changes its input.
func (c *Colorizer) Enabled() bool {
	return c != nil && c.enabled
}

// Colorize returns data with result values wrapped in terminal colors. The
// input is returned unchanged when coloring is off.
func (c *Colorizer) Colorize(data []byte) []byte {
	if !c.Enabled() {
		return data
	}

	out := dispositionPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		value := string(dispositionPattern.FindSubmatch(m)[1])
		style := c.red
		switch value {
		case "none":
			style = c.green
		case "quarantine":
			style = c.yellow
		}
		return []byte("<disposition>" + style.Render(value) + "</disposition>")
	})

	return resultPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		value := string(m[1 : len(m)-1])
		style := c.yellow
		switch value {
		case "pass":
			style = c.green
		case "fail", "permerror":
			style = c.red
		}
		return []byte(">" + style.Render(value) + "<")
	})
}
