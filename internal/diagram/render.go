package diagram

import (
	"context"
	"fmt"
	"strings"
)

type Theme string

const (
	ThemeDefault Theme = "default"
	ThemeDark    Theme = "dark"
	ThemeForest  Theme = "forest"
	ThemeNeutral Theme = "neutral"
	ThemeBase    Theme = "base"
)

func (t Theme) valid() bool {
	switch t {
	case ThemeDefault, ThemeDark, ThemeForest, ThemeNeutral, ThemeBase:
		return true
	}
	return false
}

// Themes lists the themes a block may pick.
func Themes() []Theme {
	return []Theme{ThemeDefault, ThemeDark, ThemeForest, ThemeNeutral, ThemeBase}
}

type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "strict"
	SecurityLoose      SecurityLevel = "loose"
	SecurityAntiscript SecurityLevel = "antiscript"
	SecuritySandbox    SecurityLevel = "sandbox"
)

// RenderConfig is handed to every render call; there is no process-wide
// renderer state.
type RenderConfig struct {
	Theme                  Theme         `json:"theme"`
	SecurityLevel          SecurityLevel `json:"securityLevel"`
	SuppressErrorRendering bool          `json:"suppressErrorRendering"`
}

func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Theme:                  ThemeDefault,
		SecurityLevel:          SecurityLoose,
		SuppressErrorRendering: true,
	}
}

// WithTheme returns a copy of c using theme. An empty or unknown theme
// keeps the current one.
func (c RenderConfig) WithTheme(theme Theme) RenderConfig {
	if theme.valid() {
		c.Theme = theme
	}
	return c
}

// ForBlock applies the per-block override of p.
func (c RenderConfig) ForBlock(p MermaidProps) RenderConfig {
	return c.WithTheme(p.Theme)
}

// Renderer turns diagram source into SVG markup.
type Renderer interface {
	Render(ctx context.Context, code string, cfg RenderConfig) (string, error)
}

// SyntaxError is shown inline in place of a diagram that cannot render.
type SyntaxError struct {
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("diagram syntax error on line %d: %s", e.Line, e.Message)
	}
	return "diagram syntax error: " + e.Message
}

type Kind string

const (
	KindFlowchart   Kind = "flowchart"
	KindSequence    Kind = "sequence"
	KindClass       Kind = "class"
	KindState       Kind = "state"
	KindER          Kind = "er"
	KindGantt       Kind = "gantt"
	KindGit         Kind = "git"
	KindPie         Kind = "pie"
	KindJourney     Kind = "journey"
	KindMindmap     Kind = "mindmap"
	KindTimeline    Kind = "timeline"
	KindQuadrant    Kind = "quadrant"
	KindRequirement Kind = "requirement"
	KindC4          Kind = "c4"
	KindSankey      Kind = "sankey"
	KindXYChart     Kind = "xychart"
	KindBlock       Kind = "block"
)

var headers = map[string]Kind{
	"graph":              KindFlowchart,
	"flowchart":          KindFlowchart,
	"flowchart-elk":      KindFlowchart,
	"sequencediagram":    KindSequence,
	"classdiagram":       KindClass,
	"classdiagram-v2":    KindClass,
	"statediagram":       KindState,
	"statediagram-v2":    KindState,
	"erdiagram":          KindER,
	"gantt":              KindGantt,
	"gitgraph":           KindGit,
	"pie":                KindPie,
	"journey":            KindJourney,
	"mindmap":            KindMindmap,
	"timeline":           KindTimeline,
	"quadrantchart":      KindQuadrant,
	"requirementdiagram": KindRequirement,
	"c4context":          KindC4,
	"c4container":        KindC4,
	"c4component":        KindC4,
	"c4dynamic":          KindC4,
	"c4deployment":       KindC4,
	"sankey-beta":        KindSankey,
	"xychart-beta":       KindXYChart,
	"block-beta":         KindBlock,
}

var directions = map[string]bool{"TB": true, "TD": true, "BT": true, "RL": true, "LR": true}

// Detect identifies the diagram kind from its header line, skipping blank
// lines, %% comments and a leading --- front matter section.
func Detect(code string) (Kind, error) {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	inFrontMatter := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "---" {
			inFrontMatter = !inFrontMatter
			continue
		}
		if inFrontMatter || trimmed == "" || strings.HasPrefix(trimmed, "%%") {
			continue
		}
		fields := strings.Fields(trimmed)
		keyword := strings.TrimSuffix(fields[0], ":")
		kind, ok := headers[strings.ToLower(keyword)]
		if !ok {
			return "", &SyntaxError{Line: i + 1, Message: fmt.Sprintf("unknown diagram type %q", keyword)}
		}
		if kind == KindFlowchart && len(fields) > 1 && !directions[strings.TrimSuffix(fields[1], ";")] {
			return "", &SyntaxError{Line: i + 1, Message: fmt.Sprintf("unknown flowchart direction %q", fields[1])}
		}
		return kind, nil
	}
	if inFrontMatter {
		return "", &SyntaxError{Line: len(lines), Message: "unterminated front matter"}
	}
	return "", &SyntaxError{Message: "empty diagram"}
}
