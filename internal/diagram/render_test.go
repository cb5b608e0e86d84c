package diagram

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := map[string]Kind{
		"graph TD\nA-->B":                              KindFlowchart,
		"flowchart LR;\nA-->B":                         KindFlowchart,
		"\n  %% a comment\nsequenceDiagram\nA->>B: hi": KindSequence,
		"---\ntitle: Demo\n---\nclassDiagram":          KindClass,
		"stateDiagram-v2\n[*] --> A":                   KindState,
		"gitgraph\ncommit":                             KindGit,
		"pie title Pets\n\"Dogs\" : 3":                 KindPie,
	}
	for code, want := range cases {
		got, err := Detect(code)
		if err != nil {
			t.Fatalf("Detect(%q) error = %v", code, err)
		}
		if got != want {
			t.Fatalf("Detect(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestDetectSyntaxErrors(t *testing.T) {
	cases := map[string]int{
		"":                     0,
		"   \n%% only comment": 0,
		"graph XY\nA-->B":      1,
		"\nnotADiagram\n":      2,
		"---\ntitle: x":        2,
	}
	for code, line := range cases {
		_, err := Detect(code)
		var syntaxErr *SyntaxError
		if !errors.As(err, &syntaxErr) {
			t.Fatalf("Detect(%q): expected SyntaxError, got %v", code, err)
		}
		if syntaxErr.Line != line {
			t.Fatalf("Detect(%q): expected line %d, got %d", code, line, syntaxErr.Line)
		}
	}
}

func TestRenderConfigOverrides(t *testing.T) {
	base := DefaultRenderConfig()
	if base.Theme != ThemeDefault || base.SecurityLevel != SecurityLoose || !base.SuppressErrorRendering {
		t.Fatalf("unexpected defaults: %+v", base)
	}
	dark := base.WithTheme(ThemeDark)
	if dark.Theme != ThemeDark || base.Theme != ThemeDefault {
		t.Fatalf("WithTheme must copy: base=%+v dark=%+v", base, dark)
	}
	if got := base.WithTheme("neon"); got.Theme != ThemeDefault {
		t.Fatalf("unknown theme should be ignored, got %s", got.Theme)
	}
	if got := base.ForBlock(MermaidProps{Theme: ThemeForest}); got.Theme != ThemeForest {
		t.Fatalf("block override not applied: %+v", got)
	}
	if got := base.ForBlock(MermaidProps{}); got.Theme != ThemeDefault {
		t.Fatalf("block without theme should inherit: %+v", got)
	}
}

func TestChromeRendererRejectsBadSourceWithoutBrowser(t *testing.T) {
	r := &ChromeRenderer{ExecPath: "/nonexistent/chrome"}
	_, err := r.Render(context.Background(), "nonsense", DefaultRenderConfig())
	var syntaxErr *SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
}

func TestRenderScriptEmbedsConfigAndSource(t *testing.T) {
	script, err := renderScript("graph TD\n A-->\"B\"", DefaultRenderConfig().WithTheme(ThemeDark))
	if err != nil {
		t.Fatalf("renderScript() error = %v", err)
	}
	for _, want := range []string{`"theme":"dark"`, `"securityLevel":"loose"`, `"graph TD\n A--\u003e\"B\""`} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %s:\n%s", want, script)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL(`<a b="é">`)
	if got != "%3Ca%20b%3D%22%C3%A9%22%3E" {
		t.Fatalf("unexpected encoding %q", got)
	}
}
