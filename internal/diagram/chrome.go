package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// DefaultScriptURL is where the headless page loads mermaid.js from.
const DefaultScriptURL = "https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"

var ErrRendererUnavailable = errors.New("diagram: headless chrome not installed")

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><script src="{{.}}"></script></head>
<body><div id="out"></div></body></html>`))

// ChromeRenderer renders diagrams with mermaid.js inside headless Chrome.
type ChromeRenderer struct {
	ScriptURL string
	Timeout   time.Duration
	// ExecPath overrides browser discovery.
	ExecPath string
}

func (r *ChromeRenderer) browser() (string, error) {
	if r.ExecPath != "" {
		return r.ExecPath, nil
	}
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrRendererUnavailable
}

func (r *ChromeRenderer) Render(ctx context.Context, code string, cfg RenderConfig) (string, error) {
	if _, err := Detect(code); err != nil {
		return "", err
	}
	execPath, err := r.browser()
	if err != nil {
		return "", err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	page, err := renderPage(r.scriptURL())
	if err != nil {
		return "", err
	}
	script, err := renderScript(code, cfg)
	if err != nil {
		return "", err
	}

	var result struct {
		SVG   string `json:"svg"`
		Error string `json:"error"`
	}
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("data:text/html;charset=utf-8,"+percentEncodeForDataURL(page)),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(script, &result, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("chrome render failed: %w", err)
	}
	if result.Error != "" {
		return "", &SyntaxError{Message: result.Error}
	}
	return result.SVG, nil
}

func (r *ChromeRenderer) scriptURL() string {
	if r.ScriptURL != "" {
		return r.ScriptURL
	}
	return DefaultScriptURL
}

func renderPage(scriptURL string) (string, error) {
	var b strings.Builder
	if err := pageTemplate.Execute(&b, scriptURL); err != nil {
		return "", fmt.Errorf("build render page: %w", err)
	}
	return b.String(), nil
}

// renderScript builds the expression evaluated in the page. Errors are
// returned as data so a bad diagram is not mistaken for a browser failure.
func renderScript(code string, cfg RenderConfig) (string, error) {
	cfgJSON, err := json.Marshal(map[string]any{
		"startOnLoad":            false,
		"theme":                  cfg.Theme,
		"securityLevel":          cfg.SecurityLevel,
		"suppressErrorRendering": cfg.SuppressErrorRendering,
	})
	if err != nil {
		return "", fmt.Errorf("encode render config: %w", err)
	}
	codeJSON, err := json.Marshal(code)
	if err != nil {
		return "", fmt.Errorf("encode diagram source: %w", err)
	}
	return fmt.Sprintf(`(async () => {
  try {
    mermaid.initialize(%s);
    const { svg } = await mermaid.render("diagram-" + Date.now(), %s);
    return { svg };
  } catch (err) {
    return { error: (err && err.message) || String(err) };
  }
})()`, cfgJSON, codeJSON), nil
}

// percentEncodeForDataURL encodes s for a data URL, spaces as %20.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				fmt.Fprintf(&result, "%%%02X", b)
			}
		}
	}
	return result.String()
}
