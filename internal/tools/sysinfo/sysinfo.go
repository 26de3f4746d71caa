// Package sysinfo implements the get_system_info tool: OS, screen size,
// and detected browsers by path probing.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// ScreenSizer reports the logical screen size; the vision worker's screen
// backs it when vision is enabled.
type ScreenSizer interface {
	Size(ctx context.Context) (width, height int, err error)
}

// Tool is the get_system_info tool.
type Tool struct {
	screen ScreenSizer
}

// New creates the system-info tool. screen may be nil.
func New(screen ScreenSizer) *Tool {
	return &Tool{screen: screen}
}

func (t *Tool) Name() string { return "get_system_info" }

func (t *Tool) Description() string {
	return "Return the host operating system, screen size, and which browsers are installed."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if t.screen != nil {
		if width, height, err := t.screen.Size(ctx); err == nil {
			fmt.Fprintf(&b, "Screen: %dx%d\n", width, height)
		}
	}

	browsers := detectBrowsers()
	if len(browsers) == 0 {
		b.WriteString("Browsers: none detected\n")
	} else {
		fmt.Fprintf(&b, "Browsers: %s\n", strings.Join(browsers, ", "))
	}

	if hostname, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Hostname: %s\n", hostname)
	}
	return &agent.ToolResult{Content: strings.TrimSpace(b.String())}, nil
}

// browserProbes maps display names to candidate binary names and absolute
// paths per platform.
var browserProbes = map[string][]string{
	"Chrome":   {"google-chrome", "chrome", "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome", `C:\Program Files\Google\Chrome\Application\chrome.exe`},
	"Chromium": {"chromium", "chromium-browser"},
	"Firefox":  {"firefox", "/Applications/Firefox.app/Contents/MacOS/firefox", `C:\Program Files\Mozilla Firefox\firefox.exe`},
	"Edge":     {"microsoft-edge", "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge", `C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`},
	"Safari":   {"/Applications/Safari.app/Contents/MacOS/Safari"},
	"Brave":    {"brave-browser", "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
}

func detectBrowsers() []string {
	var found []string
	for name, candidates := range browserProbes {
		for _, candidate := range candidates {
			if strings.ContainsAny(candidate, `/\`) {
				if _, err := os.Stat(candidate); err == nil {
					found = append(found, name)
					break
				}
				continue
			}
			if _, err := osexec.LookPath(candidate); err == nil {
				found = append(found, name)
				break
			}
		}
	}
	sort.Strings(found)
	return found
}
