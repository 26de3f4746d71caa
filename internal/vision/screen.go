package vision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Screen is the capability interface over the single global screen. Only
// the Vision Worker calls it, one action at a time.
type Screen interface {
	// Capture returns a PNG screenshot scaled to the logical screen size.
	Capture(ctx context.Context) ([]byte, error)

	// Size returns the logical screen size in pixels.
	Size(ctx context.Context) (width, height int, err error)

	// MoveTo moves the pointer to (x, y) with a short animated duration.
	MoveTo(ctx context.Context, x, y float64, duration time.Duration) error

	// Click presses the given button ("left" or "right") at the current
	// pointer position; double performs a double click.
	Click(ctx context.Context, button string, double bool) error

	// Type enters text via the keyboard.
	Type(ctx context.Context, text string) error

	// Hotkey presses a key combination, e.g. ["ctrl", "v"].
	Hotkey(ctx context.Context, keys []string) error

	// Wheel emits one wheel notch; deltaY > 0 scrolls down.
	Wheel(ctx context.Context, deltaY int) error

	// Close releases the screen resources.
	Close() error
}

// wheelNotch is the pixel delta of one discrete wheel notch.
const wheelNotch = 120

// PlaywrightScreen drives a single headful browser page as the worker's
// screen. The page is owned for the process lifetime; it is created on
// first use and never handed to anyone else.
type PlaywrightScreen struct {
	width  int
	height int

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page

	// lastX/lastY track the pointer so Click can fire at the position the
	// preceding MoveTo landed on.
	lastX, lastY float64
}

// NewPlaywrightScreen creates a lazily-started screen with the given
// logical viewport size.
func NewPlaywrightScreen(width, height int) *PlaywrightScreen {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}
	return &PlaywrightScreen{width: width, height: height}
}

// ensurePage starts playwright and opens the page on first use.
func (s *PlaywrightScreen) ensurePage() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		return s.page, nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("vision: start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(false),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("vision: launch browser: %w", err)
	}
	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: s.width, Height: s.height},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("vision: open page: %w", err)
	}

	s.pw = pw
	s.browser = browser
	s.page = page
	return page, nil
}

func (s *PlaywrightScreen) Capture(ctx context.Context) ([]byte, error) {
	page, err := s.ensurePage()
	if err != nil {
		return nil, err
	}
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("vision: screenshot: %w", err)
	}
	return data, nil
}

func (s *PlaywrightScreen) Size(ctx context.Context) (int, int, error) {
	return s.width, s.height, nil
}

func (s *PlaywrightScreen) MoveTo(ctx context.Context, x, y float64, duration time.Duration) error {
	page, err := s.ensurePage()
	if err != nil {
		return err
	}
	// Steps animate the move so hover states fire like a human's pointer.
	steps := int(duration / (10 * time.Millisecond))
	if steps < 1 {
		steps = 1
	}
	if err := page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(steps)}); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastX, s.lastY = x, y
	s.mu.Unlock()
	return nil
}

func (s *PlaywrightScreen) Click(ctx context.Context, button string, double bool) error {
	page, err := s.ensurePage()
	if err != nil {
		return err
	}
	btn := playwright.MouseButtonLeft
	if button == "right" {
		btn = playwright.MouseButtonRight
	}
	clicks := 1
	if double {
		clicks = 2
	}
	s.mu.Lock()
	x, y := s.lastX, s.lastY
	s.mu.Unlock()
	return page.Mouse().Click(x, y, playwright.MouseClickOptions{
		Button:     btn,
		ClickCount: playwright.Int(clicks),
	})
}

func (s *PlaywrightScreen) Type(ctx context.Context, text string) error {
	page, err := s.ensurePage()
	if err != nil {
		return err
	}
	return page.Keyboard().Type(text, playwright.KeyboardTypeOptions{
		Delay: playwright.Float(50),
	})
}

func (s *PlaywrightScreen) Hotkey(ctx context.Context, keys []string) error {
	page, err := s.ensurePage()
	if err != nil {
		return err
	}
	return page.Keyboard().Press(hotkeyCombo(keys))
}

func (s *PlaywrightScreen) Wheel(ctx context.Context, deltaY int) error {
	page, err := s.ensurePage()
	if err != nil {
		return err
	}
	return page.Mouse().Wheel(0, float64(deltaY))
}

func (s *PlaywrightScreen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
		s.page = nil
	}
	if s.pw != nil {
		err := s.pw.Stop()
		s.pw = nil
		return err
	}
	return nil
}

// hotkeyCombo maps ["ctrl", "v"] onto Playwright's "Control+v" syntax.
func hotkeyCombo(keys []string) string {
	mapped := make([]string, 0, len(keys))
	for _, key := range keys {
		switch strings.ToLower(key) {
		case "ctrl", "control":
			mapped = append(mapped, "Control")
		case "alt", "option":
			mapped = append(mapped, "Alt")
		case "shift":
			mapped = append(mapped, "Shift")
		case "cmd", "meta", "super", "win":
			mapped = append(mapped, "Meta")
		case "enter", "return":
			mapped = append(mapped, "Enter")
		case "esc", "escape":
			mapped = append(mapped, "Escape")
		case "tab":
			mapped = append(mapped, "Tab")
		default:
			mapped = append(mapped, key)
		}
	}
	return strings.Join(mapped, "+")
}
