// Package chromium launches Chromium based browsers or connects to running
// ones over the Chrome DevTools Protocol.
package chromium

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/cdp"
	"github.com/grafana/ghost/common"
	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/storage"
)

// Ensure BrowserType implements the api.BrowserType interface.
var _ api.BrowserType = &BrowserType{}

// BrowserType launches a Chromium browser or connects to an existing one.
type BrowserType struct {
	logger   *log.Logger
	execPath string // path to the Chromium executable
	lookPath func(string) (string, error)
}

// NewBrowserType returns a Chromium browser type.
func NewBrowserType(logger *log.Logger) *BrowserType {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &BrowserType{
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Connect attaches to a running browser. The endpoint is either its
// browser WebSocket URL or its HTTP DevTools address.
func (b *BrowserType) Connect(ctx context.Context, wsEndpoint string) (api.Browser, error) {
	wsURL, err := cdp.DiscoverWSURL(ctx, wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	browser, err := cdp.NewBrowser(ctx, wsURL, b.logger, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	return browser, nil
}

// Launch starts a new browser process and connects to it. The process and
// its temporary user data directory go away when the browser is closed.
func (b *BrowserType) Launch(ctx context.Context, opts *api.LaunchOptions) (_ api.Browser, rerr error) {
	flags := prepareFlags(opts)

	dataDir := storage.NewDir(afero.NewOsFs())
	userDataDir, _ := flags["user-data-dir"].(string)
	if err := dataDir.Make("", userDataDir); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	defer func() {
		if rerr != nil {
			if err := dataDir.Cleanup(); err != nil {
				b.logger.Errorf("BrowserType:Launch", "cleaning up the user data directory: %v", err)
			}
		}
	}()
	flags["user-data-dir"] = dataDir.Dir

	path := opts.ExecutablePath
	if path == "" {
		path = b.ExecutablePath()
	}
	if path == "" {
		return nil, fmt.Errorf("launching browser: no %s executable found", b.Name())
	}

	pctx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	proc, err := common.NewBrowserProcess(pctx, path, parseArgs(flags), dataDir, b.logger)
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	b.logger.Debugf("BrowserType:Launch", "pid:%d wsURL:%q", proc.Pid(), proc.WsURL())

	browser, err := cdp.NewBrowser(pctx, proc.WsURL(), b.logger, func() error {
		proc.Terminate()
		return nil
	})
	if err != nil {
		proc.Terminate()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	return browser, nil
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

// ExecutablePath returns the first browser executable found on the system.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",
		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),
		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := b.lookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// parseArgs renders flags as command line arguments sorted by name.
func parseArgs(flags map[string]any) []string {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		switch value := flags[name].(type) {
		case string:
			if value == "" {
				args = append(args, "--"+name)
				continue
			}
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, "--"+name)
			}
		}
	}
	if _, ok := flags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}

	return args
}

func prepareFlags(opts *api.LaunchOptions) map[string]any {
	// After Puppeteer's and Playwright's default behavior.
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		// Frames stay in the page's process so their contexts are visible
		// from the page session.
		"disable-features":                "IsolateOrigins,site-per-process,LazyFrameLoading,DestroyProfileOnBrowserClose",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,
		"no-startup-window":               true,
		"no-default-browser-check":        true,
		"headless":                        opts.Headless,
		"window-size":                     fmt.Sprintf("%d,%d", common.DefaultViewportWidth, common.DefaultViewportHeight),
	}
	if opts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
	}
	setFlagsFromArgs(f, opts.Args)

	return f
}

// setFlagsFromArgs fills flags by parsing "--name=value" or "name=value"
// arguments. Arguments override the default flags.
func setFlagsFromArgs(flags map[string]any, args []string) {
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		name, value := strings.TrimPrefix(strings.TrimSpace(pair[0]), "--"), ""
		if len(pair) > 1 {
			value = trimQuotes(strings.TrimSpace(pair[1]))
		}
		flags[name] = value
	}
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if c := s[len(s)-1]; s[0] == c && (c == '"' || c == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
