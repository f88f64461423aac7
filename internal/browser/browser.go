// Package browser hands the authorization URL to the user: it opens the default
// browser when possible and otherwise copies the URL to the clipboard.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// Outcome reports how an URL reached the user.
type Outcome int

const (
	// Printed means the caller must show the URL; neither browser nor clipboard worked.
	Printed Outcome = iota
	// Opened means a browser was launched.
	Opened
	// Copied means the URL was put on the clipboard.
	Copied
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Copied:
		return "copied"
	default:
		return "printed"
	}
}

// Launcher presents URLs to the user. The zero value is not usable; use NewLauncher.
type Launcher struct {
	open func(string) error
	copy func(string) error
}

// NewLauncher returns a Launcher backed by the system browser and clipboard.
func NewLauncher() *Launcher {
	return &Launcher{open: OpenURL, copy: clipboard.WriteAll}
}

// NewLauncherWith builds a Launcher from explicit open/copy functions. Nil functions always fail.
func NewLauncherWith(openFn, copyFn func(string) error) *Launcher {
	l := &Launcher{open: openFn, copy: copyFn}
	if l.open == nil {
		l.open = func(string) error { return fmt.Errorf("browser disabled") }
	}
	if l.copy == nil {
		l.copy = func(string) error { return fmt.Errorf("clipboard disabled") }
	}
	return l
}

// Present opens url in a browser unless noBrowser is set, falling back to the clipboard.
func (l *Launcher) Present(url string, noBrowser bool) Outcome {
	if !noBrowser {
		err := l.open(url)
		if err == nil {
			return Opened
		}
		log.Warnf("failed to open browser automatically: %v", err)
	}
	if err := l.copy(url); err != nil {
		log.Debugf("clipboard unavailable: %v", err)
		return Printed
	}
	return Copied
}

// OpenURL opens url in the default web browser, trying open-golang first and
// OS specific commands second.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		log.Debug("opened URL using open-golang")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)

	cmd, errCmd := platformCommand(url)
	if errCmd != nil {
		return errCmd
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	return nil
}

func platformCommand(url string) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	case "linux":
		for _, candidate := range linuxBrowsers {
			if _, err := exec.LookPath(candidate); err == nil {
				return exec.Command(candidate, url), nil
			}
		}
		return nil, fmt.Errorf("no suitable browser found on Linux system")
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}
