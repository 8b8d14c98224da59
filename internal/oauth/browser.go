package oauth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// BrowserLauncher opens a URL in the user's default browser. The orchestrator
// treats it as an external collaborator; tests substitute a stub.
type BrowserLauncher interface {
	OpenURL(url string) error
}

// SystemBrowserLauncher implements BrowserLauncher for the host OS.
type SystemBrowserLauncher struct{}

// NewBrowserLauncher creates a launcher for the default system browser.
func NewBrowserLauncher() BrowserLauncher {
	return &SystemBrowserLauncher{}
}

// OpenURL opens a URL in the default system browser.
func (b *SystemBrowserLauncher) OpenURL(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		cmd = "xdg-open"
		args = []string{url}
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := exec.Command(cmd, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
