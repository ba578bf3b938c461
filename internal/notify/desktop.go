package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows run events as desktop notifications. Only macOS
// and Linux are supported; other platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows the notification on the local desktop.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	esc := func(s string) string {
		return strings.ReplaceAll(s, `"`, `\"`)
	}
	script := `display notification "` + esc(n.Message) + `" with title "` + esc(n.Title) + `"`
	return exec.Command("osascript", "-e", script).Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	urgency := "normal"
	if n.Type == NotifyError {
		urgency = "critical"
	}
	return exec.Command("notify-send", "-u", urgency, n.Title, n.Message).Run()
}
