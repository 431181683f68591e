// Package device turns User-Agent strings into short labels for the session list.
package device

import (
	"strings"

	"github.com/mssola/user_agent"
)

// Label returns a human label such as "Chrome on Windows 10" or "Unknown device".
func Label(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "Unknown device"
	}
	parsed := user_agent.New(ua)
	if parsed.Bot() {
		return "Bot"
	}
	browser, _ := parsed.Browser()
	os := parsed.OSInfo().Name
	if v := parsed.OSInfo().Version; v != "" && os != "" {
		os += " " + v
	}
	switch {
	case browser != "" && os != "":
		label := browser + " on " + os
		if parsed.Mobile() {
			label += " (mobile)"
		}
		return label
	case browser != "":
		return browser
	default:
		return "Unknown device"
	}
}
