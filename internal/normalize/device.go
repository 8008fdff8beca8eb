package normalize

import (
	"strings"

	"github.com/mssola/useragent"
)

// Device is the coarse client classification derived from a user agent.
type Device struct {
	Type         string
	BrowserName  string
	BrowserMajor string
}

// ClassifyUserAgent derives device type and browser family from a raw
// user-agent string. An empty string classifies as unknown.
func ClassifyUserAgent(raw string) Device {
	if strings.TrimSpace(raw) == "" {
		return Device{Type: "unknown"}
	}

	ua := useragent.New(raw)
	name, version := ua.Browser()
	major := version
	if i := strings.IndexByte(version, '.'); i >= 0 {
		major = version[:i]
	}

	return Device{
		Type:         deviceType(ua, raw),
		BrowserName:  name,
		BrowserMajor: major,
	}
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		return "bot"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"),
		strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		return "tablet"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}
