package store

import (
	"regexp"
	"strings"
)

// emptySegment substitutes for identifiers that sanitize down to nothing.
const emptySegment = "_empty_"

var invalidSegmentChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Sanitize makes a free-text identifier safe for use as a path segment:
// any character outside [A-Za-z0-9_-] becomes "_", a leading digit gets a
// "_" prefix, and an empty result becomes a fixed placeholder.
func Sanitize(segment string) string {
	sanitized := invalidSegmentChars.ReplaceAllString(segment, "_")
	if sanitized == "" {
		return emptySegment
	}
	if sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "_" + sanitized
	}
	return sanitized
}

// Join assembles a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Paths builds the store paths for one monitored device. All telemetry and
// command nodes live under users/{userId}/phones/{deviceId}.
type Paths struct {
	UserID   string
	DeviceID string
}

func (p Paths) device() string {
	return Join("users", p.UserID, "phones", p.DeviceID)
}

// Commands is the subtree the command channel watches.
func (p Paths) Commands() string {
	return Join(p.device(), "commands")
}

// Command addresses a single command node.
func (p Paths) Command(date, timestamp string) string {
	return Join(p.Commands(), date, timestamp)
}

// Record addresses a date-partitioned telemetry node of the given type.
func (p Paths) Record(recordType, date, uniqueID string) string {
	return Join(p.device(), recordType, date, uniqueID)
}

// Contact addresses a contact node. Contacts are not date-partitioned.
func (p Paths) Contact(uniqueID string) string {
	return Join(p.device(), "contacts", uniqueID)
}

// App addresses an installed-app node.
func (p Paths) App(uniqueKey string) string {
	return Join(p.device(), "apps", uniqueKey)
}

// WebVisit addresses a web-visit node under its date.
func (p Paths) WebVisit(date, key string) string {
	return Join(p.device(), "web_visits", date, key)
}

// Clipboard addresses a clipboard node under its date.
func (p Paths) Clipboard(date, key string) string {
	return Join(p.device(), "clipboard", date, key)
}

// SocialMessage addresses a social-media message node, partitioned by date
// then platform.
func (p Paths) SocialMessage(date, platform, uniqueID string) string {
	return Join(p.device(), "social_media_messages", date, platform, uniqueID)
}

// AppUsage addresses the per-day usage node for a package. Both the
// snapshot uploader and the session aggregator target this node family.
func (p Paths) AppUsage(date, packageName string) string {
	return Join(p.device(), "app_usage", date, Sanitize(packageName))
}

// Blob addresses an object under the device's blob partition. Unlike the
// telemetry tree, blob paths start directly at {userId}/{deviceId}.
func (p Paths) Blob(segments ...string) string {
	return Join(append([]string{p.UserID, p.DeviceID}, segments...)...)
}

// Session addresses one app session under its date and package.
func (p Paths) Session(date, packageName, sessionID string) string {
	return Join(p.device(), "app_sessions", date, Sanitize(packageName), sessionID)
}
