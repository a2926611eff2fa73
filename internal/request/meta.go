// Package request carries per-request caller metadata into flow calls.
package request

import "strings"

// Meta is built by the routing layer and passed by value to every flow.
type Meta struct {
	IP          string
	UserAgent   string
	SessionID   string
	UserID      string
	ProfileID   int
	DeviceToken string
}

func (m Meta) Authenticated() bool {
	return m.SessionID != "" && m.UserID != ""
}

// Fields returns the metadata persisted alongside issued secrets.
func (m Meta) Fields() map[string]string {
	fields := map[string]string{}
	if ip := strings.TrimSpace(m.IP); ip != "" {
		fields["ip"] = ip
	}
	if ua := strings.TrimSpace(m.UserAgent); ua != "" {
		if len(ua) > 256 {
			ua = ua[:256]
		}
		fields["user_agent"] = ua
	}
	return fields
}
