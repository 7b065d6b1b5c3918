package domain

import "time"

// Session is the single listen-key handle of the private stream.
type Session struct {
	Token         string    `json:"token"`
	IssuedAt      time.Time `json:"issuedAt"`
	LastKeepalive time.Time `json:"lastKeepalive"`
}

// Valid reports whether a token is held.
func (s *Session) Valid() bool {
	return s != nil && s.Token != ""
}

// SessionStatus is the administrative view of the listener.
type SessionStatus struct {
	Active             bool   `json:"active"`
	State              string `json:"state"`
	LastKeepaliveAgeMs int64  `json:"lastKeepaliveAgeMs"`
	Reconnects         int64  `json:"reconnects"`
	KeepaliveErrors    int64  `json:"keepaliveErrors"`
	Dropped            int64  `json:"dropped"`
}
