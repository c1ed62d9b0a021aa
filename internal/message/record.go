package message

// ReplyRecord is one archived reply, written as a JSONL line
type ReplyRecord struct {
	Platform    string `json:"platform"`          // Platform name: "zulip", "twitch"
	Timestamp   string `json:"timestamp"`         // Reply timestamp in RFC3339 format (UTC)
	Destination string `json:"destination"`       // Stream, channel or recipient email
	Subject     string `json:"subject,omitempty"` // Topic the reply was posted to
	MessageID   string `json:"message_id"`        // ID of the triggering message
	Sender      string `json:"sender"`            // Sender of the triggering message
	Verbose     bool   `json:"verbose"`
	Boxed       bool   `json:"boxed"`
	Content     string `json:"content"` // Reply body as sent
}
