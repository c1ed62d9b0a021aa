package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Platforms a message can arrive on
const (
	PlatformZulip    = "zulip"
	PlatformTwitch   = "twitch"
	PlatformTelegram = "telegram"
)

// Destination types
const (
	TypeStream  = "stream"
	TypePrivate = "private"
)

// ErrKeyMissing is returned when an inbound message lacks one of the expected fields
var ErrKeyMissing = errors.New("key missing")

// Fields lists the message fields in the order they are reported
var Fields = []string{
	"content", "recipient_id", "type", "display_recipient",
	"subject", "subject_links", "id", "timestamp", "content_type",
	"sender_full_name", "sender_short_name", "sender_id",
	"sender_email", "sender_domain", "client",
	"gravatar_hash", "avatar_url",
}

// RecipientFields lists the recipient fields of a private message in report order
var RecipientFields = []string{
	"full_name", "short_name", "id", "email", "domain", "is_mirror_dummy",
}

// Recipient is one participant of a private message
type Recipient struct {
	FullName      string `json:"full_name"`
	ShortName     string `json:"short_name"`
	ID            int64  `json:"id"`
	Email         string `json:"email"`
	Domain        string `json:"domain"`
	IsMirrorDummy bool   `json:"is_mirror_dummy"`
}

// IncomingMessage is a chat message as delivered by a platform connector.
// Identifiers are kept in their textual form so that platforms with
// non-numeric ids (Twitch message ids are UUIDs) fit the same record.
type IncomingMessage struct {
	Platform string `json:"-"` // Connector that delivered the message

	Content          string      `json:"content"`
	RecipientID      string      `json:"recipient_id"`
	Type             string      `json:"type"`                        // "stream" or "private"
	DisplayRecipient string      `json:"display_recipient,omitempty"` // Stream name for stream messages
	Recipients       []Recipient `json:"-"`                           // Participants for private messages
	Subject          string      `json:"subject"`
	SubjectLinks     []string    `json:"subject_links"`
	ID               string      `json:"id"`
	Timestamp        int64       `json:"timestamp"`
	ContentType      string      `json:"content_type"`
	SenderFullName   string      `json:"sender_full_name"`
	SenderShortName  string      `json:"sender_short_name"`
	SenderID         string      `json:"sender_id"`
	SenderEmail      string      `json:"sender_email"`
	SenderDomain     string      `json:"sender_domain"`
	Client           string      `json:"client"`
	GravatarHash     string      `json:"gravatar_hash"`
	AvatarURL        string      `json:"avatar_url"`
}

// IsPrivate reports whether the message is a direct message
func (m IncomingMessage) IsPrivate() bool {
	return m.Type == TypePrivate
}

// OutgoingMessage is a reply handed to a platform sender
type OutgoingMessage struct {
	Platform string `json:"-"`
	Type     string `json:"type"`
	Subject  string `json:"subject"`
	To       string `json:"to"`
	Content  string `json:"content"`
}

// UnmarshalJSON decodes a Zulip message event payload. Every field in
// Fields must be present; private messages must carry a recipient list
// whose entries hold every field in RecipientFields.
func (m *IncomingMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	for _, key := range Fields {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("%w: %s", ErrKeyMissing, key)
		}
	}

	msg := IncomingMessage{Platform: m.Platform}

	values := map[string]any{
		"content":           &msg.Content,
		"type":              &msg.Type,
		"subject":           &msg.Subject,
		"subject_links":     &msg.SubjectLinks,
		"timestamp":         &msg.Timestamp,
		"content_type":      &msg.ContentType,
		"sender_full_name":  &msg.SenderFullName,
		"sender_short_name": &msg.SenderShortName,
		"sender_email":      &msg.SenderEmail,
		"sender_domain":     &msg.SenderDomain,
		"client":            &msg.Client,
		"gravatar_hash":     &msg.GravatarHash,
		"avatar_url":        &msg.AvatarURL,
	}
	for key, target := range values {
		if err := json.Unmarshal(raw[key], target); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}

	ids := map[string]*string{
		"recipient_id": &msg.RecipientID,
		"id":           &msg.ID,
		"sender_id":    &msg.SenderID,
	}
	for key, target := range ids {
		var n json.Number
		if err := json.Unmarshal(raw[key], &n); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		*target = n.String()
	}

	if msg.SubjectLinks == nil {
		msg.SubjectLinks = []string{}
	}

	if msg.Type == TypePrivate {
		recipients, err := decodeRecipients(raw["display_recipient"])
		if err != nil {
			return err
		}
		msg.Recipients = recipients
	} else if err := json.Unmarshal(raw["display_recipient"], &msg.DisplayRecipient); err != nil {
		return fmt.Errorf("decode display_recipient: %w", err)
	}

	*m = msg
	return nil
}

// decodeRecipients decodes the display_recipient list of a private message
func decodeRecipients(data json.RawMessage) ([]Recipient, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: display_recipient is not a recipient list: %v", ErrKeyMissing, err)
	}

	recipients := make([]Recipient, 0, len(entries))
	for i, entry := range entries {
		for _, key := range RecipientFields {
			if _, ok := entry[key]; !ok {
				return nil, fmt.Errorf("%w: display_recipient[%d].%s", ErrKeyMissing, i, key)
			}
		}

		// Re-encode the checked entry so the struct tags do the field mapping
		encoded, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode recipient %d: %w", i, err)
		}
		var r Recipient
		if err := json.Unmarshal(encoded, &r); err != nil {
			return nil, fmt.Errorf("decode recipient %d: %w", i, err)
		}
		recipients = append(recipients, r)
	}

	return recipients, nil
}
