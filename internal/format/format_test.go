package format

import (
	"fmt"
	"strings"
	"testing"

	"github.com/john/infobot/internal/message"
)

func streamMessage() message.IncomingMessage {
	return message.IncomingMessage{
		Platform:         message.PlatformZulip,
		Content:          "InfoBot",
		RecipientID:      "42",
		Type:             message.TypeStream,
		DisplayRecipient: "general",
		Subject:          "lunch",
		SubjectLinks:     []string{},
		ID:               "1001",
		Timestamp:        1400000000,
		ContentType:      "text/x-markdown",
		SenderFullName:   "Bob Smith",
		SenderShortName:  "bob",
		SenderID:         "7",
		SenderEmail:      "bob@x.com",
		SenderDomain:     "x.com",
		Client:           "website",
		GravatarHash:     "abc",
		AvatarURL:        "https://x.com/a.png",
	}
}

func privateMessage() message.IncomingMessage {
	msg := streamMessage()
	msg.Type = message.TypePrivate
	msg.Content = "InfoBot -v"
	msg.DisplayRecipient = ""
	msg.Subject = ""
	msg.Recipients = []message.Recipient{
		{FullName: "Alice", ShortName: "alice", ID: 1, Email: "a@x.com", Domain: "x.com"},
		{FullName: "Bob Smith", ShortName: "bob", ID: 7, Email: "bob@x.com", Domain: "x.com", IsMirrorDummy: true},
	}
	return msg
}

func TestFormat_TableBoxed(t *testing.T) {
	out := New("InfoBot").Format(streamMessage(), false, false, true)

	lines := strings.Split(out, "\n")
	var fieldLines []string
	for _, line := range lines {
		if strings.HasPrefix(line, "\t") {
			fieldLines = append(fieldLines, line)
		}
	}
	if len(fieldLines) != len(message.Fields) {
		t.Fatalf("expected %d tab-prefixed lines, got %d:\n%s", len(message.Fields), len(fieldLines), out)
	}

	for i, key := range message.Fields {
		label := fieldLines[i][1 : 1+labelWidth]
		if strings.TrimRight(label, " ") != key {
			t.Errorf("line %d: expected label %q padded to %d, got %q", i, key, labelWidth, label)
		}
	}

	if !strings.Contains(out, "\tdisplay_recipient   general\n") {
		t.Errorf("display_recipient line not rendered verbatim:\n%s", out)
	}
	if !strings.HasSuffix(out, BoxHint) {
		t.Errorf("report does not end with the box hint:\n%s", out)
	}
	if !strings.Contains(out, "(Want verbose output? Say `InfoBot -v` or `InfoBot --verbose`!") {
		t.Errorf("missing verbose hint:\n%s", out)
	}
}

func TestFormat_TableUnboxedDropsTabs(t *testing.T) {
	f := New("InfoBot")
	boxed := f.Format(streamMessage(), false, false, true)
	unboxed := f.Format(streamMessage(), false, false, false)

	if strings.Contains(unboxed, "\t") {
		t.Errorf("unboxed report contains tabs:\n%s", unboxed)
	}
	if strings.ReplaceAll(boxed, "\t", "") != unboxed {
		t.Errorf("unboxed report differs beyond tabs:\nboxed:\n%s\nunboxed:\n%s", boxed, unboxed)
	}
}

func TestFormat_TableContentNewlines(t *testing.T) {
	msg := streamMessage()
	msg.Content = "InfoBot\nsecond line"
	f := New("InfoBot")

	boxed := f.Format(msg, false, false, true)
	if !strings.Contains(boxed, "InfoBot\n\t\t\t\t\t\tsecond line") {
		t.Errorf("boxed content not indented:\n%s", boxed)
	}

	unboxed := f.Format(msg, false, false, false)
	if !strings.Contains(unboxed, "content             InfoBot\nsecond line\n") {
		t.Errorf("unboxed content not passed through:\n%s", unboxed)
	}

	verbose := f.Format(msg, false, true, true)
	if !strings.Contains(verbose, `InfoBot\nsecond line`) {
		t.Errorf("verbose content not escaped:\n%s", verbose)
	}
}

func TestFormat_SubjectLinks(t *testing.T) {
	msg := streamMessage()
	msg.SubjectLinks = []string{"https://a", "https://b"}

	out := New("InfoBot").Format(msg, false, false, true)
	if !strings.Contains(out, "\tsubject_links       [https://a, https://b]\n") {
		t.Errorf("subject_links not rendered as a list:\n%s", out)
	}
}

func TestFormat_VerboseBoxedHasNoQuotes(t *testing.T) {
	msg := streamMessage()
	msg.Content = `InfoBot -v "quoted"`

	out := New("InfoBot").Format(msg, false, true, true)
	if strings.Contains(out, `"`) {
		t.Errorf("verbose boxed report contains double quotes:\n%s", out)
	}
	if !strings.Contains(out, "and sent to display_recipient (or `stream`) `general`, at subject (or topic) `lunch`") {
		t.Errorf("stream destination not rendered:\n%s", out)
	}
	if !strings.Contains(out, "\n(Don't want verbose output? Say just `InfoBot`!") {
		t.Errorf("missing non-verbose hint:\n%s", out)
	}
	if !strings.HasSuffix(out, BoxHint) {
		t.Errorf("report does not end with the box hint:\n%s", out)
	}
}

func TestFormat_VerboseUnboxedHasNoBackticks(t *testing.T) {
	out := New("InfoBot").Format(streamMessage(), false, true, false)

	// Both hints are appended after the substitution and keep their back-ticks
	hint := strings.Index(out, "\n(Don't want verbose output?")
	if hint < 0 {
		t.Fatalf("missing non-verbose hint:\n%s", out)
	}
	body := out[:hint]
	if strings.Contains(body, "`") {
		t.Errorf("verbose unboxed report contains back-ticks:\n%s", body)
	}
	if !strings.Contains(body, `A message with content "InfoBot" was sent to recipient_id 42.`) {
		t.Errorf("content paragraph not rendered:\n%s", body)
	}
}

func TestFormat_VerboseParagraphOrder(t *testing.T) {
	out := New("InfoBot").Format(streamMessage(), false, true, true)

	order := []string{
		"A message with content",
		"The destination was of type",
		"The message has an id of",
		"The message came from sender_full_name",
		"The sender_domain is",
		"The gravatar_hash of the sender's avatar",
	}
	last := -1
	for _, prefix := range order {
		idx := strings.Index(out, prefix)
		if idx <= last {
			t.Fatalf("paragraph %q out of order in:\n%s", prefix, out)
		}
		last = idx
	}
}

func TestFormat_VerbosePrivate(t *testing.T) {
	out := New("InfoBot").Format(privateMessage(), true, true, true)

	want := "The destination was of type `private` \n\nThe message was sent to a zulip user with the full_name `Alice`"
	if !strings.Contains(out, want) {
		t.Errorf("destination paragraph does not start with the first recipient:\n%s", out)
	}
	if !strings.Contains(out, "The message was sent by a zulip user with the full_name `Bob Smith`") {
		t.Errorf("second recipient should use the sender tense:\n%s", out)
	}
	if !strings.Contains(out, "is_mirror_dummy is `true`.\n\nThe subject was an empty string , along with subject_links `[]`.") {
		t.Errorf("subject sentence not appended after recipients:\n%s", out)
	}
}

func TestFormat_TablePrivate(t *testing.T) {
	out := New("InfoBot").Format(privateMessage(), true, false, true)

	want := "\tdisplay_recipient   \n\t\tfull_name           Alice\n\t\tshort_name          alice\n"
	if !strings.Contains(out, want) {
		t.Errorf("recipient sub-report not nested under display_recipient:\n%s", out)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	f := New("InfoBot")
	for _, msg := range []message.IncomingMessage{streamMessage(), privateMessage()} {
		for _, verbose := range []bool{false, true} {
			for _, boxed := range []bool{false, true} {
				private := msg.IsPrivate()
				a := f.Format(msg, private, verbose, boxed)
				b := f.Format(msg, private, verbose, boxed)
				if a != b {
					t.Errorf("type=%s verbose=%v boxed=%v: output differs between calls", msg.Type, verbose, boxed)
				}
			}
		}
	}
}

func TestFormat_KeywordInHints(t *testing.T) {
	out := New("WhoBot").Format(streamMessage(), false, false, true)
	if !strings.Contains(out, "Say `WhoBot -v` or `WhoBot --verbose`!") {
		t.Errorf("hint does not advertise the configured keyword:\n%s", out)
	}
}

func TestFormatRecipients_Table(t *testing.T) {
	recipients := privateMessage().Recipients
	out := FormatRecipients(recipients, false)

	var want strings.Builder
	for i, r := range recipients {
		fmt.Fprintf(&want, "\n\t\t%-20s%s", "full_name", r.FullName)
		fmt.Fprintf(&want, "\n\t\t%-20s%s", "short_name", r.ShortName)
		fmt.Fprintf(&want, "\n\t\t%-20s%d", "id", r.ID)
		fmt.Fprintf(&want, "\n\t\t%-20s%s", "email", r.Email)
		fmt.Fprintf(&want, "\n\t\t%-20s%s", "domain", r.Domain)
		fmt.Fprintf(&want, "\n\t\t%-20s%t", "is_mirror_dummy", r.IsMirrorDummy)
		if i == 0 {
			want.WriteString("\n")
		}
	}

	if out != want.String() {
		t.Errorf("unexpected recipient table:\ngot:\n%q\nwant:\n%q", out, want.String())
	}
}

func TestFormatRecipients_Empty(t *testing.T) {
	if out := FormatRecipients(nil, false); out != "" {
		t.Errorf("expected empty table, got %q", out)
	}
	if out := FormatRecipients(nil, true); out != "" {
		t.Errorf("expected empty description, got %q", out)
	}
}
