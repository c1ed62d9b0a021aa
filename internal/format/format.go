// Package format renders the metadata report InfoBot replies with.
//
// The non-verbose report is a table of padded field labels; the verbose
// report describes the same fields in sentences. Boxed output assumes the
// chat client shows the reply inside a bordered monospace block.
package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/john/infobot/internal/message"
)

// labelWidth is the padded width of every field label
const labelWidth = 20

// boxIndent keeps continuation lines of multi-line content inside the box
const boxIndent = "\n\t\t\t\t\t\t"

// BoxHint closes every report
const BoxHint = "\nYou can also turn off box printing with `-nb` or `--no-box`!)"

// Formatter builds reports; keyword is the trigger word advertised in the hints
type Formatter struct {
	keyword string
}

// New creates a formatter advertising keyword in its hint lines
func New(keyword string) *Formatter {
	return &Formatter{keyword: keyword}
}

// Format renders the report for msg. The result depends only on its inputs.
func (f *Formatter) Format(msg message.IncomingMessage, private, verbose, boxed bool) string {
	content := msg.Content
	if verbose {
		content = strings.ReplaceAll(content, "\n", `\n`)
	} else if boxed {
		content = strings.ReplaceAll(content, "\n", boxIndent)
	}

	displayRecipient := msg.DisplayRecipient
	if private {
		displayRecipient = FormatRecipients(msg.Recipients, verbose)
	}

	var report string
	if verbose {
		report = f.verbose(msg, content, displayRecipient, private, boxed)
	} else {
		report = f.table(msg, content, displayRecipient, boxed)
	}

	return report + BoxHint
}

// table renders one padded line per field
func (f *Formatter) table(msg message.IncomingMessage, content, displayRecipient string, boxed bool) string {
	values := fieldValues(msg, content, displayRecipient)

	var b strings.Builder
	for _, key := range message.Fields {
		fmt.Fprintf(&b, "\t%-*s%s\n", labelWidth, key, values[key])
	}

	report := b.String()
	if !boxed {
		report = strings.ReplaceAll(report, "\t", "")
	}

	return report + fmt.Sprintf("(Want verbose output? Say `%s -v` or `%s --verbose`!", f.keyword, f.keyword)
}

// verbose renders the sentence form of the report
func (f *Formatter) verbose(msg message.IncomingMessage, content, displayRecipient string, private, boxed bool) string {
	destination := displayRecipient + "The subject was an empty string"
	if !private {
		destination = fmt.Sprintf("and sent to display_recipient (or `stream`) `\"%s\"`, at subject (or topic) `\"%s\"`",
			msg.DisplayRecipient, msg.Subject)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A message with content `\"%s\"` was sent to recipient_id `%s`.\n\n",
		content, msg.RecipientID)
	fmt.Fprintf(&b, "The destination was of type `\"%s\"` %s , along with subject_links `%s`.\n\n",
		msg.Type, destination, formatList(msg.SubjectLinks))
	fmt.Fprintf(&b, "The message has an id of `%s`, sent at timestamp `%d`, and has the content_type `\"%s\"`.\n\n",
		msg.ID, msg.Timestamp, msg.ContentType)
	fmt.Fprintf(&b, "The message came from sender_full_name `\"%s\"`, known also as sender_short_name `\"%s\"` "+
		"who has a sender_id of `%s`, and a sender_email of `%s`.\n\n",
		msg.SenderFullName, msg.SenderShortName, msg.SenderID, msg.SenderEmail)
	fmt.Fprintf(&b, "The sender_domain is `%s`, using client `\"%s\"`.\n\n",
		msg.SenderDomain, msg.Client)
	fmt.Fprintf(&b, "The gravatar_hash of the sender's avatar is `%s`, and their avatar_url is `%s`.\n\n",
		msg.GravatarHash, msg.AvatarURL)

	report := b.String()
	if boxed {
		report = strings.ReplaceAll(report, `"`, "")
	} else {
		report = strings.ReplaceAll(report, "`", "")
	}

	return report + fmt.Sprintf("\n(Don't want verbose output? Say just `%s`!", f.keyword)
}

// FormatRecipients renders the recipient list of a private message.
// The table form adds one blank line after the first recipient only.
func FormatRecipients(recipients []message.Recipient, verbose bool) string {
	var b strings.Builder

	if !verbose {
		for i, r := range recipients {
			values := recipientValues(r)
			for _, key := range message.RecipientFields {
				fmt.Fprintf(&b, "\n\t\t%-*s%s", labelWidth, key, values[key])
			}
			if i == 0 {
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	// The first recipient is who the message went to, the rest are who sent it
	tense := "to"
	for _, r := range recipients {
		fmt.Fprintf(&b, "\n\nThe message was sent %s a zulip user with the full_name `\"%s\"`, "+
			"also known as short_name `\"%s\"`, who has the id `%d`, and an email of `%s`.\n\n"+
			"Also, their domain is `%s` and is_mirror_dummy is `%t`.\n\n",
			tense, r.FullName, r.ShortName, r.ID, r.Email, r.Domain, r.IsMirrorDummy)
		tense = "by"
	}

	return b.String()
}

func fieldValues(msg message.IncomingMessage, content, displayRecipient string) map[string]string {
	return map[string]string{
		"content":           content,
		"recipient_id":      msg.RecipientID,
		"type":              msg.Type,
		"display_recipient": displayRecipient,
		"subject":           msg.Subject,
		"subject_links":     formatList(msg.SubjectLinks),
		"id":                msg.ID,
		"timestamp":         strconv.FormatInt(msg.Timestamp, 10),
		"content_type":      msg.ContentType,
		"sender_full_name":  msg.SenderFullName,
		"sender_short_name": msg.SenderShortName,
		"sender_id":         msg.SenderID,
		"sender_email":      msg.SenderEmail,
		"sender_domain":     msg.SenderDomain,
		"client":            msg.Client,
		"gravatar_hash":     msg.GravatarHash,
		"avatar_url":        msg.AvatarURL,
	}
}

func recipientValues(r message.Recipient) map[string]string {
	return map[string]string{
		"full_name":       r.FullName,
		"short_name":      r.ShortName,
		"id":              strconv.FormatInt(r.ID, 10),
		"email":           r.Email,
		"domain":          r.Domain,
		"is_mirror_dummy": strconv.FormatBool(r.IsMirrorDummy),
	}
}

// formatList renders a list as [a, b]
func formatList(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}
