package main

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
)

// Discord size limits
const (
	maxMessageSize    = 2000
	maxThreadNameSize = 100
)

var (
	mentionPattern = regexp.MustCompile(`<([@!#])([^>]*?)(?:\|([^>]*?))?>`)
	linkPattern    = regexp.MustCompile(`<((?:https?|mailto|tel):[A-Za-z0-9_+.\-/?,=#:@()]+)\|[^>]+>`)
)

// discordPayload is a single Discord message to send. A Slack message can
// expand into several of these (long text gets chunked, each file gets its
// own message).
type discordPayload struct {
	Content string
	Embed   *discordgo.MessageEmbed
	File    *fileInfo
}

// MessageFormatter renders parsed Slack messages into Discord payloads.
type MessageFormatter struct {
	DateLayout  string
	TimeLayout  string
	InlineDates bool
}

func NewMessageFormatter(dateLayout, timeLayout string, inlineDates bool) *MessageFormatter {
	return &MessageFormatter{
		DateLayout:  dateLayout,
		TimeLayout:  timeLayout,
		InlineDates: inlineDates,
	}
}

// prefix returns the in-text timestamp that stands in for the real message
// time (Discord doesn't allow backdating).
func (mf *MessageFormatter) prefix(t time.Time) string {
	if mf.InlineDates {
		return fmt.Sprintf("`%s %s` ", t.Format(mf.DateLayout), t.Format(mf.TimeLayout))
	}
	return fmt.Sprintf("`%s` ", t.Format(mf.TimeLayout))
}

// DateSeparator renders the marker message posted whenever the date changes.
func (mf *MessageFormatter) DateSeparator(t time.Time) string {
	return "`" + centerPad(t.Format(mf.DateLayout), 30, '-') + "`"
}

// Render expands a Slack message into the Discord messages that represent
// it: every text chunk except the last is content-only, reactions ride along
// as an embed, and each file becomes its own message. For a single-file
// message the embed is attached to the file message instead of the text.
func (mf *MessageFormatter) Render(msg *exportMessage) []discordPayload {
	var embed *discordgo.MessageEmbed
	if len(msg.Reactions) > 0 {
		lines := make([]string, 0, len(msg.Reactions))
		for _, r := range msg.Reactions {
			lines = append(lines, r.Emoji+" "+strings.Join(r.Users, ", "))
		}
		embed = &discordgo.MessageEmbed{Description: strings.Join(lines, "\n")}
	}

	prefix := mf.prefix(msg.Time)

	var payloads []discordPayload
	var content string
	chunks := splitChunks(msg.Text, maxMessageSize-len(prefix))
	for i, chunk := range chunks {
		content = prefix + strings.TrimSpace(chunk)
		if i < len(chunks)-1 {
			payloads = append(payloads, discordPayload{Content: content})
		}
	}

	switch {
	case len(msg.Files) == 1:
		if content != "" {
			payloads = append(payloads, discordPayload{Content: content})
		}
	case content != "" || embed != nil:
		payloads = append(payloads, discordPayload{Content: content, Embed: embed})
		embed = nil
	}

	for i := range msg.Files {
		f := &msg.Files[i]
		payloads = append(payloads, discordPayload{
			Content: prefix + "<*uploaded a file*> " + f.Title,
			File:    f,
			Embed:   embed,
		})
		embed = nil
	}

	return payloads
}

// ThreadName derives a Discord thread name from the message that starts the
// thread, falling back to its date and time when there is no text.
func (mf *MessageFormatter) ThreadName(msg *exportMessage) string {
	name := strings.Join(strings.Fields(msg.Text), " ")
	if name == "" {
		// ':' is not allowed in thread names
		name = strings.ReplaceAll(msg.Time.Format(mf.DateLayout+" "+mf.TimeLayout), ":", "-")
	}
	if runes := []rune(name); len(runes) > maxThreadNameSize {
		name = string(runes[:maxThreadNameSize-1]) + "…"
	}
	return name
}

// normalizeText converts Slack message markup to something readable on
// Discord: mentions and special commands become backticked names, links lose
// their labels, emoji codes are translated and HTML entities unescaped.
func normalizeText(text string, users map[string]userInfo, customEmoji map[string]string) string {
	text = mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		groups := mentionPattern.FindStringSubmatch(m)
		typ, target, label := groups[1], groups[2], groups[3]
		switch {
		case typ == "#":
			if label == "" {
				label = target
			}
			return "`#" + label + "`"
		case label != "":
			return m
		case typ == "@":
			if u, ok := users[target]; ok {
				return "`@" + u.Name + "`"
			}
			return "`@[unknown]`"
		case typ == "!":
			return "`@" + target + "`"
		}
		return m
	})
	text = linkPattern.ReplaceAllString(text, "$1")
	text = emojiReplace(text, customEmoji)
	text = html.UnescapeString(text)
	return strings.TrimRight(text, " \t\r\n")
}

// splitChunks breaks s into pieces of at most width runes, preferring to
// break on whitespace.
func splitChunks(s string, width int) []string {
	if s == "" {
		return nil
	}
	if width < 1 {
		width = 1
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= width {
			chunks = append(chunks, string(runes))
			break
		}
		cut := -1
		for i := width; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if cut <= 0 {
			cut = width
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func centerPad(s string, width int, pad rune) string {
	gap := width - len([]rune(s))
	if gap <= 0 {
		return s
	}
	left := gap / 2
	return strings.Repeat(string(pad), left) + s + strings.Repeat(string(pad), gap-left)
}
