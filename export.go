package main

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"golang.org/x/text/encoding/charmap"
)

type userInfo struct {
	Name   string
	Avatar string
}

type exportChannel struct {
	Name    string
	Topic   string
	Pins    map[string]bool
	Private bool
}

type reactionInfo struct {
	Emoji string
	Users []string
}

type fileInfo struct {
	ID     string
	Name   string
	Title  string
	URL    string
	Thumbs []string
}

// exportMessage is a fully parsed Slack message, ready to render. Replies
// are attached to their thread parent.
type exportMessage struct {
	TS        string
	Username  string
	Avatar    string
	Time      time.Time
	Text      string
	Reactions []reactionInfo
	Files     []fileInfo
	Replies   []*exportMessage
	Pin       bool
	Topic     *string // non-nil for channel_topic/channel_purpose events
}

// rawFile adds export-only fields on top of the slack-go file type.
type rawFile struct {
	slack.File
	ThumbVideo string `json:"thumb_video"`
}

// rawMessage adds export-only fields on top of the slack-go message type.
// The shadowed Files field keeps thumbnail data the API type doesn't carry.
type rawMessage struct {
	slack.Message
	Files   []rawFile `json:"files"`
	FileRef *struct {
		ID string `json:"id"`
	} `json:"file"`
}

type rawChannel struct {
	Name    string `json:"name"`
	Topic   struct {
		Value string `json:"value"`
	} `json:"topic"`
	Purpose struct {
		Value string `json:"value"`
	} `json:"purpose"`
	Pins []struct {
		ID string `json:"id"`
	} `json:"pins"`
}

// extractExport unpacks a Slack export zip into dest.
func extractExport(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open export zip: %w", err)
	}
	defer r.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		name := fixZipName(f.Name, f.NonUTF8)
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("export zip contains invalid path %q", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}

// fixZipName undoes cp437-mangled filenames. Slack export zips don't set the
// UTF-8 name flag, so non-ASCII names may arrive as raw cp437 bytes.
func fixZipName(name string, nonUTF8 bool) string {
	if !nonUTF8 || utf8.ValidString(name) {
		return name
	}
	if decoded, err := charmap.CodePage437.NewDecoder().String(name); err == nil {
		return decoded
	}
	return name
}

// loadUsers reads users.json into an id -> (name, avatar) map.
func loadUsers(dir string, realNames bool) (map[string]userInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, "users.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read users.json: %w", err)
	}

	var raw []slack.User
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse users.json: %w", err)
	}

	users := make(map[string]userInfo, len(raw)+2)
	for _, u := range raw {
		var name string
		if realNames {
			name = u.Profile.RealNameNormalized
		} else {
			// bots sometimes don't set a display name - fall back to the
			// internal username
			name = u.Profile.DisplayNameNormalized
			if name == "" {
				name = u.Name
			}
		}
		users[u.ID] = userInfo{Name: name, Avatar: u.Profile.ImageOriginal}
	}
	users["USLACKBOT"] = userInfo{Name: "Slackbot"}
	users["B01"] = userInfo{Name: "Slackbot"}
	return users, nil
}

// loadChannels reads channels.json (public) and groups.json (private, may
// not exist) from the export.
func loadChannels(dir string) ([]exportChannel, error) {
	var channels []exportChannel
	for _, src := range []struct {
		file    string
		private bool
	}{
		{"channels.json", false},
		{"groups.json", true},
	} {
		data, err := os.ReadFile(filepath.Join(dir, src.file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", src.file, err)
		}

		var raw []rawChannel
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", src.file, err)
		}

		for _, c := range raw {
			var parts []string
			for _, v := range []string{c.Purpose.Value, c.Topic.Value} {
				if v != "" {
					parts = append(parts, v)
				}
			}
			pins := make(map[string]bool, len(c.Pins))
			for _, p := range c.Pins {
				pins[p.ID] = true
			}
			channels = append(channels, exportChannel{
				Name:    c.Name,
				Topic:   strings.Join(parts, "\n\n"),
				Pins:    pins,
				Private: src.private,
			})
		}
	}
	return channels, nil
}

// channelMessages parses a channel's per-day message files into thread
// parents (in timestamp order) with their replies attached. Bot users are
// added to the user map as they're discovered.
func channelMessages(dir string, ch *exportChannel, users map[string]userInfo, customEmoji map[string]string) ([]*exportMessage, error) {
	channelDir := filepath.Join(dir, ch.Name)
	entries, err := os.ReadDir(channelDir)
	if err != nil {
		return nil, fmt.Errorf("no data for channel #%s in export: %w", ch.Name, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	parents := make(map[string]*exportMessage)
	replies := make(map[string]map[string]*exportMessage)
	fileTS := make(map[string]string)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(channelDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var raw []rawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		sort.Slice(raw, func(i, j int) bool { return raw[i].Timestamp < raw[j].Timestamp })

		for i := range raw {
			m := &raw[i]
			msg, threadTS := convertMessage(m, ch, users, customEmoji, fileTS)

			if threadTS != msg.TS {
				if _, ok := parents[threadTS]; !ok {
					// orphan thread reply - skip it
					log.Debug().Str("channel", ch.Name).Str("ts", msg.TS).Msg("Skipping orphaned thread reply")
					continue
				}
				if replies[threadTS] == nil {
					replies[threadTS] = make(map[string]*exportMessage)
				}
				replies[threadTS][msg.TS] = msg
			} else {
				parents[msg.TS] = msg
			}
		}
	}

	ordered := make([]*exportMessage, 0, len(parents))
	for _, msg := range parents {
		ordered = append(ordered, msg)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TS < ordered[j].TS })

	for _, msg := range ordered {
		rs := replies[msg.TS]
		if len(rs) == 0 {
			continue
		}
		msg.Replies = make([]*exportMessage, 0, len(rs))
		for _, r := range rs {
			msg.Replies = append(msg.Replies, r)
		}
		sort.Slice(msg.Replies, func(i, j int) bool { return msg.Replies[i].TS < msg.Replies[j].TS })
	}

	return ordered, nil
}

// convertMessage turns a raw export record into an exportMessage, handling
// the message subtypes that need special treatment. It returns the message
// and the timestamp of the thread it belongs to (its own for parents).
func convertMessage(m *rawMessage, ch *exportChannel, users map[string]userInfo, customEmoji map[string]string, fileTS map[string]string) (*exportMessage, string) {
	text := normalizeText(m.Text, users, customEmoji)
	ts := m.Timestamp
	userID := m.User
	files := m.Files
	threadTS := m.ThreadTimestamp
	if threadTS == "" {
		threadTS = ts
	}

	var topicEvent *string

	switch {
	case strings.HasPrefix(m.SubType, "bot_") && m.BotID != "":
		if _, ok := users[m.BotID]; !ok {
			name := m.Username
			if name == "" {
				name = "[unknown bot]"
			}
			users[m.BotID] = userInfo{Name: name}
		}
		userID = m.BotID

	// Treat file comments as threads started on the message that posted
	// the file
	case m.SubType == "file_comment":
		if m.Comment != nil {
			text = normalizeText(m.Comment.Comment, users, customEmoji)
			userID = m.Comment.User
		}
		if m.FileRef != nil {
			if parent, ok := fileTS[m.FileRef.ID]; ok {
				threadTS = parent
			}
			kept := files[:0]
			for _, f := range files {
				if f.ID != m.FileRef.ID {
					kept = append(kept, f)
				}
			}
			files = kept
		}

	case m.SubType == "me_message":
		text = "*" + text + "*"

	case m.SubType == "reminder_add":
		text = "<*" + strings.TrimSpace(text) + "*>"

	case m.SubType == "channel_join":
		text = "<*joined the channel*>"
	case m.SubType == "channel_leave":
		text = "<*left the channel*>"
	case m.SubType == "channel_archive":
		text = "<*archived the channel*>"

	case m.SubType == "channel_topic" || m.SubType == "channel_purpose":
		topic := m.Topic
		if topic == "" {
			topic = m.Purpose
		}
		topicEvent = &topic
		if topic != "" {
			text = "<*set the channel topic*>: " + topic
		} else {
			text = "<*cleared the channel topic*>"
		}
	}

	// Remember which message posted each file so file comments can be
	// re-parented onto it
	for _, f := range files {
		fileTS[f.ID] = ts
	}

	var fileInfos []fileInfo
	for i := range files {
		if files[i].Mode == "tombstone" {
			continue
		}
		fileInfos = append(fileInfos, buildFileInfo(&files[i]))
	}

	var reactions []reactionInfo
	for _, r := range m.Reactions {
		reacters := make([]string, 0, len(r.Users))
		for _, uid := range r.Users {
			if u, ok := users[uid]; ok {
				reacters = append(reacters, strings.ReplaceAll(u.Name, "_", "\\_"))
			} else {
				reacters = append(reacters, "[unknown]")
			}
		}
		reactions = append(reactions, reactionInfo{
			Emoji: emojiReplace(":"+r.Name+":", customEmoji),
			Users: reacters,
		})
	}

	info, ok := users[userID]
	if !ok {
		info = userInfo{Name: "[unknown]"}
	}

	return &exportMessage{
		TS:        ts,
		Username:  info.Name,
		Avatar:    info.Avatar,
		Time:      tsTime(ts),
		Text:      text,
		Reactions: reactions,
		Files:     fileInfos,
		Pin:       ch.Pins[ts],
		Topic:     topicEvent,
	}, threadTS
}

// buildFileInfo fixes up the filename extension (pictures won't render with
// the wrong one) and collects thumbnail URLs largest-first as fallbacks for
// when the original can't be posted.
func buildFileInfo(f *rawFile) fileInfo {
	name := f.Name
	if name == "" {
		name = "unnamed"
	}
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	if base == "" {
		base = "unknown"
	}

	ft := f.Filetype
	if strings.EqualFold(ext, ft) {
		// extension is already correct, don't fix it
		ft = ""
	}

	var parts []string
	for _, p := range []string{base, ext, ft} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	var thumbs []string
	for _, t := range []string{
		f.Thumb1024, f.Thumb960, f.Thumb720, f.Thumb480,
		f.Thumb360, f.Thumb160, f.Thumb80, f.Thumb64, f.ThumbVideo,
	} {
		if t != "" {
			thumbs = append(thumbs, t)
		}
	}

	return fileInfo{
		ID:     f.ID,
		Name:   strings.Join(parts, "."),
		Title:  f.Title,
		URL:    f.URLPrivate,
		Thumbs: thumbs,
	}
}

func tsTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
