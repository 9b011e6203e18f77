package main

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const testUsersJSON = `[
	{"id": "U1", "name": "alice", "profile": {"real_name_normalized": "Alice Arnold", "display_name_normalized": "alice", "image_original": "https://example.com/alice.png"}},
	{"id": "U2", "name": "bob", "profile": {"real_name_normalized": "Bob Banner", "display_name_normalized": ""}}
]`

func TestLoadUsers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "users.json", testUsersJSON)

	users, err := loadUsers(dir, false)
	if err != nil {
		t.Fatalf("loadUsers: %v", err)
	}

	if got := users["U1"]; got.Name != "alice" || got.Avatar != "https://example.com/alice.png" {
		t.Errorf("U1 = %+v", got)
	}
	// empty display name falls back to the account name
	if got := users["U2"].Name; got != "bob" {
		t.Errorf("U2 name = %q, want %q", got, "bob")
	}
	if got := users["USLACKBOT"].Name; got != "Slackbot" {
		t.Errorf("USLACKBOT name = %q, want %q", got, "Slackbot")
	}
}

func TestLoadUsersRealNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "users.json", testUsersJSON)

	users, err := loadUsers(dir, true)
	if err != nil {
		t.Fatalf("loadUsers: %v", err)
	}
	if got := users["U1"].Name; got != "Alice Arnold" {
		t.Errorf("U1 name = %q, want %q", got, "Alice Arnold")
	}
}

func TestLoadChannels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "channels.json", `[
		{"name": "general", "purpose": {"value": "All the things"}, "topic": {"value": "today: cats"}, "pins": [{"id": "123.456"}]},
		{"name": "random", "purpose": {"value": ""}, "topic": {"value": ""}}
	]`)
	writeTestFile(t, dir, "groups.json", `[
		{"name": "secret", "purpose": {"value": "shh"}, "topic": {"value": ""}}
	]`)

	channels, err := loadChannels(dir)
	if err != nil {
		t.Fatalf("loadChannels: %v", err)
	}
	if len(channels) != 3 {
		t.Fatalf("got %d channels, want 3", len(channels))
	}

	general := channels[0]
	if general.Name != "general" || general.Private {
		t.Errorf("general = %+v", general)
	}
	if want := "All the things\n\ntoday: cats"; general.Topic != want {
		t.Errorf("general topic = %q, want %q", general.Topic, want)
	}
	if !general.Pins["123.456"] {
		t.Error("general should have 123.456 pinned")
	}

	if channels[1].Topic != "" {
		t.Errorf("random topic = %q, want empty", channels[1].Topic)
	}
	if !channels[2].Private {
		t.Error("channels from groups.json should be private")
	}
}

func TestLoadChannelsNoGroupsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "channels.json", `[{"name": "general", "purpose": {"value": ""}, "topic": {"value": ""}}]`)

	channels, err := loadChannels(dir)
	if err != nil {
		t.Fatalf("loadChannels: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("got %d channels, want 1", len(channels))
	}
}

func testChannelDir(t *testing.T) (string, *exportChannel, map[string]userInfo) {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "users.json", testUsersJSON)
	users, err := loadUsers(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	ch := &exportChannel{Name: "general", Pins: map[string]bool{"1609459300.000200": true}}
	return dir, ch, users
}

func TestChannelMessagesThreads(t *testing.T) {
	t.Parallel()

	dir, ch, users := testChannelDir(t)
	// replies split across day files, plus an orphan
	writeTestFile(t, dir, "general/2021-01-01.json", `[
		{"ts": "1609459200.000100", "user": "U1", "text": "hello"},
		{"ts": "1609459300.000200", "user": "U2", "text": "thread parent", "thread_ts": "1609459300.000200"},
		{"ts": "1609459400.000300", "user": "U1", "text": "first reply", "thread_ts": "1609459300.000200"},
		{"ts": "1609459500.000400", "user": "U1", "text": "orphan reply", "thread_ts": "1609450000.000000"}
	]`)
	writeTestFile(t, dir, "general/2021-01-02.json", `[
		{"ts": "1609545600.000500", "user": "U2", "text": "second reply", "thread_ts": "1609459300.000200"}
	]`)

	msgs, err := channelMessages(dir, ch, users, nil)
	if err != nil {
		t.Fatalf("channelMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d parents, want 2 (orphan should be dropped)", len(msgs))
	}

	if msgs[0].Text != "hello" || msgs[0].Username != "alice" {
		t.Errorf("first message = %+v", msgs[0])
	}

	parent := msgs[1]
	if parent.Text != "thread parent" {
		t.Errorf("parent text = %q", parent.Text)
	}
	if !parent.Pin {
		t.Error("parent should be flagged as pinned")
	}
	if len(parent.Replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(parent.Replies))
	}
	if parent.Replies[0].Text != "first reply" || parent.Replies[1].Text != "second reply" {
		t.Errorf("replies out of order: %q, %q", parent.Replies[0].Text, parent.Replies[1].Text)
	}
}

func TestChannelMessagesSubtypes(t *testing.T) {
	t.Parallel()

	dir, ch, users := testChannelDir(t)
	writeTestFile(t, dir, "general/2021-01-01.json", `[
		{"ts": "1.1", "user": "U1", "text": "waves", "subtype": "me_message"},
		{"ts": "2.1", "user": "U1", "text": "", "subtype": "channel_join"},
		{"ts": "3.1", "user": "U2", "text": "", "subtype": "channel_leave"},
		{"ts": "4.1", "user": "U1", "text": "set topic", "subtype": "channel_topic", "topic": "new topic"},
		{"ts": "5.1", "user": "U1", "text": "", "subtype": "channel_topic", "topic": ""},
		{"ts": "6.1", "subtype": "bot_message", "bot_id": "B99", "username": "deploybot", "text": "deployed"},
		{"ts": "7.1", "user": "U1", "text": "remind", "subtype": "reminder_add"}
	]`)

	msgs, err := channelMessages(dir, ch, users, nil)
	if err != nil {
		t.Fatalf("channelMessages: %v", err)
	}
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, want 7", len(msgs))
	}

	if msgs[0].Text != "*waves*" {
		t.Errorf("me_message = %q", msgs[0].Text)
	}
	if msgs[1].Text != "<*joined the channel*>" {
		t.Errorf("channel_join = %q", msgs[1].Text)
	}
	if msgs[2].Text != "<*left the channel*>" {
		t.Errorf("channel_leave = %q", msgs[2].Text)
	}
	if msgs[3].Topic == nil || *msgs[3].Topic != "new topic" {
		t.Errorf("channel_topic event = %v", msgs[3].Topic)
	}
	if msgs[3].Text != "<*set the channel topic*>: new topic" {
		t.Errorf("channel_topic text = %q", msgs[3].Text)
	}
	if msgs[4].Topic == nil || *msgs[4].Topic != "" {
		t.Error("cleared topic should still produce an event")
	}
	if msgs[4].Text != "<*cleared the channel topic*>" {
		t.Errorf("cleared topic text = %q", msgs[4].Text)
	}
	if msgs[5].Username != "deploybot" {
		t.Errorf("bot message username = %q, want %q", msgs[5].Username, "deploybot")
	}
	if _, ok := users["B99"]; !ok {
		t.Error("bot user should have been added to the user map")
	}
	if msgs[6].Text != "<*remind*>" {
		t.Errorf("reminder_add = %q", msgs[6].Text)
	}
}

func TestChannelMessagesFileComment(t *testing.T) {
	t.Parallel()

	dir, ch, users := testChannelDir(t)
	writeTestFile(t, dir, "general/2021-01-01.json", `[
		{"ts": "1.1", "user": "U1", "text": "uploaded", "files": [{"id": "F1", "name": "pic.png", "title": "pic", "filetype": "png", "url_private": "https://example.com/pic.png"}]},
		{"ts": "2.1", "user": "U1", "text": "", "subtype": "file_comment", "file": {"id": "F1"}, "comment": {"user": "U2", "comment": "nice pic"}}
	]`)

	msgs, err := channelMessages(dir, ch, users, nil)
	if err != nil {
		t.Fatalf("channelMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d parents, want 1 (comment becomes a reply)", len(msgs))
	}
	if len(msgs[0].Replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(msgs[0].Replies))
	}
	reply := msgs[0].Replies[0]
	if reply.Text != "nice pic" || reply.Username != "bob" {
		t.Errorf("file comment reply = %+v", reply)
	}
}

func TestChannelMessagesFilesAndReactions(t *testing.T) {
	t.Parallel()

	dir, ch, users := testChannelDir(t)
	writeTestFile(t, dir, "general/2021-01-01.json", `[
		{"ts": "1.1", "user": "U1", "text": "files", "files": [
			{"id": "F1", "name": "ok.png", "title": "ok", "filetype": "png", "url_private": "https://example.com/ok.png", "thumb_360": "https://example.com/t360.png", "thumb_1024": "https://example.com/t1024.png"},
			{"id": "F2", "name": "gone.png", "title": "gone", "mode": "tombstone"}
		], "reactions": [
			{"name": "wave", "users": ["U1", "U9"], "count": 2}
		]}
	]`)

	msgs, err := channelMessages(dir, ch, users, nil)
	if err != nil {
		t.Fatalf("channelMessages: %v", err)
	}

	msg := msgs[0]
	if len(msg.Files) != 1 {
		t.Fatalf("got %d files, want 1 (tombstone dropped)", len(msg.Files))
	}
	f := msg.Files[0]
	if f.Name != "ok.png" || f.URL != "https://example.com/ok.png" {
		t.Errorf("file = %+v", f)
	}
	if len(f.Thumbs) != 2 || f.Thumbs[0] != "https://example.com/t1024.png" {
		t.Errorf("thumbs should be largest-first: %v", f.Thumbs)
	}

	if len(msg.Reactions) != 1 {
		t.Fatalf("got %d reactions, want 1", len(msg.Reactions))
	}
	r := msg.Reactions[0]
	if r.Emoji != ":wave:" {
		t.Errorf("reaction emoji = %q", r.Emoji)
	}
	if len(r.Users) != 2 || r.Users[0] != "alice" || r.Users[1] != "[unknown]" {
		t.Errorf("reaction users = %v", r.Users)
	}
}

func TestBuildFileInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fileName string
		filetype string
		want     string
	}{
		{name: "correct_extension", fileName: "pic.png", filetype: "png", want: "pic.png"},
		{name: "case_insensitive", fileName: "pic.PNG", filetype: "png", want: "pic.PNG"},
		{name: "wrong_extension", fileName: "pic.bin", filetype: "png", want: "pic.bin.png"},
		{name: "no_extension", fileName: "pic", filetype: "png", want: "pic.png"},
		{name: "no_name", fileName: "", filetype: "jpg", want: "unnamed.jpg"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &rawFile{}
			f.Name = tt.fileName
			f.Filetype = tt.filetype
			if got := buildFileInfo(f).Name; got != tt.want {
				t.Errorf("buildFileInfo name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFixZipName(t *testing.T) {
	t.Parallel()

	// valid UTF-8 passes through even without the flag
	if got := fixZipName("café.json", true); got != "café.json" {
		t.Errorf("got %q", got)
	}
	// cp437 bytes get decoded (0x82 is 'é' in cp437)
	if got := fixZipName("caf\x82.json", true); got != "café.json" {
		t.Errorf("got %q, want %q", got, "café.json")
	}
	// the flag being set means no fixup
	if got := fixZipName("plain.json", false); got != "plain.json" {
		t.Errorf("got %q", got)
	}
}

func TestExtractExport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "export.zip")

	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"users.json":              `[]`,
		"general/2021-01-01.json": `[]`,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := extractExport(zipPath, dest); err != nil {
		t.Fatalf("extractExport: %v", err)
	}

	for _, name := range []string{"users.json", "general/2021-01-01.json"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing extracted file %s: %v", name, err)
		}
	}
}

func TestExtractExportRejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")

	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../evil.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := extractExport(zipPath, dest); err == nil {
		t.Error("expected an error for a path traversal entry")
	}
}

func TestTsTime(t *testing.T) {
	t.Parallel()

	got := tsTime("1609459200.000100")
	if got.Unix() != 1609459200 {
		t.Errorf("tsTime seconds = %d, want 1609459200", got.Unix())
	}
	if tsTime("garbage") != (time.Time{}) {
		t.Error("bad timestamps should produce the zero time")
	}
}
