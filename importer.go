package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// discordAPI is the slice of the Discord client the importer needs.
type discordAPI interface {
	Me(ctx context.Context) (*discordgo.User, error)
	FindGuild(ctx context.Context, name string) (*discordgo.UserGuild, error)
	GuildTextChannels(ctx context.Context, guildID string) (map[string]*discordgo.Channel, error)
	GuildEmoji(ctx context.Context, guildID string) (map[string]string, error)
	CreateChannel(ctx context.Context, guildID, name, topic string, private bool, botUserID string) (*discordgo.Channel, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	SendWebhook(ctx context.Context, webhook *discordgo.Webhook, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error)
	SendChannel(ctx context.Context, channelID, content string) (*discordgo.Message, error)
	StartThread(ctx context.Context, channelID, messageID, name string) (*discordgo.Channel, error)
	PinMessage(ctx context.Context, channelID, messageID string) error
	EditTopic(ctx context.Context, channelID, topic string) error
}

type ImportOptions struct {
	DataDir     string
	GuildName   string
	Channels    []string // empty = all channels in the export
	Start       time.Time
	End         time.Time // exclusive
	AllPrivate  bool
	RealNames   bool
	InlineDates bool
	DateLayout  string
	TimeLayout  string
}

// Importer replays a parsed Slack export into a Discord guild, one message
// at a time, recording the resulting ID mappings as it goes.
type Importer struct {
	discord   discordAPI
	db        *Database
	fetcher   *fileFetcher
	formatter *MessageFormatter
	opts      ImportOptions

	prevDate string // for date separator bookkeeping
}

func NewImporter(discord discordAPI, db *Database, opts ImportOptions) *Importer {
	if opts.DateLayout == "" {
		opts.DateLayout = "2006-01-02"
	}
	if opts.TimeLayout == "" {
		opts.TimeLayout = "15:04"
	}
	return &Importer{
		discord:   discord,
		db:        db,
		fetcher:   newFileFetcher(),
		formatter: NewMessageFormatter(opts.DateLayout, opts.TimeLayout, opts.InlineDates),
		opts:      opts,
	}
}

func (imp *Importer) Run(ctx context.Context) error {
	start := time.Now()

	me, err := imp.discord.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to identify bot user: %w", err)
	}

	guild, err := imp.discord.FindGuild(ctx, imp.opts.GuildName)
	if err != nil {
		return err
	}
	log.Info().Str("guild", guild.Name).Str("id", guild.ID).Msg("Found target guild")

	customEmoji, err := imp.discord.GuildEmoji(ctx, guild.ID)
	if err != nil {
		return fmt.Errorf("failed to list guild emoji: %w", err)
	}

	users, err := loadUsers(imp.opts.DataDir, imp.opts.RealNames)
	if err != nil {
		return err
	}

	channels, err := loadChannels(imp.opts.DataDir)
	if err != nil {
		return err
	}

	existing, err := imp.discord.GuildTextChannels(ctx, guild.ID)
	if err != nil {
		return fmt.Errorf("failed to list guild channels: %w", err)
	}

	selected := make(map[string]bool, len(imp.opts.Channels))
	for _, name := range imp.opts.Channels {
		selected[name] = true
	}

	log.Info().Int("channels", len(channels)).Msg("Starting to import messages")

	var totalMsgs, totalChans int
	bar := progressbar.Default(int64(len(channels)), "channels")
	for i := range channels {
		ch := &channels[i]
		if len(selected) > 0 && !selected[ch.Name] {
			_ = bar.Add(1)
			continue
		}
		n, used, err := imp.importChannel(ctx, guild.ID, me, ch, users, customEmoji, existing)
		if err != nil {
			return fmt.Errorf("failed to import channel #%s: %w", ch.Name, err)
		}
		totalMsgs += n
		if used {
			totalChans++
		}
		_ = bar.Add(1)
	}

	log.Info().
		Int("messages", totalMsgs).
		Int("channels", totalChans).
		Dur("elapsed", time.Since(start)).
		Msg("Finished import")
	return nil
}

// importChannel replays one channel. The Discord channel and webhook are
// only created once a message inside the date window shows up, so filtered
// runs don't litter the guild with empty channels.
func (imp *Importer) importChannel(ctx context.Context, guildID string, me *discordgo.User, ch *exportChannel, users map[string]userInfo, customEmoji map[string]string, existing map[string]*discordgo.Channel) (count int, used bool, err error) {
	log.Info().Str("channel", ch.Name).Msg("Processing channel")

	msgs, err := channelMessages(imp.opts.DataDir, ch, users, customEmoji)
	if err != nil {
		log.Error().Err(err).Str("channel", ch.Name).Msg("Skipping channel with no export data")
		return 0, false, nil
	}

	if last, lerr := imp.db.GetLastImportedTS(ch.Name); lerr == nil && last != "" {
		log.Debug().Str("channel", ch.Name).Str("ts", last).Msg("Resuming channel import")
	}

	topic := emojiReplace(ch.Topic, customEmoji)
	lastTopic := topic
	imp.prevDate = "" // always start with a date separator in a new channel

	var (
		channelID string
		webhook   *discordgo.Webhook
	)
	defer func() {
		if webhook != nil {
			if derr := imp.discord.DeleteWebhook(ctx, webhook.ID); derr != nil {
				log.Warn().Err(derr).Str("channel", ch.Name).Msg("Failed to delete import webhook")
			}
		}
	}()

	for _, msg := range msgs {
		// skip messages that are too early, stop when they're too late
		if !imp.opts.End.IsZero() && !msg.Time.Before(imp.opts.End) {
			break
		}
		if !imp.opts.Start.IsZero() && msg.Time.Before(imp.opts.Start) {
			continue
		}

		if channelID == "" {
			channelID, err = imp.ensureChannel(ctx, guildID, me, ch, topic, existing)
			if err != nil {
				return count, used, err
			}
			webhook, err = imp.discord.CreateWebhook(ctx, channelID, me.Username)
			if err != nil {
				return count, used, fmt.Errorf("failed to create webhook: %w", err)
			}
			used = true
		}

		if msg.Topic != nil && *msg.Topic != lastTopic {
			// topic edits are rate limited hard (2 per 10 minutes), a
			// channel with many topic changes will take a while
			if terr := imp.discord.EditTopic(ctx, channelID, *msg.Topic); terr != nil {
				log.Warn().Err(terr).Str("channel", ch.Name).Msg("Failed to update channel topic")
			} else {
				lastTopic = *msg.Topic
			}
		}

		sentID, err := imp.db.GetMessage(ch.Name, msg.TS)
		if err != nil {
			return count, used, err
		}
		if sentID != "" {
			log.Debug().Str("channel", ch.Name).Str("ts", msg.TS).Msg("Message already imported, skipping")
		} else {
			imp.sendDateSeparator(ctx, channelID, msg.Time)
			if sent := imp.sendMessage(ctx, webhook, "", msg); sent != nil {
				sentID = sent.ID
				if err := imp.db.SaveMessage(ch.Name, msg.TS, sent.ID); err != nil {
					return count, used, err
				}
				count++
			}
		}

		if len(msg.Replies) > 0 && sentID != "" {
			n, err := imp.importThread(ctx, channelID, sentID, webhook, ch.Name, msg)
			if err != nil {
				return count, used, err
			}
			count += n
		}
	}

	if used {
		total, _ := imp.db.CountMessages(ch.Name)
		log.Info().Str("channel", ch.Name).Int("messages", count).Int("total", total).Msg("Imported channel")
	}
	return count, used, nil
}

// importThread starts (or resumes) the thread for a parent message and
// replays its replies into it.
func (imp *Importer) importThread(ctx context.Context, channelID, parentID string, webhook *discordgo.Webhook, channelKey string, msg *exportMessage) (int, error) {
	threadID, err := imp.db.GetThread(channelKey, msg.TS)
	if err != nil {
		return 0, err
	}
	if threadID == "" {
		thread, terr := imp.discord.StartThread(ctx, channelID, parentID, imp.formatter.ThreadName(msg))
		if terr != nil {
			log.Error().Err(terr).Str("channel", channelKey).Str("ts", msg.TS).Msg("Failed to start thread")
			return 0, nil
		}
		threadID = thread.ID
		if err := imp.db.SaveThread(channelKey, msg.TS, threadID); err != nil {
			return 0, err
		}
	}

	var count int
	for _, reply := range msg.Replies {
		id, err := imp.db.GetMessage(channelKey, reply.TS)
		if err != nil {
			return count, err
		}
		if id != "" {
			continue
		}
		imp.sendDateSeparator(ctx, threadID, reply.Time)
		if sent := imp.sendMessage(ctx, webhook, threadID, reply); sent != nil {
			if err := imp.db.SaveMessage(channelKey, reply.TS, sent.ID); err != nil {
				return count, err
			}
			count++
		}
	}

	// the next separator in the main channel keys off the parent, not the
	// last threaded reply
	imp.prevDate = msg.Time.Format(imp.formatter.DateLayout)
	return count, nil
}

func (imp *Importer) ensureChannel(ctx context.Context, guildID string, me *discordgo.User, ch *exportChannel, topic string, existing map[string]*discordgo.Channel) (string, error) {
	id, err := imp.db.GetChannel(ch.Name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	if dch, ok := existing[ch.Name]; ok {
		id = dch.ID
	} else {
		private := ch.Private || imp.opts.AllPrivate
		log.Info().Str("channel", ch.Name).Bool("private", private).Msg("Creating channel")
		dch, cerr := imp.discord.CreateChannel(ctx, guildID, ch.Name, topic, private, me.ID)
		if cerr != nil {
			return "", fmt.Errorf("failed to create channel: %w", cerr)
		}
		id = dch.ID
	}

	if err := imp.db.SaveChannel(ch.Name, id); err != nil {
		return "", err
	}
	return id, nil
}

// sendDateSeparator posts a date marker when the date changed since the
// previous message. Inline-dates mode puts the date in every message
// instead.
func (imp *Importer) sendDateSeparator(ctx context.Context, targetID string, t time.Time) {
	if imp.opts.InlineDates {
		return
	}
	date := t.Format(imp.formatter.DateLayout)
	if imp.prevDate == date {
		return
	}
	if _, err := imp.discord.SendChannel(ctx, targetID, imp.formatter.DateSeparator(t)); err != nil {
		log.Warn().Err(err).Msg("Failed to send date separator")
	}
	imp.prevDate = date
}

// sendMessage posts every Discord message a Slack message expands to.
// Failures on individual payloads are logged and skipped. Returns the last
// successfully sent message (threads are started on it), or nil if nothing
// went through.
func (imp *Importer) sendMessage(ctx context.Context, webhook *discordgo.Webhook, threadID string, msg *exportMessage) *discordgo.Message {
	var sent *discordgo.Message
	pin := msg.Pin
	for _, payload := range imp.formatter.Render(msg) {
		m, err := imp.sendPayload(ctx, webhook, threadID, msg, payload)
		if err != nil {
			log.Error().Err(err).Str("content", payload.Content).Msg("Failed to post message")
			continue
		}
		sent = m

		if payload.File != nil && payload.File.ID != "" {
			if err := imp.db.SaveFile(payload.File.ID, m.ID); err != nil {
				log.Warn().Err(err).Str("file", payload.File.ID).Msg("Failed to record file mapping")
			}
		}

		if pin {
			pin = false
			// needs the optional Manage Messages permission
			if perr := imp.discord.PinMessage(ctx, m.ChannelID, m.ID); perr != nil && !isForbidden(perr) {
				log.Warn().Err(perr).Msg("Failed to pin message")
			}
		}
	}
	return sent
}

// sendPayload executes the webhook for one payload. File payloads try the
// original upload first, then each thumbnail, and finally post without the
// attachment.
func (imp *Importer) sendPayload(ctx context.Context, webhook *discordgo.Webhook, threadID string, msg *exportMessage, payload discordPayload) (*discordgo.Message, error) {
	params := &discordgo.WebhookParams{
		Content:   payload.Content,
		Username:  msg.Username,
		AvatarURL: msg.Avatar,
	}
	if payload.Embed != nil {
		params.Embeds = []*discordgo.MessageEmbed{payload.Embed}
	}
	if payload.File == nil {
		return imp.discord.SendWebhook(ctx, webhook, threadID, params)
	}

	type candidate struct{ url, name string }
	candidates := []candidate{{payload.File.URL, payload.File.Name}}
	for _, t := range payload.File.Thumbs {
		candidates = append(candidates, candidate{t, thumbName(t)})
	}

	var lastErr error
	for i, c := range candidates {
		f, err := imp.fetcher.download(ctx, c.url, c.name)
		if err != nil {
			lastErr = err
		} else {
			params.Files = []*discordgo.File{f}
			m, serr := imp.discord.SendWebhook(ctx, webhook, threadID, params)
			if serr == nil {
				return m, nil
			}
			lastErr = serr
			params.Files = nil
		}
		if i == 0 {
			params.Content += fmt.Sprintf("\n<file thumbnail used due to size restrictions. See original at <%s>>", payload.File.URL)
		}
	}

	log.Error().Err(lastErr).Str("file", payload.File.Name).Msg("Failed to upload file, posting without the attachment")
	params.Files = nil
	return imp.discord.SendWebhook(ctx, webhook, threadID, params)
}
