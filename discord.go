package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxAttempts = 5

// DiscordClient wraps the discordgo REST client with a client-side rate
// limiter and retry on transient failures.
type DiscordClient struct {
	session   *discordgo.Session
	limiter   *rate.Limiter
	retryBase time.Duration
}

func NewDiscordClient(token string) (*DiscordClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// discordgo waits out 429s internally, the limiter keeps us from
	// hitting them in the first place
	session.ShouldRetryOnRateLimit = true
	session.MaxRestRetries = 3

	return &DiscordClient{
		session:   session,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		retryBase: time.Second,
	}, nil
}

// withRetry waits for the rate limiter, then runs fn, retrying transient
// failures (429s, 5xx, network errors) with exponential backoff.
func (dc *DiscordClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if werr := dc.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = fn()
		if err == nil || attempt >= maxAttempts-1 || !isRetryable(err) {
			return err
		}

		delay := dc.retryBase << attempt
		var rlErr *discordgo.RateLimitError
		if errors.As(err, &rlErr) && rlErr.RetryAfter > delay {
			delay = rlErr.RetryAfter
		}

		log.Warn().Err(err).Str("op", op).Dur("backoff", delay).Msg("Transient Discord error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isRetryable(err error) bool {
	var rlErr *discordgo.RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return restErr.Response != nil &&
			(restErr.Response.StatusCode == http.StatusTooManyRequests || restErr.Response.StatusCode >= 500)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isForbidden(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusForbidden
}

// Me returns the bot's own user.
func (dc *DiscordClient) Me(ctx context.Context) (*discordgo.User, error) {
	var user *discordgo.User
	err := dc.withRetry(ctx, "get bot user", func() error {
		var err error
		user, err = dc.session.User("@me")
		return err
	})
	return user, err
}

// FindGuild looks up an accessible guild by name.
func (dc *DiscordClient) FindGuild(ctx context.Context, name string) (*discordgo.UserGuild, error) {
	var guilds []*discordgo.UserGuild
	err := dc.withRetry(ctx, "list guilds", func() error {
		var err error
		guilds, err = dc.session.UserGuilds(200, "", "", false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}

	available := make([]string, 0, len(guilds))
	for _, g := range guilds {
		if g.Name == name {
			return g, nil
		}
		available = append(available, "'"+g.Name+"'")
	}
	return nil, fmt.Errorf("guild '%s' not accessible to the bot, available guild(s): %s",
		name, strings.Join(available, ", "))
}

// GuildTextChannels returns the guild's text channels keyed by name.
func (dc *DiscordClient) GuildTextChannels(ctx context.Context, guildID string) (map[string]*discordgo.Channel, error) {
	var channels []*discordgo.Channel
	err := dc.withRetry(ctx, "list channels", func() error {
		var err error
		channels, err = dc.session.GuildChannels(guildID)
		return err
	})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*discordgo.Channel)
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			byName[ch.Name] = ch
		}
	}
	return byName, nil
}

// GuildEmoji returns the guild's custom emoji, name -> mention form.
func (dc *DiscordClient) GuildEmoji(ctx context.Context, guildID string) (map[string]string, error) {
	var emoji []*discordgo.Emoji
	err := dc.withRetry(ctx, "list emoji", func() error {
		var err error
		emoji, err = dc.session.GuildEmojis(guildID)
		return err
	})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]string, len(emoji))
	for _, e := range emoji {
		byName[e.Name] = e.MessageFormat()
	}
	return byName, nil
}

// CreateChannel creates a text channel. Private channels deny @everyone and
// allow only the bot itself (the @everyone role ID is the guild ID).
func (dc *DiscordClient) CreateChannel(ctx context.Context, guildID, name, topic string, private bool, botUserID string) (*discordgo.Channel, error) {
	data := discordgo.GuildChannelCreateData{
		Name:  name,
		Type:  discordgo.ChannelTypeGuildText,
		Topic: topic,
	}
	if private {
		data.PermissionOverwrites = []*discordgo.PermissionOverwrite{
			{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
			{ID: botUserID, Type: discordgo.PermissionOverwriteTypeMember, Allow: discordgo.PermissionViewChannel},
		}
	}

	var ch *discordgo.Channel
	err := dc.withRetry(ctx, "create channel", func() error {
		var err error
		ch, err = dc.session.GuildChannelCreateComplex(guildID, data)
		return err
	})
	return ch, err
}

func (dc *DiscordClient) CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error) {
	var wh *discordgo.Webhook
	err := dc.withRetry(ctx, "create webhook", func() error {
		var err error
		wh, err = dc.session.WebhookCreate(channelID, name, "")
		return err
	})
	return wh, err
}

func (dc *DiscordClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	return dc.withRetry(ctx, "delete webhook", func() error {
		return dc.session.WebhookDelete(webhookID)
	})
}

// SendWebhook executes a webhook (into threadID when non-empty) and waits
// for the created message.
func (dc *DiscordClient) SendWebhook(ctx context.Context, webhook *discordgo.Webhook, threadID string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	var msg *discordgo.Message
	err := dc.withRetry(ctx, "execute webhook", func() error {
		var err error
		if threadID == "" {
			msg, err = dc.session.WebhookExecute(webhook.ID, webhook.Token, true, params)
		} else {
			msg, err = dc.session.WebhookThreadExecute(webhook.ID, webhook.Token, true, threadID, params)
		}
		return err
	})
	return msg, err
}

// SendChannel posts a plain message as the bot (used for date separators).
func (dc *DiscordClient) SendChannel(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	var msg *discordgo.Message
	err := dc.withRetry(ctx, "send message", func() error {
		var err error
		msg, err = dc.session.ChannelMessageSend(channelID, content)
		return err
	})
	return msg, err
}

func (dc *DiscordClient) StartThread(ctx context.Context, channelID, messageID, name string) (*discordgo.Channel, error) {
	var thread *discordgo.Channel
	err := dc.withRetry(ctx, "start thread", func() error {
		var err error
		thread, err = dc.session.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: 1440,
		})
		return err
	})
	return thread, err
}

func (dc *DiscordClient) PinMessage(ctx context.Context, channelID, messageID string) error {
	return dc.withRetry(ctx, "pin message", func() error {
		return dc.session.ChannelMessagePin(channelID, messageID)
	})
}

func (dc *DiscordClient) EditTopic(ctx context.Context, channelID, topic string) error {
	return dc.withRetry(ctx, "edit channel topic", func() error {
		_, err := dc.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Topic: topic})
		return err
	})
}
