// Package discord reads guild channel history through the Discord REST API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatcal/internal/models"
)

const (
	pageSize = 100
	// discordEpoch is the first millisecond of 2015, the origin of snowflake IDs.
	discordEpoch = 1420070400000
	// readPermissions must both be granted to read a channel's history.
	readPermissions = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
)

// Session is the subset of *discordgo.Session the source uses.
type Session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Source lists channels and pages message history for a bot account.
type Source struct {
	logger   *slog.Logger
	session  Session
	guildIDs []string

	mu    sync.Mutex
	botID string
}

// NewClient creates a Source authenticated with a bot token.
func NewClient(logger *slog.Logger, token string, guildIDs []string) (*Source, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return NewSource(logger, s, guildIDs), nil
}

// NewSource wraps an existing session. An empty guildIDs reads every guild
// the bot has joined.
func NewSource(logger *slog.Logger, session Session, guildIDs []string) *Source {
	return &Source{logger: logger, session: session, guildIDs: guildIDs}
}

// Channels returns the text channels of the configured guilds.
func (s *Source) Channels(ctx context.Context) ([]models.Channel, error) {
	guilds, err := s.guilds(ctx)
	if err != nil {
		return nil, err
	}

	var channels []models.Channel
	for _, g := range guilds {
		chs, err := s.session.GuildChannels(g.ID, discordgo.WithContext(ctx))
		if err != nil {
			s.logger.Error("Could not list channels for a guild", "guild", g.Name, "error", err)
			continue
		}
		for _, ch := range chs {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			channels = append(channels, models.Channel{ID: ch.ID, Name: ch.Name, GuildID: g.ID, GuildName: g.Name})
		}
	}
	s.logger.Info("Discovered Discord channels.", "guilds", len(guilds), "channels", len(channels))
	return channels, nil
}

type guildRef struct {
	ID   string
	Name string
}

func (s *Source) guilds(ctx context.Context) ([]guildRef, error) {
	if len(s.guildIDs) > 0 {
		refs := make([]guildRef, 0, len(s.guildIDs))
		for _, id := range s.guildIDs {
			name := id
			if g, err := s.session.Guild(id, discordgo.WithContext(ctx)); err == nil {
				name = g.Name
			} else {
				s.logger.Warn("Could not fetch guild details", "guild", id, "error", err)
			}
			refs = append(refs, guildRef{ID: id, Name: name})
		}
		return refs, nil
	}

	var refs []guildRef
	after := ""
	for {
		page, err := s.session.UserGuilds(pageSize, "", after, false, discordgo.WithContext(ctx))
		if err != nil {
			return nil, &models.TransportError{Op: "list discord guilds", Err: err}
		}
		for _, g := range page {
			refs = append(refs, guildRef{ID: g.ID, Name: g.Name})
		}
		if len(page) < pageSize {
			return refs, nil
		}
		after = page[len(page)-1].ID
	}
}

// CanRead reports whether the bot may view the channel and read its history.
func (s *Source) CanRead(ctx context.Context, ch models.Channel) (bool, error) {
	botID, err := s.self(ctx)
	if err != nil {
		return false, err
	}
	perms, err := s.session.UserChannelPermissions(botID, ch.ID, discordgo.WithContext(ctx))
	if err != nil {
		return false, &models.TransportError{Op: "check channel permissions", Err: err}
	}
	return perms&readPermissions == readPermissions, nil
}

func (s *Source) self(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.botID != "" {
		return s.botID, nil
	}
	u, err := s.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", &models.TransportError{Op: "fetch bot user", Err: err}
	}
	s.botID = u.ID
	return s.botID, nil
}

// Messages pages backwards from before until a message at or older than
// after is seen. Bot authors and empty messages are skipped. The result is
// oldest first.
func (s *Source) Messages(ctx context.Context, ch models.Channel, after, before time.Time) ([]models.RawMessage, error) {
	var out []models.RawMessage
	cursor := Snowflake(before.Add(time.Millisecond))

	for {
		page, err := s.session.ChannelMessages(ch.ID, pageSize, cursor, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, &models.TransportError{Op: "fetch messages from #" + ch.Name, Err: err}
		}

		done := len(page) < pageSize
		for _, m := range page {
			if !m.Timestamp.After(after) {
				done = true
				break
			}
			if m.Timestamp.After(before) {
				continue
			}
			if raw, ok := toRawMessage(m, ch); ok {
				out = append(out, raw)
			}
		}
		if done || len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID
	}

	slices.Reverse(out)
	return out, nil
}

func toRawMessage(m *discordgo.Message, ch models.Channel) (models.RawMessage, bool) {
	if m.Author == nil || m.Author.Bot {
		return models.RawMessage{}, false
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return models.RawMessage{}, false
	}

	name := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	} else if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}

	return models.RawMessage{
		ID:          m.ID,
		AuthorID:    m.Author.ID,
		AuthorName:  name,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Text:        text,
		AuthoredAt:  m.Timestamp,
	}, true
}

// Snowflake returns the smallest snowflake ID that could be assigned at t.
func Snowflake(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}
