// Package discord implements a NanoClaw Channel (spec.md §6) over the
// Discord gateway via bwmarrin/discordgo.
//
// Grounded on the teacher pack's Discord adapter
// (vanducng-goclaw/internal/channels/discord/discord.go): bot-identity
// fetch on connect, 2000-char message chunking on send, ignoring the
// bot's own messages and other bots, and chat-metadata reporting for DMs
// only. DMs and guild channels alike map to "discord:<channelID>" JIDs.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/router"
)

// maxMessageLen is Discord's hard per-message character limit.
const maxMessageLen = 2000

// Prefix is the JID platform prefix this channel owns, per spec.md §3
// ("discord:<channelId>").
const Prefix = "discord"

// Channel adapts a discordgo session to router.Channel.
type Channel struct {
	log     *slog.Logger
	token   string
	session *discordgo.Session

	botUserID string
	onInbound func(ctx context.Context, jid string, msg router.InboundMessage)
	onMeta    func(ctx context.Context, jid string, seenAt time.Time, displayName string)
}

// New constructs a Discord channel. onInbound/onMeta are normally
// router.Router.Inbound/router.Router.ChatMetadata.
func New(log *slog.Logger, token string,
	onInbound func(ctx context.Context, jid string, msg router.InboundMessage),
	onMeta func(ctx context.Context, jid string, seenAt time.Time, displayName string),
) *Channel {
	return &Channel{
		log:       log.With("component", "channel.discord"),
		token:     token,
		onInbound: onInbound,
		onMeta:    onMeta,
	}
}

func (c *Channel) Name() string { return Prefix }

// Connect opens the Discord gateway connection and starts receiving
// message-create events.
func (c *Channel) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(c.handleMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	c.session = session

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("discord: fetching bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.log.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// OwnsJID reports whether jid carries this channel's platform prefix.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, Prefix+":")
}

// SendMessage delivers text to a Discord channel, chunking at Discord's
// 2000-character limit, breaking at a newline when one is available past
// the midpoint.
func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	if c.session == nil {
		return fmt.Errorf("discord: channel not connected")
	}
	channelID := strings.TrimPrefix(jid, Prefix+":")

	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// SetTyping implements router.TypingSetter.
func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if !on || c.session == nil {
		return nil
	}
	channelID := strings.TrimPrefix(jid, Prefix+":")
	return c.session.ChannelTyping(channelID)
}

// handleMessage normalizes a discordgo MessageCreate event into a
// router.InboundMessage and forwards it to the router.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	jid := Prefix + ":" + m.ChannelID
	isDM := m.GuildID == ""
	ctx := context.Background()

	if isDM && c.onMeta != nil {
		c.onMeta(ctx, jid, time.Now(), resolveDisplayName(m))
	}

	if c.onInbound == nil {
		return
	}
	c.onInbound(ctx, jid, router.InboundMessage{
		ID:         m.ID,
		JID:        jid,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    m.Content,
		Timestamp:  time.Now(),
		IsFromSelf: false,
		IsBot:      m.Author.Bot,
	})
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
