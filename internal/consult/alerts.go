package consult

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorAlert = 0xCC3333
	alertQueue = 64
)

// Alerter raises an operator alert. Implementations must not block the caller.
type Alerter interface {
	Alert(ctx context.Context, title, detail string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) {}

// DiscordSession abstracts the discordgo.Session method the alerter uses.
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type alert struct {
	title  string
	detail string
	at     time.Time
}

// DiscordAlerter posts alerts to one channel from a background loop. Alerts raised
// while the backlog is full are dropped and logged.
type DiscordAlerter struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
	pending   chan alert
}

// NewDiscordAlerter creates an alerter backed by a real discordgo session.
func NewDiscordAlerter(token, channelID string, logger *zap.Logger) (*DiscordAlerter, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewDiscordAlerterWithSession(dg, channelID, logger), nil
}

// NewDiscordAlerterWithSession creates an alerter with an injected session (for testing).
func NewDiscordAlerterWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordAlerter{
		session:   session,
		channelID: channelID,
		logger:    logger,
		pending:   make(chan alert, alertQueue),
	}
}

func (d *DiscordAlerter) Alert(_ context.Context, title, detail string) {
	select {
	case d.pending <- alert{title: title, detail: detail, at: time.Now().UTC()}:
	default:
		d.logger.Warn("alert dropped, backlog full", zap.String("title", title))
	}
}

// Run delivers queued alerts until ctx is done.
func (d *DiscordAlerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-d.pending:
			d.send(a)
		}
	}
}

func (d *DiscordAlerter) send(a alert) {
	embed := &discordgo.MessageEmbed{
		Title:       a.title,
		Description: truncate(a.detail, 4000),
		Color:       colorAlert,
		Timestamp:   a.at.Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "consultd"},
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		d.logger.Warn("failed to deliver alert", zap.String("title", a.title), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
