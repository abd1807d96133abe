// Package discord implements the platform Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/relay"
)

const (
	// messageCeiling is Discord's message size limit.
	messageCeiling = 2000
	// maxRetries bounds rate-limit retries per API call.
	maxRetries = 3
	// historyPage is the per-request page size for thread history.
	historyPage = 100
	// threadAutoArchiveMinutes is 24 hours, the longest non-boosted tier.
	threadAutoArchiveMinutes = 1440
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data)
}
func (r *realSession) GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	return r.s.GuildThreadsActive(guildID, options...)
}
func (r *realSession) ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	return r.s.ThreadsArchived(channelID, before, limit, options...)
}
func (r *realSession) ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelEditComplex(channelID, data, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}

// Adapter implements platform.Adapter for Discord.
type Adapter struct {
	sess      session
	botToken  string
	channelID string

	mu        sync.Mutex
	guildID   string
	botUserID string
	connected bool
	closed    bool

	inbound       chan platform.InboundMessage
	removeHandler func()
}

// Opts holds parameters for creating a Discord Adapter.
type Opts struct {
	BotToken  string
	ChannelID string // root channel threads hang off
	// Session injects a mock for tests.
	Session session
}

// New creates a Discord Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	return &Adapter{
		sess:      opts.Session,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		inbound:   make(chan platform.InboundMessage, 100),
	}, nil
}

func (a *Adapter) Name() string { return "discord" }

// Connect opens the Gateway WebSocket and registers event handlers.
// discordgo reconnects the gateway itself; we log transitions.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (%s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, awaiting auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})

	if err := a.sess.Open(); err != nil {
		return relay.Wrap(relay.KindUnreachable, err, "discord: open gateway")
	}

	// Resolve the guild from the root channel for active-thread listing.
	if ch, err := a.sess.Channel(a.channelID); err == nil {
		a.guildID = ch.GuildID
	}

	a.connected = true
	return nil
}

// Close shuts the gateway down and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

func (a *Adapter) Inbound() <-chan platform.InboundMessage { return a.inbound }

// BotUserID returns the bot's own user ID, known after Ready.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// handleMessage converts a gateway message event into an InboundMessage.
// Bot and self messages are filtered here so the router never sees them.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author.ID == botID {
		return
	}

	channelID := m.ChannelID
	threadRef := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		if ch.ParentID != a.channelID {
			return // thread under someone else's channel
		}
		channelID = ch.ParentID
		threadRef = m.ChannelID
	} else if m.ChannelID != a.channelID {
		return // unrelated channel
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.inbound <- platform.InboundMessage{
		Platform:   "discord",
		ChannelID:  channelID,
		ThreadRef:  threadRef,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Text:       m.Content,
		ExternalID: m.ID,
		Timestamp:  ts,
	}
}

// EnsureThread finds or creates the "[agent] <session>" thread. Find order:
// active guild threads under the channel, archived threads, then recent
// channel messages carrying thread metadata. Archived finds are reopened.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	threadName := platform.ThreadName(sessionName)

	ref, archived, err := a.findThread(ctx, threadName)
	if err != nil {
		return "", err
	}
	if ref != "" {
		if archived {
			if err := a.unarchive(ctx, ref); err != nil {
				return "", err
			}
		}
		return ref, nil
	}

	if starterText == "" {
		starterText = fmt.Sprintf("tmux session: **%s**", threadName)
	}

	var starter *discordgo.Message
	err = a.retry(ctx, func() error {
		var apiErr error
		starter, apiErr = a.sess.ChannelMessageSend(a.channelID, starterText)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: post starter for %q: %w", sessionName, err)
	}

	var thread *discordgo.Channel
	err = a.retry(ctx, func() error {
		var apiErr error
		thread, apiErr = a.sess.MessageThreadStartComplex(a.channelID, starter.ID, &discordgo.ThreadStart{
			Name:                threadName,
			AutoArchiveDuration: threadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create thread %q: %w", threadName, err)
	}

	welcome := fmt.Sprintf(
		"**Welcome to %s** 👋\n\nType a message here to forward it to the tmux session.\n\n"+
			"**Commands:**\n`!sessions` — list all sessions\n`!kill %s` — kill this session + archive thread",
		threadName, sessionName)
	if err := a.Post(ctx, thread.ID, welcome, true); err != nil {
		log.Printf("discord: welcome post for %q: %v", sessionName, err)
	}
	return thread.ID, nil
}

// findThread searches for an existing thread by exact name. Returns the
// thread ID and whether it was found archived.
func (a *Adapter) findThread(ctx context.Context, threadName string) (string, bool, error) {
	// 1. Active threads across the guild, filtered by parent channel.
	a.mu.Lock()
	guildID := a.guildID
	a.mu.Unlock()
	if guildID != "" {
		var list *discordgo.ThreadsList
		err := a.retry(ctx, func() error {
			var apiErr error
			list, apiErr = a.sess.GuildThreadsActive(guildID)
			return apiErr
		})
		if err != nil {
			return "", false, fmt.Errorf("discord: list active threads: %w", err)
		}
		for _, t := range list.Threads {
			if t.Name == threadName && t.ParentID == a.channelID {
				return t.ID, false, nil
			}
		}
	}

	// 2. Archived public threads under the channel.
	var archived *discordgo.ThreadsList
	err := a.retry(ctx, func() error {
		var apiErr error
		archived, apiErr = a.sess.ThreadsArchived(a.channelID, nil, historyPage)
		return apiErr
	})
	if err == nil && archived != nil {
		for _, t := range archived.Threads {
			if t.Name == threadName {
				return t.ID, true, nil
			}
		}
	}

	// 3. Recent channel messages with thread metadata.
	var msgs []*discordgo.Message
	err = a.retry(ctx, func() error {
		var apiErr error
		msgs, apiErr = a.sess.ChannelMessages(a.channelID, 50, "", "", "")
		return apiErr
	})
	if err != nil {
		return "", false, fmt.Errorf("discord: scan channel messages: %w", err)
	}
	for _, m := range msgs {
		if m.Thread != nil && m.Thread.Name == threadName {
			return m.Thread.ID, m.Thread.ThreadMetadata != nil && m.Thread.ThreadMetadata.Archived, nil
		}
	}
	return "", false, nil
}

func (a *Adapter) unarchive(ctx context.Context, threadID string) error {
	archived := false
	err := a.retry(ctx, func() error {
		_, apiErr := a.sess.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Archived: &archived})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: unarchive %s: %w", threadID, err)
	}
	return nil
}

// Post sends text to a thread. Discord threads are channels, so threadRef
// is the target channel ID.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = "✅ **Task complete**\n" + text
	}
	text = platform.Truncate(text, messageCeiling)
	err := a.retry(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageSend(threadRef, text)
		return apiErr
	})
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case 404:
				return relay.Wrap(relay.KindNotFound, err, "discord: thread %s gone", threadRef)
			case 429:
				return relay.Wrap(relay.KindRateLimited, err, "discord: post to %s", threadRef)
			}
		}
		return relay.Wrap(relay.KindUnreachable, err, "discord: post to %s", threadRef)
	}
	return nil
}

// Archive marks the thread archived.
func (a *Adapter) Archive(ctx context.Context, threadRef string) error {
	archived := true
	err := a.retry(ctx, func() error {
		_, apiErr := a.sess.ChannelEditComplex(threadRef, &discordgo.ChannelEdit{Archived: &archived})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: archive %s: %w", threadRef, err)
	}
	return nil
}

// Delete removes the thread channel entirely.
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	err := a.retry(ctx, func() error {
		_, apiErr := a.sess.ChannelDelete(threadRef)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: delete %s: %w", threadRef, err)
	}
	return nil
}

// ThreadSession resolves a thread ID to its session name via the thread
// title.
func (a *Adapter) ThreadSession(ctx context.Context, threadRef string) (string, error) {
	ch, err := a.sess.Channel(threadRef)
	if err != nil {
		return "", relay.Wrap(relay.KindNotFound, err, "discord: thread %s", threadRef)
	}
	if !ch.IsThread() {
		return "", nil
	}
	return platform.SessionFromThreadName(ch.Name), nil
}

// History pages thread messages newer than afterID, oldest first.
func (a *Adapter) History(ctx context.Context, threadRef, afterID string, limit int) ([]platform.ThreadMessage, error) {
	var out []platform.ThreadMessage
	after := afterID
	for {
		page := historyPage
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		if page <= 0 {
			break
		}
		var msgs []*discordgo.Message
		err := a.retry(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(threadRef, page, "", after, "")
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: history %s: %w", threadRef, err)
		}
		if len(msgs) == 0 {
			break
		}
		// The after form returns newest-first; reverse into ascending order.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			ts, _ := discordgo.SnowflakeTimestamp(m.ID)
			out = append(out, platform.ThreadMessage{
				ExternalID: m.ID,
				AuthorID:   m.Author.ID,
				AuthorName: m.Author.Username,
				Text:       m.Content,
				Bot:        m.Author.Bot,
				Timestamp:  ts,
			})
		}
		after = out[len(out)-1].ExternalID
		if len(msgs) < page {
			break
		}
	}
	return out, nil
}

// retry runs fn, backing off on 429s and honouring Retry-After.
func (a *Adapter) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		if ra := restErr.Response.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)
		select {
		case <-ctx.Done():
			return relay.Wrap(relay.KindCancelled, ctx.Err(), "discord: retry wait")
		case <-time.After(wait):
		}
	}
}
