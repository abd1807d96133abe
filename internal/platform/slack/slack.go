// Package slack implements the platform Adapter for Slack using Socket
// Mode. Slack has no thread objects: a thread is the ts of its parent
// channel message, so thread refs here are parent timestamps.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/relay"
)

const (
	// messageCeiling is the practical Slack message size limit.
	messageCeiling = 4000
	// maxRetries bounds rate-limit retries per API call.
	maxRetries = 3
	// maxReconnectAttempts limits Socket Mode reconnection retries.
	maxReconnectAttempts = 10
	// historyPage is the page size for conversation reads.
	historyPage = 200
)

// slackClient abstracts the Slack Web API methods we use, enabling mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationHistory(params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
	DeleteMessage(channelID, ts string) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements platform.Adapter for Slack Socket Mode.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	// sessionCache maps thread ts -> session name resolved from the
	// parent message, so inbound routing avoids a replies call per message.
	sessionCache map[string]string

	inbound    chan platform.InboundMessage
	cancelFunc context.CancelFunc
}

// Opts holds parameters for creating a Slack Adapter.
type Opts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // root channel threads hang off
	// Client/Socket inject mocks for tests.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		sessionCache: make(map[string]string),
		inbound:      make(chan platform.InboundMessage, 100),
	}, nil
}

func (a *Adapter) Name() string { return "slack" }

// Connect authenticates and starts the Socket Mode pump.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}
	a.mu.Unlock()

	auth, err := a.client.AuthTest()
	if err != nil {
		return relay.Wrap(relay.KindUnreachable, err, "slack: auth test")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.connected = true
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(runCtx)
	go a.pumpEvents(runCtx)
	log.Printf("slack: connected as %s", auth.UserID)
	return nil
}

// Close stops the pump and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

func (a *Adapter) Inbound() <-chan platform.InboundMessage { return a.inbound }

// BotUserID returns the bot's Slack user ID, known after Connect.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client, retrying with exponential
// backoff and jitterless cap when Run returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * platform.ReconnectBase
		if wait > platform.ReconnectCap {
			wait = platform.ReconnectCap
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v — reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pumpEvents reads Socket Mode events and converts message events to
// InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(ctx, ev)
		}
	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleMessage filters bot/self/edit events and emits an InboundMessage.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || ev.User == botID || ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.Channel != a.channelID {
		return
	}

	a.inbound <- platform.InboundMessage{
		Platform:   "slack",
		ChannelID:  ev.Channel,
		ThreadRef:  ev.ThreadTimeStamp,
		AuthorID:   ev.User,
		AuthorName: a.resolveUserName(ev.User),
		Text:       ev.Text,
		ExternalID: ev.TimeStamp,
		Timestamp:  parseSlackTimestamp(ev.TimeStamp),
	}
}

// EnsureThread finds or creates the session's thread. The thread ref is
// the parent message ts; discovery scans channel history for a parent whose
// first line is the canonical thread name.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	threadName := platform.ThreadName(sessionName)

	ts, err := a.findThreadTS(ctx, threadName)
	if err != nil {
		return "", err
	}
	if ts != "" {
		a.mu.Lock()
		a.sessionCache[ts] = sessionName
		a.mu.Unlock()
		return ts, nil
	}

	if starterText == "" {
		starterText = fmt.Sprintf("%s\ntmux session thread", threadName)
	} else if strings.TrimSpace(strings.SplitN(starterText, "\n", 2)[0]) != threadName {
		// The first line must be the canonical name or discovery breaks.
		starterText = threadName + "\n" + starterText
	}

	var parentTS string
	err = a.retry(ctx, func() error {
		var apiErr error
		_, parentTS, apiErr = a.client.PostMessage(a.channelID,
			slackapi.MsgOptionText(starterText, false))
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post parent for %q: %w", sessionName, err)
	}

	welcome := fmt.Sprintf(
		"*Welcome to %s*\n\nType a message here to forward it to the tmux session.\n\n"+
			"*Commands:*\n`!sessions` — list all sessions\n`!kill %s` — kill this session + close thread",
		threadName, sessionName)
	if err := a.Post(ctx, parentTS, welcome, true); err != nil {
		log.Printf("slack: welcome post for %q: %v", sessionName, err)
	}

	a.mu.Lock()
	a.sessionCache[parentTS] = sessionName
	a.mu.Unlock()
	return parentTS, nil
}

// findThreadTS scans channel history for a parent message whose first line
// equals threadName.
func (a *Adapter) findThreadTS(ctx context.Context, threadName string) (string, error) {
	var resp *slackapi.GetConversationHistoryResponse
	err := a.retry(ctx, func() error {
		var apiErr error
		resp, apiErr = a.client.GetConversationHistory(&slackapi.GetConversationHistoryParameters{
			ChannelID: a.channelID,
			Limit:     historyPage,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: channel history: %w", err)
	}
	for _, msg := range resp.Messages {
		first := strings.TrimSpace(strings.SplitN(msg.Text, "\n", 2)[0])
		if first == threadName {
			return msg.Timestamp, nil
		}
	}
	return "", nil
}

// Post sends text into the thread rooted at threadRef.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = ":white_check_mark: *Task complete*\n" + text
	}
	text = platform.Truncate(text, messageCeiling)
	err := a.retry(ctx, func() error {
		_, _, apiErr := a.client.PostMessage(a.channelID,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionTS(threadRef))
		return apiErr
	})
	if err != nil {
		var rle *slackapi.RateLimitedError
		if errors.As(err, &rle) {
			return relay.Wrap(relay.KindRateLimited, err, "slack: post to %s", threadRef)
		}
		if strings.Contains(err.Error(), "channel_not_found") ||
			strings.Contains(err.Error(), "thread_not_found") {
			return relay.Wrap(relay.KindNotFound, err, "slack: thread %s gone", threadRef)
		}
		return relay.Wrap(relay.KindUnreachable, err, "slack: post to %s", threadRef)
	}
	return nil
}

// Archive has no native Slack equivalent: post a closing notice into the
// thread and mark the parent with a lock reaction.
func (a *Adapter) Archive(ctx context.Context, threadRef string) error {
	if err := a.Post(ctx, threadRef, ":lock: Thread archived. Session closed.", true); err != nil {
		return err
	}
	err := a.retry(ctx, func() error {
		return a.client.AddReaction("lock", slackapi.ItemRef{
			Channel:   a.channelID,
			Timestamp: threadRef,
		})
	})
	if err != nil && !strings.Contains(err.Error(), "already_reacted") {
		return fmt.Errorf("slack: lock reaction on %s: %w", threadRef, err)
	}
	return nil
}

// Delete removes the parent message, which collapses the thread.
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	err := a.retry(ctx, func() error {
		_, _, apiErr := a.client.DeleteMessage(a.channelID, threadRef)
		return apiErr
	})
	if err != nil && !strings.Contains(err.Error(), "message_not_found") {
		return fmt.Errorf("slack: delete %s: %w", threadRef, err)
	}
	return nil
}

// ThreadSession resolves a thread ts to its session name from the parent
// message's first line, with a cache in front.
func (a *Adapter) ThreadSession(ctx context.Context, threadRef string) (string, error) {
	a.mu.Lock()
	if name, ok := a.sessionCache[threadRef]; ok {
		a.mu.Unlock()
		return name, nil
	}
	a.mu.Unlock()

	var msgs []slackapi.Message
	err := a.retry(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = a.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
			ChannelID: a.channelID,
			Timestamp: threadRef,
			Limit:     1,
		})
		return apiErr
	})
	if err != nil {
		return "", relay.Wrap(relay.KindNotFound, err, "slack: thread %s", threadRef)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	first := strings.TrimSpace(strings.SplitN(msgs[0].Text, "\n", 2)[0])
	name := platform.SessionFromThreadName(first)
	if name != "" {
		// Strip trailing annotations after the session name.
		name = strings.Fields(name)[0]
		a.mu.Lock()
		a.sessionCache[threadRef] = name
		a.mu.Unlock()
	}
	return name, nil
}

// History pages thread replies newer than afterID (a ts), oldest first.
func (a *Adapter) History(ctx context.Context, threadRef, afterID string, limit int) ([]platform.ThreadMessage, error) {
	var out []platform.ThreadMessage
	cursor := ""
	for {
		page := historyPage
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		if page <= 0 {
			break
		}
		var msgs []slackapi.Message
		var hasMore bool
		var next string
		err := a.retry(ctx, func() error {
			var apiErr error
			msgs, hasMore, next, apiErr = a.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
				ChannelID: a.channelID,
				Timestamp: threadRef,
				Limit:     page,
				Cursor:    cursor,
				Oldest:    afterID,
			})
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: replies %s: %w", threadRef, err)
		}
		for _, m := range msgs {
			if m.Timestamp == afterID {
				continue
			}
			out = append(out, platform.ThreadMessage{
				ExternalID: m.Timestamp,
				AuthorID:   m.User,
				AuthorName: a.resolveUserName(m.User),
				Text:       m.Text,
				Bot:        m.BotID != "" || m.SubType == "bot_message",
				Timestamp:  parseSlackTimestamp(m.Timestamp),
			})
		}
		if !hasMore || next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// resolveUserName looks up a display name, falling back to the user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil || user == nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

// retry runs fn, honouring Slack Retry-After on rate limits.
func (a *Adapter) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		log.Printf("slack: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)
		select {
		case <-ctx.Done():
			return relay.Wrap(relay.KindCancelled, ctx.Err(), "slack: retry wait")
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp converts "1234567890.123456" to time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if len(parts) == 2 {
		if frac, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			// The fractional part is microseconds.
			nsec = frac * int64(time.Microsecond)
		}
	}
	return time.Unix(sec, nsec).UTC()
}
