package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/knothq/gated/internal/bus"
)

// TelegramChannel bridges Telegram chats into gated sessions. Each allowed
// user maps to the session "telegram-<userID>".
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI

	stateMu sync.Mutex
	state   string
	stop    context.CancelFunc

	// streamMu protects streamMsgs for progressive reply editing.
	streamMu   sync.Mutex
	streamMsgs map[string]*streamState // streamID -> editing state
}

// streamState tracks in-place editing of a streamed reply.
type streamState struct {
	chatID    int64
	messageID int
	lastEdit  time.Time
}

// NewTelegramChannel creates the adapter. It does not contact Telegram
// until Start.
func NewTelegramChannel(token string, allowedIDs []int64, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		logger:     logger,
		eventBus:   eventBus,
		state:      "disconnected",
		streamMsgs: make(map[string]*streamState),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) State() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *TelegramChannel) setState(state, detail string) {
	t.stateMu.Lock()
	t.state = state
	t.stateMu.Unlock()
	if t.eventBus != nil {
		t.eventBus.Publish(bus.TopicChannelState, bus.ChannelStateEvent{
			Channel: "telegram",
			State:   state,
			Detail:  detail,
		})
	}
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.stateMu.Lock()
	t.stop = cancel
	t.stateMu.Unlock()

	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		t.setState("error", err.Error())
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)
	t.setState("connected", "")

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			t.setState("disconnected", "")
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			t.setState("disconnected", pollErr.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			t.setState("connected", "")
			continue
		}

		t.setState("disconnected", "")
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout. The
// library blocks on a dead connection rather than closing the channel, so
// silence that long means the connection is gone.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName,
				)
				continue
			}
			t.handleMessage(update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	t.eventBus.Publish(bus.TopicChannelInbound, bus.InboundMessage{
		Channel:    "telegram",
		From:       strconv.FormatInt(msg.Chat.ID, 10),
		SessionKey: fmt.Sprintf("telegram-%d", msg.From.ID),
		Text:       content,
	})
}

// Send delivers a plain message to a chat. The recipient is the chat id.
func (t *TelegramChannel) Send(_ context.Context, to, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient %q: %w", to, err)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendStream progressively edits one reply message as text accumulates.
// Edits are rate limited to roughly one per second to stay under
// Telegram's editMessageText limits; the final update always goes out.
func (t *TelegramChannel) SendStream(_ context.Context, to, streamID, text string, final bool) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient %q: %w", to, err)
	}

	t.streamMu.Lock()
	state, exists := t.streamMsgs[streamID]
	if !exists {
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			t.streamMu.Unlock()
			return fmt.Errorf("telegram stream start: %w", err)
		}
		state = &streamState{chatID: chatID, messageID: sent.MessageID, lastEdit: time.Now()}
		t.streamMsgs[streamID] = state
		if final {
			delete(t.streamMsgs, streamID)
		}
		t.streamMu.Unlock()
		return nil
	}
	if !final && time.Since(state.lastEdit) < time.Second {
		t.streamMu.Unlock()
		return nil
	}
	state.lastEdit = time.Now()
	messageID := state.messageID
	if final {
		delete(t.streamMsgs, streamID)
	}
	t.streamMu.Unlock()

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram stream edit: %w", err)
	}
	return nil
}

// Logout stops the polling loop. The bot token stays in config; a restart
// reconnects.
func (t *TelegramChannel) Logout(_ context.Context) error {
	t.stateMu.Lock()
	stop := t.stop
	t.state = "logged_out"
	t.stateMu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
