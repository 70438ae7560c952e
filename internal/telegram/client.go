// Package telegram sends kiosk operator notices through the Telegram Bot API and answers
// a few operator commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
)

// Topics the notifier subscribes to.
var Topics = []string{
	bus.TopicRewardGranted,
	bus.TopicTokenUnregistered,
	bus.TopicLedgerFailure,
	bus.TopicContainerUpdate,
	bus.TopicWorkerStatus,
	bus.TopicSystemReset,
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	api            *tgbotapi.BotAPI
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	// last reported state per container, to notify on transitions only
	containers map[string]models.ContainerState
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(api *tgbotapi.BotAPI, bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		api:            api,
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		containers:     make(map[string]models.ContainerState),
	}
}

// Watch forwards notifications from sub until ctx is cancelled or the subscription closes.
func (c *Client) Watch(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			text := c.format(n)
			if text == "" {
				continue
			}
			if err := c.sendMarkdownV2(text); err != nil {
				logger.Warn("[telegram] failed to send %s notice: %v", n.Topic, err)
			}
		}
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, sess *session.Session, pub bus.Publisher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, sess, pub)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, sess *session.Session, pub bus.Publisher) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		text = formatStatus(sess.Snapshot())
	case "reset":
		// Only the operator chat may reset the kiosk.
		if msg.Chat.ID != c.chatID {
			return
		}
		snap := sess.Reset()
		pub.Publish(bus.TopicSystemReset, snap)
		logger.Info("[telegram] session reset by operator")
		text = "Session reset"
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.bot.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// format renders n as a MarkdownV2 message, or "" if n is not worth a notice.
func (c *Client) format(n bus.Notification) string {
	switch p := n.Payload.(type) {
	case models.RewardEvent:
		who := p.UserName
		if who == "" {
			who = p.UserID
		}
		return fmt.Sprintf("♻️ *%s* \\+%d points for %s\nBalance: %d → %d",
			escapeMarkdownV2(who), p.PointsAwarded, escapeMarkdownV2(string(p.Material)),
			p.BalanceBefore, p.BalanceAfter)

	case bus.TokenNotice:
		if n.Topic != bus.TopicTokenUnregistered {
			return ""
		}
		return fmt.Sprintf("🪪 *Unregistered token* `%s`", escapeMarkdownV2(p.UID))

	case bus.LedgerFailure:
		return fmt.Sprintf("⚠️ *Ledger write failed* for %s\nMaterial %s stays pending\n`%s`",
			escapeMarkdownV2(p.UserID), escapeMarkdownV2(string(p.Material)), escapeMarkdownV2(p.Error))

	case models.ContainerTelemetry:
		prev := c.containers[p.ContainerID]
		c.containers[p.ContainerID] = p.State
		if p.State != models.ContainerFull || prev == models.ContainerFull {
			return ""
		}
		return fmt.Sprintf("🗑️ *Container full*: %s \\(%s\\)",
			escapeMarkdownV2(p.ContainerID), escapeMarkdownV2(fmt.Sprintf("%.0f%%", p.FillPercent)))

	case bus.WorkerStatus:
		if p.Active {
			return ""
		}
		return fmt.Sprintf("⚠️ *%s worker disabled*\n`%s`", escapeMarkdownV2(p.Worker), escapeMarkdownV2(p.Reason))

	case session.Snapshot:
		return "🔄 *Session reset*"
	}
	return ""
}

func formatStatus(s session.Snapshot) string {
	var b strings.Builder
	state := "waiting for material"
	switch {
	case s.Pending != nil:
		state = "waiting for token (" + string(*s.Pending) + ")"
	case s.Candidate != nil:
		state = fmt.Sprintf("confirming %s (%.0f%%)", *s.Candidate, s.Progress*100)
	}
	fmt.Fprintf(&b, "State: %s\n", state)
	fmt.Fprintf(&b, "Camera: %s, reader: %s, feed: %s\n",
		onOff(s.Status.CameraActive), onOff(s.Status.ReaderActive), onOff(s.Status.FeedConnected))
	fmt.Fprintf(&b, "Today: %d items, total %d items / %d points",
		s.Counters.ProcessedToday, s.Counters.TotalProcessed, s.Counters.TotalPointsAwarded)
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "up"
	}
	return "down"
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
