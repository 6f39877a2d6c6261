package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/messaging"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type telegramNotifier struct {
	bot *bot.Bot
}

// NewTelegramNotifier connects to the Bot API with token.
func NewTelegramNotifier(token string) (Notifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &telegramNotifier{bot: b}, nil
}

func (n *telegramNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	return err
}

// RunEvent is published to EventsExchange when a run starts or finishes.
type RunEvent struct {
	TaskID   string                 `json:"task_id"`
	RunID    string                 `json:"run_id"`
	UserID   string                 `json:"user_id"`
	Kind     models.RunKind         `json:"kind"`
	Status   models.TaskStatus      `json:"status"`
	DryRun   bool                   `json:"dry_run"`
	Summary  map[string]interface{} `json:"summary,omitempty"`
	Errors   []string               `json:"errors,omitempty"`
	Duration string                 `json:"duration,omitempty"`
}

// FormatRunEvent renders the chat message for a finished run.
func FormatRunEvent(e RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s", e.Kind, e.Status)
	if e.DryRun {
		b.WriteString(" (dry run)")
	}
	b.WriteString("\n")
	for _, key := range summaryKeys {
		if v, ok := e.Summary[key]; ok {
			fmt.Fprintf(&b, "%s: %v\n", key, v)
		}
	}
	if e.Duration != "" {
		fmt.Fprintf(&b, "duration: %s\n", e.Duration)
	}
	if len(e.Errors) > 0 {
		fmt.Fprintf(&b, "errors: %d, first: %s\n", len(e.Errors), e.Errors[0])
	}
	return strings.TrimRight(b.String(), "\n")
}

var summaryKeys = []string{"accounts", "disabled", "matched", "changed", "duplicated", "failed"}

// handleRunFinished sends a chat message for a finished run when the user
// linked a Telegram chat.
func (s *automationService) handleRunFinished(msg *messaging.Message) error {
	if s.notifier == nil || msg.Type != EventRunFinished {
		return nil
	}
	var e RunEvent
	if err := msg.Decode(&e); err != nil {
		return fmt.Errorf("decode run event: %w", err)
	}

	return s.notifyRun(context.Background(), e)
}

func (s *automationService) notifyRun(ctx context.Context, e RunEvent) error {
	settings, err := s.settings.Get(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.TelegramChatID == 0 {
		return nil
	}
	if err := s.notifier.Notify(ctx, settings.TelegramChatID, FormatRunEvent(e)); err != nil {
		s.log.Warn("Failed to send run notification",
			logger.Field{Key: "task_id", Value: e.TaskID}, logger.Err(err))
	}
	return nil
}
