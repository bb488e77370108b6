package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/throttle"
)

// Poster sends one chat message.
type Poster interface {
	Post(ctx context.Context, content string) error
}

// Config sizes the posts a Notifier produces and how fast it sends them.
type Config struct {
	Budget   int
	LineCap  int
	Throttle throttle.Options
}

// DefaultConfig returns the budget and throttle used for Discord webhooks.
func DefaultConfig() Config {
	return Config{
		Budget:   DefaultBudget,
		LineCap:  DefaultLineCap,
		Throttle: throttle.DefaultOptions,
	}
}

// Notifier relays summary events to chat.
type Notifier struct {
	poster Poster
	cfg    Config
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(poster Poster, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.LineCap <= 0 {
		cfg.LineCap = DefaultLineCap
	}
	return &Notifier{poster: poster, cfg: cfg, logger: logger}
}

// Notify formats events, packs them into posts and sends every post through
// a throttle owned by this call. It returns once all posts have been issued.
func (n *Notifier) Notify(ctx context.Context, events []relay.SummaryEvent) error {
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = FormatEvent(e)
	}
	posts := Coalesce(lines, n.cfg.Budget, n.cfg.LineCap)
	if len(posts) == 0 {
		return nil
	}

	th := throttle.New(n.cfg.Throttle)

	for i, content := range posts {
		err := th.Submit(ctx, func(ctx context.Context) error {
			if err := n.poster.Post(ctx, content); err != nil {
				return fmt.Errorf("post %d of %d: %w", i+1, len(posts), err)
			}
			return nil
		})
		if err != nil {
			n.logger.ErrorContext(ctx, "Failed to queue chat post",
				slog.Int("post", i+1),
				slog.String("error", err.Error()),
			)
			break
		}
	}

	err := th.Close()

	n.logger.InfoContext(ctx, "Chat relay batch completed",
		slog.Int("events", len(events)),
		slog.Int("posts", len(posts)),
	)

	return err
}
