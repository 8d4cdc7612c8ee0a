// Package notify dispatches operator alerts about position lifecycle events
// to Telegram and Discord. Message bodies are deliberately short; each sender
// renders a bold title followed by plain lines.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// Event types understood by the filter.
const (
	EventPositionOpened = "position_opened"
	EventExitExecuted   = "exit_executed"
	EventExitFailed     = "exit_failed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards events to every sender. Only events in the allowed set
// pass; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders filtered by events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title and message if event passes the filter. Sender errors
// are joined; one failing sender does not block the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatOpened renders a position_opened alert.
func FormatOpened(pos domain.Position) (string, string) {
	title := fmt.Sprintf("Position opened: %s", pos.TokenAddress)
	msg := fmt.Sprintf("entry %s qty %s\nstop %s trailing %s",
		fmtNum(pos.EntryPrice), fmtNum(pos.Quantity), fmtNum(pos.StopLoss), fmtNum(pos.TrailingStop))
	return title, msg
}

// FormatExit renders an exit_executed alert.
func FormatExit(exec domain.ExitExecution) (string, string) {
	kind := "Exit"
	if exec.Partial {
		kind = "Partial exit"
	}
	title := fmt.Sprintf("%s %s: %s", kind, exec.TokenAddress, exec.ExitReason)

	lines := []string{
		fmt.Sprintf("sold %s @ %s", fmtNum(exec.QuantitySold), fmtNum(exec.ExitPrice)),
		fmt.Sprintf("pnl %s (%.2f%%)", fmtNum(exec.RealizedPnL), exec.RealizedPnLPct),
	}
	if exec.TxReference != "" {
		lines = append(lines, "order "+exec.TxReference)
	}
	if exec.Estimated {
		lines = append(lines, "fill estimated")
	}
	return title, strings.Join(lines, "\n")
}

// FormatExitFailure renders an exit_failed alert.
func FormatExitFailure(asset string, reason domain.ExitReason, err error) (string, string) {
	return fmt.Sprintf("Exit failed: %s", asset),
		fmt.Sprintf("reason %s\nerror %v\nwill retry next cycle", reason, err)
}

func fmtNum(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
