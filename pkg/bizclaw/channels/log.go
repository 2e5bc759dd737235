// Package channels – log.go provides the logging channel used in
// development and by CLI commands: outbound messages go to the log instead
// of a real messaging platform.
package channels

import (
	"context"
	"log/slog"
)

// LogResolver resolves every tenant to a sender that logs outbound text.
type LogResolver struct {
	logger *slog.Logger
}

// NewLogResolver creates the logging resolver.
func NewLogResolver(logger *slog.Logger) *LogResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogResolver{logger: logger}
}

// ResolveForTenant returns the logging sender.
func (r *LogResolver) ResolveForTenant(tenantID string) (Sender, error) {
	return &logSender{logger: r.logger, tenantID: tenantID}, nil
}

// RecipientID passes the user key through unchanged.
func (r *LogResolver) RecipientID(tenantID, userKey string) (string, error) {
	return userKey, nil
}

type logSender struct {
	logger   *slog.Logger
	tenantID string
}

func (s *logSender) SendText(ctx context.Context, recipient, text string) (string, error) {
	s.logger.Info("outbound message",
		"tenant", s.tenantID, "recipient", recipient, "text", text)
	return "", nil
}
