package notifier

import (
	"context"

	logx "plughost/pkg/logx"
)

// LogTransport writes notifications to the log. It never fails.
type LogTransport struct {
	Log logx.Logger
}

func (LogTransport) Name() string { return "log" }

func (t LogTransport) Send(_ context.Context, subject, body string) error {
	t.Log.Warn("notification", logx.String("subject", subject), logx.String("body", body))
	return nil
}
