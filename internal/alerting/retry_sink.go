package alerting

import (
	"context"
	"time"

	"github.com/mbd888/chainwatch/internal/retry"
)

// RetrySink decorates a Sink with bounded retries. Delivery is
// best-effort, not exactly-once; a duplicate on retry is preferable to
// a dropped alert.
type RetrySink struct {
	inner       Sink
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetrySink wraps a sink with 3 attempts and 200ms base backoff.
func NewRetrySink(inner Sink) *RetrySink {
	return &RetrySink{inner: inner, maxAttempts: 3, baseDelay: 200 * time.Millisecond}
}

func (s *RetrySink) CreateAlert(ctx context.Context, userID int64, alertType AlertType, severity Severity,
	title, description string, relatedData map[string]any) (*Alert, error) {
	var alert *Alert
	err := retry.Do(ctx, s.maxAttempts, s.baseDelay, func() error {
		var err error
		alert, err = s.inner.CreateAlert(ctx, userID, alertType, severity, title, description, relatedData)
		return err
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}
