package sweep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dosewise/internal/errors"
)

// WebhookSink posts alerts as JSON to a guardian-facing endpoint. The
// receiver is expected to dedupe on the alert id.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *WebhookSink) Raise(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal.Code, "failed to encode alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal.Code, "failed to build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrStoreUnavailable.Code, "alert webhook unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrInternal.Code,
			fmt.Sprintf("alert webhook replied %d", resp.StatusCode))
	}
	return nil
}

// LogSink raises alerts into the log only, for deployments without a
// webhook receiver.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Raise(ctx context.Context, alert Alert) error {
	s.logger.Warn("Alert",
		zap.String("id", alert.ID),
		zap.String("patient_id", alert.PatientID),
		zap.String("tier", string(alert.Tier)),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
	)
	return nil
}
