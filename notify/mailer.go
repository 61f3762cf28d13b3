package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"invoicekits/apperrors"
	"invoicekits/logger"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPMailer posts messages to a transactional email API
// (POST {base}/emails with a bearer key).
type HTTPMailer struct {
	client  *retryablehttp.Client
	baseURL string
	apiKey  string
}

// NewHTTPMailer builds a mailer that retries transport errors and 5xx
// responses up to retryMax times.
func NewHTTPMailer(baseURL, apiKey string, retryMax int, log *logger.Logger) *HTTPMailer {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = retryLogger{log}

	return &HTTPMailer{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err).WithMessage("encode email").Mark(apperrors.ErrValidation)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err).WithMessage("build email request").Mark(apperrors.ErrUnavailable)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err).WithMessage("email api request").Mark(apperrors.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.Newf("email api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))).
			Mark(apperrors.ErrUnavailable)
	}
	return nil
}

// retryLogger adapts our logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *logger.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
