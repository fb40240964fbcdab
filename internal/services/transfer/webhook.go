package transfer

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/ledger"
	"github.com/vadiminshakov/custodian/pkg/retrier"
)

const (
	// IdempotencyHeader carries the operation id so the receiver can drop retried requests.
	IdempotencyHeader = "Idempotency-Key"

	defaultWebhookTimeout = 10 * time.Second
)

// WebhookRequest is the body posted for every transfer.
type WebhookRequest struct {
	OperationID string    `json:"operation_id"`
	Direction   Direction `json:"direction"`
	Asset       string    `json:"asset"`
	Holder      string    `json:"holder"`
	Amount      string    `json:"amount"`
}

// Webhook delegates transfers to an external settlement service over HTTP.
// A 2xx answer means the transfer happened. 4xx answers are final, other failures are retried.
type Webhook struct {
	client  *resty.Client
	path    string
	retrier *retrier.Retrier
	logger  *zap.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookRetrier overrides the retry policy.
func WithWebhookRetrier(r *retrier.Retrier) WebhookOption {
	return func(w *Webhook) {
		w.retrier = r
	}
}

// WithWebhookTimeout sets the per-request timeout.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.SetTimeout(d)
	}
}

// NewWebhook creates an adapter posting to hostURL + path.
func NewWebhook(hostURL, path string, logger *zap.Logger, opts ...WebhookOption) (*Webhook, error) {
	if hostURL == "" {
		return nil, errors.New("webhook host URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Webhook{
		client: resty.New().
			SetHostURL(hostURL).
			SetTimeout(defaultWebhookTimeout).
			SetHeader("Content-Type", "application/json"),
		path: path,
		retrier: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
			retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				logger.Warn("transfer webhook attempt failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			}),
		),
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

func (w *Webhook) PullIn(ctx context.Context, t ledger.Transfer) error {
	return w.send(ctx, DirectionIn, t)
}

func (w *Webhook) PushOut(ctx context.Context, t ledger.Transfer) error {
	return w.send(ctx, DirectionOut, t)
}

func (w *Webhook) AcceptNative(ctx context.Context, t ledger.Transfer) error {
	return w.send(ctx, DirectionNative, t)
}

func (w *Webhook) send(ctx context.Context, direction Direction, t ledger.Transfer) error {
	body := WebhookRequest{
		OperationID: t.OperationID,
		Direction:   direction,
		Asset:       t.Asset.Hex(),
		Holder:      t.Holder.Hex(),
		Amount:      t.Amount.Dec(),
	}

	err := w.retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := w.client.R().
			SetContext(ctx).
			SetHeader(IdempotencyHeader, t.OperationID).
			SetBody(body).
			Post(w.path)
		if err != nil {
			return errors.Wrap(err, "post transfer")
		}

		status := resp.StatusCode()
		switch {
		case status >= http.StatusOK && status < http.StatusMultipleChoices:
			return nil
		case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
			return retrier.Permanent(errors.Errorf("transfer rejected with %d: %s", status, resp.String()))
		default:
			return errors.Errorf("transfer failed with %d", status)
		}
	})
	if err != nil {
		w.logger.Warn("webhook transfer failed",
			zap.String("direction", string(direction)),
			zap.String("operation", t.OperationID),
			zap.Error(err))
		return err
	}

	return nil
}
