package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/meetrec/meetrec-control-plane/internal/auth"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/tracing"
)

// Payload is the completion notice posted for every finished session.
type Payload struct {
	SessionID    string    `json:"session_id"`
	MeetingURL   string    `json:"meeting_url"`
	FileLocation string    `json:"file_location"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	Status       string    `json:"status"`
	StopReason   string    `json:"stop_reason,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
}

// Notifier posts payloads to a single webhook URL. Deliveries are attempted
// once and never retried.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	wg     sync.WaitGroup
}

// New returns a notifier for url. An empty url disables delivery.
func New(url, secret string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Notify delivers p and reports whether the receiver accepted it.
func (n *Notifier) Notify(ctx context.Context, p Payload) bool {
	if !n.Enabled() {
		return false
	}
	ctx, span := tracing.Tracer().Start(ctx, "webhook.notify")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", p.SessionID))

	start := time.Now()
	status, err := n.post(ctx, p)
	durMS := float64(time.Since(start).Milliseconds())
	label := "ok"
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("event=webhook_failed session_id=%s status_code=%d duration_ms=%d err=%q", p.SessionID, status, int64(durMS), err.Error())
	} else {
		log.Printf("event=webhook_delivered session_id=%s status_code=%d duration_ms=%d", p.SessionID, status, int64(durMS))
	}
	metrics.Default().IncCounter("meetrec_webhook_deliveries_total", map[string]string{"status": label})
	metrics.Default().ObserveHistogram("meetrec_webhook_latency_ms", durMS, map[string]string{"status": label})
	return err == nil
}

func (n *Notifier) post(ctx context.Context, p Payload) (int, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		sig, err := auth.SignWebhook(n.secret, p.SessionID, body, time.Now())
		if err != nil {
			return 0, fmt.Errorf("sign payload: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %v: %w", err, model.ErrNotificationFailure)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %w", resp.StatusCode, model.ErrNotificationFailure)
	}
}

// Dispatch delivers p in the background so the caller never waits on the
// receiver.
func (n *Notifier) Dispatch(p Payload) {
	if !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Notify(context.Background(), p)
	}()
}

// Wait blocks until dispatched deliveries finish or ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
