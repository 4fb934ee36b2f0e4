package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/breaker"
	"github.com/EmmaGHimself/payment/internal/metrics"
	"github.com/EmmaGHimself/payment/internal/payerr"
)

// APIError is a non-2xx response from a provider API, with the decoded
// body preserved for history snapshots.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Body       map[string]interface{}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Request describes one outbound provider call.
type Request struct {
	Method string
	Path   string
	// KeyPath overrides Path in the breaker key for endpoints that embed
	// identifiers, so verify calls for different charges share one budget.
	KeyPath string
	Headers map[string]string
	Body    interface{}
}

// Transport executes provider REST calls through the circuit breaker.
// The breaker key is provider_METHOD_path so one endpoint's failures do
// not trip an unrelated endpoint on the same provider.
type Transport struct {
	client  *http.Client
	breaker *breaker.Breaker
	logger  *zap.Logger
}

func NewTransport(b *breaker.Breaker, timeout time.Duration, logger *zap.Logger) *Transport {
	return &Transport{
		client:  &http.Client{Timeout: timeout},
		breaker: b,
		logger:  logger,
	}
}

// Do performs a JSON request against a provider endpoint and decodes the
// response into out. Network errors, timeouts and breaker rejections come
// back as errors; the caller folds them into a failed Result.
func (t *Transport) Do(ctx context.Context, providerName, baseURL string, r *Request, out interface{}) error {
	keyPath := r.KeyPath
	if keyPath == "" {
		keyPath = r.Path
	}
	key := fmt.Sprintf("%s_%s_%s", providerName, r.Method, keyPath)

	return t.breaker.Execute(ctx, key, func(ctx context.Context) error {
		start := time.Now()
		defer func() {
			metrics.ProviderRequestDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
		}()

		var reqBody io.Reader
		if r.Body != nil {
			data, err := json.Marshal(r.Body)
			if err != nil {
				return fmt.Errorf("failed to encode request body: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, baseURL+r.Path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range r.Headers {
			req.Header.Set(k, v)
		}

		t.logger.Debug("provider request",
			zap.String("provider", providerName),
			zap.String("method", r.Method),
			zap.String("path", r.Path))

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{
				Provider:   providerName,
				StatusCode: resp.StatusCode,
				Message:    http.StatusText(resp.StatusCode),
			}
			if err := json.Unmarshal(data, &apiErr.Body); err == nil {
				if msg, ok := apiErr.Body["message"].(string); ok {
					apiErr.Message = msg
				}
			}
			return apiErr
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", providerName, err)
			}
		}
		return nil
	})
}

// FoldError turns a transport error into a failed Result so orchestrator
// logic has one uniform failure shape. Breaker rejections propagate as
// errors instead: the charge stays pending and the caller should requery.
func FoldError(providerName string, err error) (*Result, error) {
	if payerr.Is(err, payerr.ErrProviderUnavailable) {
		return nil, err
	}

	if apiErr, ok := err.(*APIError); ok {
		return &Result{
			Success: false,
			Message: apiErr.Message,
			Data:    apiErr.Body,
		}, nil
	}

	msg := "Network error"
	if strings.Contains(err.Error(), "timed out") || strings.Contains(err.Error(), "deadline exceeded") {
		msg = "Payment request timed out. Please check transaction status or try again."
	}
	return &Result{Success: false, Message: msg}, nil
}
