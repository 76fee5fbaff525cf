package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/upb/consent-ledger/models"
)

// Rail moves money out to a data sovereign's destination
type Rail interface {
	// Transfer sends the instruction and returns the rail's reference for it
	Transfer(ctx context.Context, p *models.PayoutInstruction) (externalRef string, err error)
}

// RailFunc adapts a function to the Rail interface
type RailFunc func(ctx context.Context, p *models.PayoutInstruction) (string, error)

// Transfer calls f
func (f RailFunc) Transfer(ctx context.Context, p *models.PayoutInstruction) (string, error) {
	return f(ctx, p)
}

// ErrRailNotFound is returned when no rail serves a payout method
var ErrRailNotFound = errors.New("no rail registered for payout method")

// RailError describes a failed transfer
type RailError struct {
	Method     models.PayoutMethod
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *RailError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *RailError) Unwrap() error {
	return e.Cause
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var re *RailError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// RailConfig holds the HTTP rail endpoint settings
type RailConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Headers    map[string]string
}

// DefaultRailConfig returns the default rail client settings
func DefaultRailConfig() RailConfig {
	return RailConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
	}
}

type transferRequest struct {
	PayoutID        string `json:"payout_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	DSID            string `json:"ds_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Method          string `json:"method"`
	DestinationHash string `json:"destination_hash"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type railErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPRail posts transfers to a payment provider endpoint as JSON
type HTTPRail struct {
	config     RailConfig
	httpClient *http.Client
}

// NewHTTPRail creates an HTTP rail client
func NewHTTPRail(config RailConfig) *HTTPRail {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPRail{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Transfer posts the instruction to <base>/transfers. 5xx responses and
// network errors are retried; the idempotency key lets the provider dedupe.
func (r *HTTPRail) Transfer(ctx context.Context, p *models.PayoutInstruction) (string, error) {
	body, err := json.Marshal(transferRequest{
		PayoutID:        p.ID.String(),
		IdempotencyKey:  p.IdempotencyKey,
		DSID:            p.DSID,
		Amount:          p.Amount.String(),
		Currency:        p.Currency,
		Method:          string(p.Method),
		DestinationHash: p.DestinationHash,
	})
	if err != nil {
		return "", &RailError{Method: p.Method, Code: "MARSHAL_ERROR", Message: "failed to marshal transfer", Cause: err}
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", &RailError{Method: p.Method, Code: "TIMEOUT", Message: "transfer abandoned", Retryable: true, Cause: ctx.Err()}
			case <-time.After(r.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.BaseURL+"/transfers", bytes.NewReader(body))
		if err != nil {
			return "", &RailError{Method: p.Method, Code: "REQUEST_ERROR", Message: "failed to create request", Cause: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", p.IdempotencyKey)
		if r.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
		}
		for k, v := range r.config.Headers {
			req.Header.Set(k, v)
		}

		resp, lastErr = r.httpClient.Do(req)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}
		if resp != nil {
			resp.Body.Close()
			if lastErr == nil {
				lastErr = fmt.Errorf("rail responded %d", resp.StatusCode)
			}
			resp = nil
		}
	}

	if resp == nil {
		return "", &RailError{Method: p.Method, Code: "HTTP_ERROR", Message: "transfer request failed", Retryable: true, Cause: lastErr}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RailError{Method: p.Method, Code: "READ_ERROR", Message: "failed to read response", StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", r.handleErrorResponse(p.Method, resp.StatusCode, respBody)
	}

	var out transferResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &RailError{Method: p.Method, Code: "UNMARSHAL_ERROR", Message: "failed to unmarshal response", StatusCode: resp.StatusCode, Cause: err}
	}
	if out.Reference == "" {
		return "", &RailError{Method: p.Method, Code: "NO_REFERENCE", Message: "rail returned no reference", StatusCode: resp.StatusCode}
	}
	return out.Reference, nil
}

func (r *HTTPRail) handleErrorResponse(method models.PayoutMethod, status int, body []byte) error {
	var eb railErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Message == "" {
		eb.Message = fmt.Sprintf("rail rejected transfer with status %d", status)
	}
	if eb.Code == "" {
		eb.Code = "REJECTED"
	}
	return &RailError{
		Method:     method,
		Code:       eb.Code,
		Message:    eb.Message,
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests,
	}
}

// Router sends each instruction to the rail registered for its method
type Router struct {
	mu       sync.RWMutex
	rails    map[models.PayoutMethod]Rail
	fallback Rail
}

// NewRouter creates a router. fallback serves methods without their own rail and may be nil.
func NewRouter(fallback Rail) *Router {
	return &Router{
		rails:    make(map[models.PayoutMethod]Rail),
		fallback: fallback,
	}
}

// Register binds a rail to a method
func (r *Router) Register(method models.PayoutMethod, rail Rail) error {
	if rail == nil {
		return errors.New("rail cannot be nil")
	}
	if !method.Valid() {
		return fmt.Errorf("unknown payout method %q", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[method] = rail
	return nil
}

// Transfer implements Rail
func (r *Router) Transfer(ctx context.Context, p *models.PayoutInstruction) (string, error) {
	r.mu.RLock()
	rail, ok := r.rails[p.Method]
	if !ok {
		rail = r.fallback
	}
	r.mu.RUnlock()

	if rail == nil {
		return "", fmt.Errorf("%w: %s", ErrRailNotFound, p.Method)
	}
	return rail.Transfer(ctx, p)
}
