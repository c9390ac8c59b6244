// Package telephony is the REST client for the Twilio-compatible voice
// provider: outbound call creation, teardown, recording retrieval, TwiML
// rendering, and the typed webhook payloads the provider posts back.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/kestrelcall/kestrel/pkg/config"
)

const (
	apiVersion     = "2010-04-01"
	connectTimeout = 10 * time.Second
	overallTimeout = 30 * time.Second

	// defaultRingTimeout is how long the provider lets the callee ring
	// before giving up with no-answer.
	defaultRingTimeout = 30
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// IsValidE164 reports whether number is a dialable E.164 number.
func IsValidE164(number string) bool {
	return e164Pattern.MatchString(number)
}

// Client talks to the provider's account-scoped REST API. All calls go
// through a circuit breaker so a provider outage fails fast instead of
// piling up blocked ticks.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	number     string
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewClient builds a provider client from the telephony configuration.
func NewClient(cfg config.TelephonyConfig) *Client {
	logger := slog.With("component", "telephony")

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "telephony",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
		// Provider rejections are real answers; only transport faults
		// and 429/5xx count towards opening the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return &Client{
		httpClient: &http.Client{
			Timeout: overallTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		number:     cfg.Number,
		breaker:    cb,
		logger:     logger,
	}
}

// Number returns the default outbound caller id.
func (c *Client) Number() string {
	return c.number
}

// CreateCallRequest carries everything the provider needs to dial out and
// report back. Callback URLs are absolute.
type CreateCallRequest struct {
	To   string
	From string // empty means the configured number

	// TwiMLURL is fetched by the provider when the callee answers.
	TwiMLURL    string
	FallbackURL string

	StatusCallback    string
	AMDCallback       string
	RecordingCallback string

	// RingTimeout in seconds; zero means the provider default.
	RingTimeout int
}

// CallResource is the provider's call representation.
type CallResource struct {
	SID        string `json:"sid"`
	Status     string `json:"status"`
	From       string `json:"from"`
	To         string `json:"to"`
	AnsweredBy string `json:"answered_by,omitempty"`
}

// CreateCall instructs the provider to dial. Transient failures are retried
// up to three attempts with exponential spacing; provider rejections are
// returned immediately.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*CallResource, error) {
	if !IsValidE164(req.To) {
		return nil, &APIError{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("invalid 'To' phone number: %s", req.To),
		}
	}

	from := req.From
	if from == "" {
		from = c.number
	}

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", req.To)
	form.Set("Url", req.TwiMLURL)
	form.Set("Method", "POST")
	if req.FallbackURL != "" {
		form.Set("FallbackUrl", req.FallbackURL)
		form.Set("FallbackMethod", "POST")
	}
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackEvent", "initiated,ringing,answered,completed")
		form.Set("StatusCallbackMethod", "POST")
	}
	if req.AMDCallback != "" {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		form.Set("AsyncAmdStatusCallback", req.AMDCallback)
		form.Set("AsyncAmdStatusCallbackMethod", "POST")
	}
	if req.RecordingCallback != "" {
		form.Set("Record", "true")
		form.Set("RecordingChannels", "dual")
		form.Set("RecordingStatusCallback", req.RecordingCallback)
		form.Set("RecordingStatusCallbackMethod", "POST")
	}
	ringTimeout := req.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	form.Set("Timeout", strconv.Itoa(ringTimeout))

	var resource CallResource
	operation := func() error {
		body, err := c.post(ctx, c.callsURL(), form)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(body, &resource); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode create-call response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(newCreateCallBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("create call to %s failed: %w", req.To, err)
	}

	c.logger.Info("call created", "call_id", resource.SID, "to", req.To, "from", from)
	return &resource, nil
}

// TerminateCall asks the provider to complete the call. Unknown call ids
// are treated as already torn down.
func (c *Client) TerminateCall(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	_, err := c.post(ctx, c.callURL(callID), form)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to terminate call %s: %w", callID, err)
	}

	c.logger.Info("call terminated", "call_id", callID)
	return nil
}

// StreamRecording opens the provider recording for streaming and returns
// the body with its content type. The caller closes the body.
func (c *Client) StreamRecording(ctx context.Context, recordingURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build recording request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch recording: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, "", decodeAPIError(resp.StatusCode, body)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return resp.Body, contentType, nil
}

// post sends an authenticated form POST through the circuit breaker and
// returns the raw response body on 2xx.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.accountSID, c.authToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, decodeAPIError(resp.StatusCode, body)
		}
		return body, nil
	})
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	// The envelope's "status" field mirrors the HTTP status; trust the
	// response line.
	apiErr.StatusCode = status
	return apiErr
}

func (c *Client) callsURL() string {
	return fmt.Sprintf("%s/%s/Accounts/%s/Calls.json", c.baseURL, apiVersion, c.accountSID)
}

func (c *Client) callURL(callID string) string {
	return fmt.Sprintf("%s/%s/Accounts/%s/Calls/%s.json", c.baseURL, apiVersion, c.accountSID, callID)
}

// newCreateCallBackoff spaces the three create-call attempts 1s then 2s
// apart, capped at 4s.
func newCreateCallBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return backoff.WithMaxRetries(b, 2)
}
