// Package quota talks to the external license broker. Jobs naming licensed
// rulesets must be pre-authorized with post_job before they run; finalization
// reports back with update_job. The broker answers post_job with the ruleset
// versions it actually authorized, and the controller rewrites the job to
// those exact versions.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/stratushq/stratus/pkg/model"
)

// ErrDenied is returned when the broker refuses to authorize the job.
var ErrDenied = errors.New("license broker denied the job")

// Authorization is the broker's answer to post_job: the content URI per
// authorized ruleset id (name:version).
type Authorization struct {
	RulesetContent map[string]string `json:"ruleset_content"`
}

// Broker pre-authorizes licensed jobs and receives terminal status reports.
type Broker interface {
	PostJob(ctx context.Context, job *model.Job, rulesetMap map[string][]string) (*Authorization, error)
	UpdateJob(ctx context.Context, job *model.Job) error
}

type postJobRequest struct {
	JobID      string              `json:"job_id"`
	Customer   string              `json:"customer"`
	Tenant     string              `json:"tenant"`
	RulesetMap map[string][]string `json:"ruleset_map"`
}

type updateJobRequest struct {
	JobID     string     `json:"job_id"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Status    string     `json:"status"`
}

// HTTPBroker is the production Broker over HTTP JSON. Transient 5xx answers
// are retried; repeated failures trip a circuit breaker so a dead broker does
// not stall every scan for the full retry budget.
type HTTPBroker struct {
	BaseURL string
	Client  *http.Client

	breaker  *gobreaker.CircuitBreaker
	attempts uint
}

// Option configures an HTTPBroker.
type Option func(*HTTPBroker)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *HTTPBroker) { b.Client = c }
}

// WithAttempts overrides the retry budget per call.
func WithAttempts(n uint) Option {
	return func(b *HTTPBroker) { b.attempts = n }
}

func NewHTTPBroker(baseURL string, opts ...Option) *HTTPBroker {
	b := &HTTPBroker{
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 3,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "license-broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// transientError marks a broker answer worth retrying.
type transientError struct{ status int }

func (e *transientError) Error() string {
	return fmt.Sprintf("license broker returned status %d", e.status)
}

func (b *HTTPBroker) PostJob(ctx context.Context, job *model.Job, rulesetMap map[string][]string) (*Authorization, error) {
	req := postJobRequest{
		JobID:      job.ID,
		Customer:   job.Customer,
		Tenant:     job.TenantName,
		RulesetMap: rulesetMap,
	}

	var auth Authorization
	if err := b.call(ctx, "/post_job", req, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

func (b *HTTPBroker) UpdateJob(ctx context.Context, job *model.Job) error {
	req := updateJobRequest{
		JobID:     job.ID,
		CreatedAt: job.SubmittedAt,
		StartedAt: job.StartedAt,
		StoppedAt: job.StoppedAt,
		Status:    string(job.Status),
	}
	return b.call(ctx, "/update_job", req, nil)
}

func (b *HTTPBroker) call(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode broker request: %w", err)
	}

	do := func() error {
		_, err := b.breaker.Execute(func() (any, error) {
			return nil, b.doOnce(ctx, path, body, out)
		})
		return err
	}

	err = retry.Do(do,
		retry.Context(ctx),
		retry.Attempts(b.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var te *transientError
			return errors.As(err, &te)
		}),
	)
	if err != nil {
		return fmt.Errorf("license broker %s failed: %w", path, err)
	}
	return nil
}

func (b *HTTPBroker) doOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusPaymentRequired:
		return ErrDenied
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return &transientError{status: resp.StatusCode}
	default:
		return fmt.Errorf("license broker returned status %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode broker response: %w", err)
	}
	return nil
}

// NopBroker authorizes everything; used when no broker endpoint is configured
// and for unlicensed jobs in tests.
type NopBroker struct{}

func (NopBroker) PostJob(ctx context.Context, job *model.Job, rulesetMap map[string][]string) (*Authorization, error) {
	return &Authorization{RulesetContent: map[string]string{}}, nil
}

func (NopBroker) UpdateJob(ctx context.Context, job *model.Job) error { return nil }
