// Package jobs drives the asynchronous job pipeline against the Quantarc API:
// create a job, poll its status, and download the result once it completes.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantarc/quantarc-go/pkg/apierr"
	"github.com/quantarc/quantarc-go/pkg/auth"
	"github.com/quantarc/quantarc-go/pkg/table"
	"github.com/quantarc/quantarc-go/pkg/transport"
)

// State is the lifecycle state of one job.
type State string

const (
	StateUncreated  State = "Uncreated"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Format is the response format requested at job creation.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

const (
	// DefaultMaxPolls is the hard ceiling on status polls per run. Hitting it
	// is a first-class failure, not an infinite loop.
	DefaultMaxPolls = 100

	// DefaultPollInterval is the fixed delay between status polls.
	DefaultPollInterval = 10 * time.Second

	createPath   = "/jobs/create"
	statusPath   = "/jobs/status"
	downloadPath = "/jobs/download"
)

// AllowedGeolevels enumerates the geography levels the job service accepts.
var AllowedGeolevels = map[string]bool{
	"US":      true,
	"METRO":   true,
	"GEOID2":  true,
	"GEOID5":  true,
	"ZIP":     true,
	"GEOID11": true,
}

// AllowedBuffers enumerates the buffer radii the job service accepts.
var AllowedBuffers = map[string]bool{
	"1mi":  true,
	"3mi":  true,
	"5mi":  true,
	"10mi": true,
	"20mi": true,
}

// CreateParams describes one job. Exactly one of Geolevel or PortfolioID must
// be set.
type CreateParams struct {
	ModelID        string
	Geolevel       string
	PortfolioID    string
	ResponseFormat Format
	GeoIDs         []int
	Buffers        []string
}

func (p CreateParams) validate() error {
	if p.ModelID == "" {
		return &apierr.UsageError{Msg: "model id is required"}
	}
	if p.Geolevel != "" && p.PortfolioID != "" {
		return &apierr.UsageError{Msg: `cannot set both "geolevel" and "portfolio_id"`}
	}
	if p.Geolevel == "" && p.PortfolioID == "" {
		return &apierr.UsageError{Msg: `job requires either "geolevel" or "portfolio_id"`}
	}
	if p.Geolevel != "" && !AllowedGeolevels[p.Geolevel] {
		return apierr.Usagef(`"geolevel" must be one of "US", "METRO", "GEOID2", "GEOID5", "ZIP", "GEOID11", got %q`, p.Geolevel)
	}
	switch p.ResponseFormat {
	case FormatCSV, FormatJSON:
	default:
		return apierr.Usagef(`response format must be "csv" or "json", got %q`, p.ResponseFormat)
	}
	for _, b := range p.Buffers {
		if !AllowedBuffers[b] {
			return apierr.Usagef("invalid buffer %q", b)
		}
	}
	return nil
}

type createRequest struct {
	ModelID        string   `json:"model_id"`
	PortfolioID    string   `json:"portfolio_id,omitempty"`
	Geolevel       string   `json:"geolevel,omitempty"`
	ResponseFormat string   `json:"response_format"`
	GeoIDList      []int    `json:"geoid_list"`
	Buffers        []string `json:"buffers"`
}

func (p CreateParams) wire() createRequest {
	req := createRequest{
		ModelID:        p.ModelID,
		PortfolioID:    p.PortfolioID,
		Geolevel:       p.Geolevel,
		ResponseFormat: string(p.ResponseFormat),
		GeoIDList:      p.GeoIDs,
		Buffers:        p.Buffers,
	}
	// The service expects lists, not nulls.
	if req.GeoIDList == nil {
		req.GeoIDList = []int{}
	}
	if req.Buffers == nil {
		req.Buffers = []string{}
	}
	return req
}

// Runner owns one job's create/poll/download lifecycle. A Runner must not be
// shared between goroutines; use one Runner per job.
type Runner struct {
	transport *transport.Client
	tokens    auth.TokenProvider
	logger    *slog.Logger

	maxPolls     int
	pollInterval time.Duration

	jobID      string
	format     Format
	state      State
	lastStatus string

	sleep func(ctx context.Context, d time.Duration) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger enables progress logging.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMaxPolls overrides the poll-count ceiling.
func WithMaxPolls(n int) RunnerOption {
	return func(r *Runner) { r.maxPolls = n }
}

// WithPollInterval overrides the delay between status polls.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// NewRunner builds a Runner in the Uncreated state.
func NewRunner(tr *transport.Client, tokens auth.TokenProvider, opts ...RunnerOption) *Runner {
	r := &Runner{
		transport:    tr,
		tokens:       tokens,
		logger:       slog.New(slog.DiscardHandler),
		maxPolls:     DefaultMaxPolls,
		pollInterval: DefaultPollInterval,
		state:        StateUncreated,
		format:       FormatCSV,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach builds a Runner bound to a job that already exists, so status checks
// and downloads can happen from a different process than the one that created
// the job. The format must match the one requested at creation time.
func Attach(tr *transport.Client, tokens auth.TokenProvider, jobID string, format Format, opts ...RunnerOption) (*Runner, error) {
	if jobID == "" {
		return nil, &apierr.UsageError{Msg: "job id is required"}
	}
	switch format {
	case FormatCSV, FormatJSON:
	default:
		return nil, apierr.Usagef(`response format must be "csv" or "json", got %q`, format)
	}

	r := NewRunner(tr, tokens, opts...)
	r.jobID = jobID
	r.format = format
	r.state = StateProcessing
	return r, nil
}

// JobID returns the job id, empty until Create succeeds.
func (r *Runner) JobID() string { return r.jobID }

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state }

// Create validates the parameters, then asks the service to start a job. On
// success the job id and response format are stored and the state moves to
// Processing; on failure the Runner stays Uncreated.
func (r *Runner) Create(ctx context.Context, p CreateParams) error {
	if err := p.validate(); err != nil {
		return err
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch api token: %w", err)
	}

	r.logger.InfoContext(ctx, "creating job", "model_id", p.ModelID)

	var resp struct {
		Success bool            `json:"success"`
		Message json.RawMessage `json:"message"`
	}
	if err := r.transport.PostJSON(ctx, createPath, token, p.wire(), &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &apierr.ServiceError{
			StatusCode: http.StatusOK,
			Message:    "job creation failed",
			Body:       resp.Message,
		}
	}

	var msg struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.Message, &msg); err != nil || msg.JobID == "" {
		return &apierr.ServiceError{
			StatusCode: http.StatusOK,
			Message:    "job creation response carried no job id",
			Body:       resp.Message,
		}
	}

	r.jobID = msg.JobID
	r.format = p.ResponseFormat
	r.state = StateProcessing
	r.logger.InfoContext(ctx, "job created", "job_id", r.jobID)
	return nil
}

// Status polls the service and maps its status string onto a State. Any
// status other than "Completed" or "Processing" is treated as Failed; the raw
// string is kept for diagnostics via LastStatus.
func (r *Runner) Status(ctx context.Context) (State, error) {
	if err := r.requireCreated("status"); err != nil {
		return "", err
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch api token: %w", err)
	}

	raw, err := r.transport.PostRaw(ctx, statusPath, token, map[string]string{"job_id": r.jobID})
	if err != nil {
		return "", err
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &apierr.ServiceError{
			StatusCode: http.StatusOK,
			Message:    "malformed response body",
			Body:       raw,
		}
	}
	if !resp.Success {
		return "", &apierr.ServiceError{
			StatusCode: http.StatusOK,
			Message:    "failed to determine job status",
			Body:       raw,
		}
	}

	r.lastStatus = resp.Message
	switch resp.Message {
	case "Completed":
		r.state = StateCompleted
	case "Processing":
		r.state = StateProcessing
	default:
		r.state = StateFailed
	}
	return r.state, nil
}

// LastStatus returns the raw status string from the most recent poll.
func (r *Runner) LastStatus() string { return r.lastStatus }

// Download fetches the finished job's result and decodes it per the response
// format requested at creation time.
func (r *Runner) Download(ctx context.Context) (*table.Table, error) {
	if err := r.requireCreated("download"); err != nil {
		return nil, err
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch api token: %w", err)
	}

	raw, err := r.transport.PostRaw(ctx, downloadPath, token, map[string]string{"job_id": r.jobID})
	if err != nil {
		return nil, err
	}

	switch r.format {
	case FormatCSV:
		return table.FromCSV(raw)
	case FormatJSON:
		return table.FromJSON(raw)
	default:
		// Unreachable for runners created through Create, which validates
		// the format up front.
		return nil, &apierr.LifecycleError{Op: "download", Msg: fmt.Sprintf("unsupported response format %q", r.format)}
	}
}

// Run drives the full lifecycle: create, poll until a terminal state with a
// fixed delay between polls, then download. Exhausting the poll budget while
// still Processing fails with a distinct "never completed" error.
func (r *Runner) Run(ctx context.Context, p CreateParams) (*table.Table, error) {
	if err := r.Create(ctx, p); err != nil {
		return nil, err
	}

	for i := 0; i < r.maxPolls; i++ {
		r.logger.InfoContext(ctx, "checking job status", "job_id", r.jobID, "poll", i+1)

		state, err := r.Status(ctx)
		if err != nil {
			return nil, err
		}
		switch state {
		case StateCompleted:
			r.logger.InfoContext(ctx, "job completed, downloading result", "job_id", r.jobID)
			return r.Download(ctx)
		case StateProcessing:
			if err := r.sleep(ctx, r.pollInterval); err != nil {
				return nil, err
			}
		default:
			return nil, &apierr.ServiceError{
				Message: fmt.Sprintf("job failed with status %q", r.lastStatus),
			}
		}
	}

	return nil, &apierr.LifecycleError{Op: "run", Msg: "job never completed within the poll budget"}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) requireCreated(op string) error {
	if r.jobID == "" {
		return &apierr.LifecycleError{Op: op, Msg: "no job created; call Create first"}
	}
	return nil
}
