// Package query submits structured queries to the Quantarc API, either one at
// a time or as a keyed batch split into size-limited chunks.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantarc/quantarc-go/pkg/apierr"
	"github.com/quantarc/quantarc-go/pkg/auth"
	"github.com/quantarc/quantarc-go/pkg/table"
	"github.com/quantarc/quantarc-go/pkg/transport"
)

// DefaultChunkSize is the maximum number of queries per batch chunk.
const DefaultChunkSize = 500

// Request is the serializable query representation supplied by the
// query-building layer.
type Request interface {
	ToAPIStruct() any
}

// Raw adapts a pre-serialized JSON query to the Request interface.
type Raw json.RawMessage

func (r Raw) ToAPIStruct() any { return json.RawMessage(r) }

type options struct {
	timeout    time.Duration
	headers    map[string]string
	chunkSize  int
	chunkDelay time.Duration
}

// Option configures a single submission.
type Option func(*options)

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaders adds extra request headers.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithChunkSize caps the number of queries per batch chunk.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithChunkDelay inserts a pause between successive batch chunks. It never
// applies after the final chunk.
func WithChunkDelay(d time.Duration) Option {
	return func(o *options) { o.chunkDelay = d }
}

func applyOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client submits queries through a transport.Client, fetching a fresh bearer
// token for every request.
type Client struct {
	transport *transport.Client
	tokens    auth.TokenProvider
}

// New builds a query client.
func New(tr *transport.Client, tokens auth.TokenProvider) *Client {
	return &Client{transport: tr, tokens: tokens}
}

// Submission carries exactly one of a single query or a keyed batch. Setting
// both or neither is a usage error caught before any network call.
type Submission struct {
	Query   Request
	Queries map[string]Request
}

// Result holds whichever side of the submission was executed.
type Result struct {
	Table  *table.Table
	Tables map[string]*table.Table
}

// Submit dispatches to SubmitQuery or SubmitBatch depending on which side of
// the submission is set.
func (c *Client) Submit(ctx context.Context, sub Submission, opts ...Option) (*Result, error) {
	switch {
	case sub.Query != nil && sub.Queries != nil:
		return nil, &apierr.UsageError{Msg: "submission carries both a single query and a batch; set exactly one"}
	case sub.Query == nil && sub.Queries == nil:
		return nil, &apierr.UsageError{Msg: "submission carries no queries; set exactly one of Query or Queries"}
	case sub.Query != nil:
		t, err := c.SubmitQuery(ctx, sub.Query, opts...)
		if err != nil {
			return nil, err
		}
		return &Result{Table: t}, nil
	default:
		tables, err := c.SubmitBatch(ctx, sub.Queries, opts...)
		if err != nil {
			return nil, err
		}
		return &Result{Tables: tables}, nil
	}
}

// SubmitQuery submits one query and decodes every returned row.
func (c *Client) SubmitQuery(ctx context.Context, q Request, opts ...Option) (*table.Table, error) {
	o := applyOptions(opts)
	resp, err := c.post(ctx, transport.Envelope{Query: q.ToAPIStruct()}, o)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		return nil, fmt.Errorf("decode query rows: %w", err)
	}
	return table.FromRecords(records), nil
}

// SubmitJSON submits one query and returns only the first record, which is
// the whole answer for single-row aggregates.
func (c *Client) SubmitJSON(ctx context.Context, q Request, opts ...Option) (map[string]any, error) {
	o := applyOptions(opts)
	resp, err := c.post(ctx, transport.Envelope{Query: q.ToAPIStruct()}, o)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		return nil, fmt.Errorf("decode query rows: %w", err)
	}
	if len(records) == 0 {
		return nil, &apierr.ServiceError{Message: "query returned no rows", Body: resp.Data}
	}
	return records[0], nil
}

func (c *Client) post(ctx context.Context, env transport.Envelope, o options) (*transport.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch api token: %w", err)
	}
	env.Token = token
	return c.transport.Submit(ctx, env, o.timeout, o.headers)
}
