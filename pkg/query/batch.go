package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quantarc/quantarc-go/pkg/apierr"
	"github.com/quantarc/quantarc-go/pkg/pacing"
	"github.com/quantarc/quantarc-go/pkg/table"
	"github.com/quantarc/quantarc-go/pkg/transport"
)

// SubmitBatch submits a keyed set of queries in chunks of at most the
// configured chunk size and merges the per-chunk results into one map keyed
// like the input. Keys are iterated in sorted order, so chunk membership is
// deterministic. Any chunk failure aborts the whole batch; no partial result
// is returned.
func (c *Client) SubmitBatch(ctx context.Context, queries map[string]Request, opts ...Option) (map[string]*table.Table, error) {
	o := applyOptions(opts)
	if o.chunkSize <= 0 {
		return nil, apierr.Usagef("chunk size must be a positive integer, got %d", o.chunkSize)
	}

	keys := make([]string, 0, len(queries))
	for k := range queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pacer := pacing.New(o.chunkDelay)
	out := make(map[string]*table.Table, len(queries))

	for start := 0; start < len(keys); start += o.chunkSize {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}

		end := min(start+o.chunkSize, len(keys))
		chunk := make(map[string]any, end-start)
		for _, k := range keys[start:end] {
			chunk[k] = queries[k].ToAPIStruct()
		}

		resp, err := c.post(ctx, transport.Envelope{Queries: chunk}, o)
		if err != nil {
			return nil, err
		}

		var perKey map[string][]map[string]any
		if err := json.Unmarshal(resp.Data, &perKey); err != nil {
			return nil, fmt.Errorf("decode batch rows: %w", err)
		}
		for k, records := range perKey {
			out[k] = table.FromRecords(records)
		}
	}

	return out, nil
}
