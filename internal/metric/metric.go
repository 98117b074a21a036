package metric

import (
	"context"

	"github.com/t77yq/metron/internal/model"
)

// Window is the time range an expression was resolved over, epoch milliseconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Query describes one underlying sub-query issued while resolving an expression.
type Query struct {
	Expression string `json:"expression"`
	Datacenter string `json:"datacenter,omitempty"`
}

// QueryResult is everything the evaluation engine needs from one resolution:
// the series, the sub-queries that produced them, the source datacenters
// involved (for the data-lag guard), and the resolved window.
type QueryResult struct {
	Series      []*model.Series `json:"series"`
	Queries     []Query         `json:"queries"`
	Datacenters []string        `json:"datacenters"`
	Window      Window          `json:"window"`
}

// Resolver evaluates a metric expression into time series as of the given
// evaluation timestamp. Implementations own transform semantics; the engine
// only consumes the resulting series set.
type Resolver interface {
	Resolve(ctx context.Context, expression string, evalTime int64) (*QueryResult, error)
}
