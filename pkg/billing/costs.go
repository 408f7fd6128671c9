package billing

import (
	"fmt"
	"sort"
)

// Built-in service costs, used when deployment configuration provides none.
const (
	ServiceAnalyzeProfile     = "AnalyzeProfile"
	ServiceGenerateCV         = "GenerateCV"
	ServiceMarketAnalysis     = "MarketAnalysis"
	ServiceJobRecommendations = "JobRecommendations"
)

// CostTable is an immutable mapping from service name to token price.
// It is resolved once at startup and injected into the Service; it is
// never mutated at request time.
type CostTable struct {
	costs map[string]int64
}

// NewCostTable builds a cost table from the given mapping. Negative costs
// are rejected. The input map is copied.
func NewCostTable(costs map[string]int64) (*CostTable, error) {
	out := make(map[string]int64, len(costs))
	for name, cost := range costs {
		if name == "" {
			return nil, fmt.Errorf("service name must not be empty")
		}
		if cost < 0 {
			return nil, fmt.Errorf("cost for %q must not be negative: %w", name, ErrInvalidAmount)
		}
		out[name] = cost
	}
	return &CostTable{costs: out}, nil
}

// DefaultCostTable returns the built-in cost table used when no
// deployment configuration is present.
func DefaultCostTable() *CostTable {
	return &CostTable{costs: map[string]int64{
		ServiceAnalyzeProfile:     5,
		ServiceGenerateCV:         5,
		ServiceMarketAnalysis:     3,
		ServiceJobRecommendations: 3,
	}}
}

// Cost returns the token price for a service. Unknown services fail with
// ErrUnknownService: access to an unregistered service is denied, never
// treated as free.
func (t *CostTable) Cost(serviceName string) (int64, error) {
	cost, ok := t.costs[serviceName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	return cost, nil
}

// All returns a copy of the full service-to-cost mapping.
func (t *CostTable) All() map[string]int64 {
	out := make(map[string]int64, len(t.costs))
	for name, cost := range t.costs {
		out[name] = cost
	}
	return out
}

// Services returns the registered service names in sorted order.
func (t *CostTable) Services() []string {
	names := make([]string, 0, len(t.costs))
	for name := range t.costs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
