package model

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Pricing is the USD cost per million tokens of a model.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Cost returns the USD cost of usage at this price.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1_000_000*p.InputPer1M +
		float64(u.OutputTokens)/1_000_000*p.OutputPer1M
}

// Published list prices. Lookups fall back to the longest matching prefix,
// so dated model ids ("claude-3-5-haiku-20241022") resolve to their family.
var defaultPricing = map[string]Pricing{
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":           {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":      {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-4-turbo":       {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":     {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"claude-sonnet-4":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"gemini-1.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":  {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":  {InputPer1M: 0.30, OutputPer1M: 2.50},
	"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 10.00},
}

// Call is one recorded completion.
type Call struct {
	ExecutionID string
	StepID      string
	Provider    string
	Model       string
	Usage       Usage
	CostUSD     float64
	Timestamp   time.Time
}

// CostTracker accumulates token usage and cost of llm steps across
// executions. It is safe for concurrent use.
//
// Unknown models are recorded at zero cost; register their price with
// SetPricing.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []Call

	total       float64
	byModel     map[string]float64
	byExecution map[string]float64
	usage       Usage

	now func() time.Time
}

// NewCostTracker creates a tracker seeded with the default price list.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]Pricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:     pricing,
		byModel:     make(map[string]float64),
		byExecution: make(map[string]float64),
		now:         time.Now,
	}
}

// Record stores a call, prices it and returns the priced copy.
func (ct *CostTracker) Record(call Call) Call {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	call.CostUSD = ct.priceLocked(call.Model).Cost(call.Usage)
	if call.Timestamp.IsZero() {
		call.Timestamp = ct.now()
	}

	ct.calls = append(ct.calls, call)
	ct.total += call.CostUSD
	ct.byModel[call.Model] += call.CostUSD
	if call.ExecutionID != "" {
		ct.byExecution[call.ExecutionID] += call.CostUSD
	}
	ct.usage.InputTokens += call.Usage.InputTokens
	ct.usage.OutputTokens += call.Usage.OutputTokens
	return call
}

// priceLocked resolves a model id to its price by exact match, then by the
// longest known prefix.
func (ct *CostTracker) priceLocked(model string) Pricing {
	if p, ok := ct.pricing[model]; ok {
		return p
	}
	best := ""
	for name := range ct.pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	return ct.pricing[best]
}

// SetPricing registers or overrides the price of a model.
func (ct *CostTracker) SetPricing(model string, p Pricing) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = p
}

// TotalCost returns the accumulated cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.total
}

// ExecutionCost returns the cost accumulated by one execution.
func (ct *CostTracker) ExecutionCost(executionID string) float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byExecution[executionID]
}

// CostByModel returns a copy of the per-model totals.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.byModel))
	for k, v := range ct.byModel {
		out[k] = v
	}
	return out
}

// Calls returns a copy of the call history.
func (ct *CostTracker) Calls() []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]Call, len(ct.calls))
	copy(out, ct.calls)
	return out
}

// TokenUsage returns the accumulated token usage.
func (ct *CostTracker) TokenUsage() Usage {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.usage
}

// Reset clears the history and totals. Custom prices are kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
	ct.total = 0
	ct.byModel = make(map[string]float64)
	ct.byExecution = make(map[string]float64)
	ct.usage = Usage{}
}

func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{Calls: %d, TotalCost: $%.4f, InputTokens: %d, OutputTokens: %d}",
		len(ct.calls), ct.total, ct.usage.InputTokens, ct.usage.OutputTokens)
}
