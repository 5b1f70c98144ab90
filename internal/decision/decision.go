package decision

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the disposition of one event.
type Decision string

const (
	Now   Decision = "now"
	Later Decision = "later"
	Never Decision = "never"
)

// Upper is the form used in reason-chain results.
func (d Decision) Upper() string { return strings.ToUpper(string(d)) }

// Pipeline layers, in visiting order.
const (
	LayerIngest   = "L0"
	LayerDedup    = "L1"
	LayerRules    = "L2"
	LayerContext  = "L3"
	LayerScorer   = "L4"
	LayerArbiter  = "L5"
	LayerDispatch = "L6"
)

// Step results that are not decisions.
const (
	ResultPass       = "PASS"
	ResultFail       = "FAIL"
	ResultBypass     = "BYPASS"
	ResultDefer      = "DEFER"
	ResultSuppress   = "SUPPRESS"
	ResultForceNow   = "FORCE_NOW"
	ResultForceNever = "FORCE_NEVER"
	ResultMatched    = "MATCHED"
	ResultNoMatch    = "NO_MATCH"
	ResultDegraded   = "DEGRADED"
	ResultSkipped    = "SKIPPED"
	ResultOK         = "OK"
	ResultFailed     = "FAILED"
)

// Step is one entry of a reason chain.
type Step struct {
	Layer  string `json:"layer"`
	Check  string `json:"check"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// Chain is an append-only, ordered audit trail owned by a single evaluation.
type Chain struct {
	steps []Step
}

// Add appends a step.
func (c *Chain) Add(layer, check, result, detail string) {
	c.steps = append(c.steps, Step{Layer: layer, Check: check, Result: result, Detail: detail})
}

// Addf appends a step with a formatted detail.
func (c *Chain) Addf(layer, check, result, format string, args ...interface{}) {
	c.Add(layer, check, result, fmt.Sprintf(format, args...))
}

// Append appends steps produced by a layer.
func (c *Chain) Append(steps ...Step) {
	c.steps = append(c.steps, steps...)
}

// Steps returns a copy of the chain.
func (c *Chain) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Len returns the number of steps recorded.
func (c *Chain) Len() int { return len(c.steps) }

// Dispatch statuses recorded on a Result.
const (
	DispatchOK      = "ok"
	DispatchFailed  = "failed"
	DispatchSkipped = "skipped"
)

// Result is the response for one evaluated event.
type Result struct {
	EventID        string     `json:"event_id"`
	UserID         string     `json:"user_id"`
	Decision       Decision   `json:"decision"`
	Score          *float64   `json:"score"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	ReasonChain    []Step     `json:"reason_chain"`
	AIUsed         bool       `json:"ai_used"`
	FallbackUsed   bool       `json:"fallback_used"`
	RuleMatched    string     `json:"rule_matched,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	DispatchStatus string     `json:"dispatch_status,omitempty"`
	ProcessedAt    time.Time  `json:"processed_at"`
}
