package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/condition"
	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
)

type compiled struct {
	rule *Rule
	pred *condition.Predicate
	act  action
}

// Snapshot is an immutable, pre-compiled view of the active rule set.
// Refresh builds a new Snapshot and swaps it in; readers never see a partial list.
type Snapshot struct {
	forceNever []compiled
	forceNow   []compiled
	soft       []compiled
	total      int
	builtAt    time.Time
}

// NewSnapshot compiles the active rules. Rules that fail to compile are left
// out and reported in the returned error; the snapshot is still usable.
func NewSnapshot(rules []*Rule, builtAt time.Time) (*Snapshot, error) {
	sorted := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Active {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PriorityOrder != sorted[j].PriorityOrder {
			return sorted[i].PriorityOrder < sorted[j].PriorityOrder
		}
		return sorted[i].Name < sorted[j].Name
	})

	s := &Snapshot{builtAt: builtAt}
	var errs []error
	for _, r := range sorted {
		pred, err := condition.Compile(r.Conditions)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		act, err := parseAction(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		c := compiled{rule: r, pred: pred, act: act}
		switch r.Type {
		case ForceNever:
			s.forceNever = append(s.forceNever, c)
		case ForceNow:
			s.forceNow = append(s.forceNow, c)
		case QuietHours, ChannelOverride:
			s.soft = append(s.soft, c)
		default:
			errs = append(errs, fmt.Errorf("rule %q: unknown type %q", r.Name, r.Type))
			continue
		}
		s.total++
	}
	return s, errors.Join(errs...)
}

// Len returns the number of compiled rules.
func (s *Snapshot) Len() int { return s.total }

// BuiltAt returns when the snapshot was compiled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Verdict is the rule layer's outcome for one event.
type Verdict struct {
	// Decision is Now or Never when a force rule matched, empty otherwise.
	Decision decision.Decision
	Rule     string

	QuietHours     bool
	QuietRule      string
	ChannelBlocked bool
	Fallback       event.Channel
	ChannelRule    string

	Steps []decision.Step
}

// Terminal reports whether a force rule fixed the decision.
func (v Verdict) Terminal() bool { return v.Decision != "" }

// Evaluate matches ev against the snapshot. force_never rules are tried
// first, then force_now; the first match terminates. Otherwise the first
// matching quiet_hours and channel_override rules annotate the verdict.
func (s *Snapshot) Evaluate(ev *event.Event, now time.Time) Verdict {
	attrs := condition.EventAttributes{Event: ev}
	var v Verdict

	for _, c := range s.forceNever {
		if c.pred.Match(attrs) {
			v.Decision, v.Rule = decision.Never, c.rule.Name
			v.Steps = append(v.Steps, decision.Step{
				Layer:  decision.LayerRules,
				Check:  "rule:" + c.rule.Name,
				Result: decision.ResultForceNever,
				Detail: fmt.Sprintf("rule %q suppresses this notification", c.rule.Name),
			})
			return v
		}
	}
	for _, c := range s.forceNow {
		if c.pred.Match(attrs) {
			v.Decision, v.Rule = decision.Now, c.rule.Name
			v.Steps = append(v.Steps, decision.Step{
				Layer:  decision.LayerRules,
				Check:  "rule:" + c.rule.Name,
				Result: decision.ResultForceNow,
				Detail: fmt.Sprintf("rule %q forces immediate delivery", c.rule.Name),
			})
			return v
		}
	}

	for _, c := range s.soft {
		if !c.pred.Match(attrs) {
			continue
		}
		switch c.rule.Type {
		case QuietHours:
			if v.QuietRule != "" {
				continue
			}
			if !c.act.inWindow(now) {
				v.Steps = append(v.Steps, decision.Step{
					Layer:  decision.LayerRules,
					Check:  "rule:" + c.rule.Name,
					Result: decision.ResultMatched,
					Detail: fmt.Sprintf("outside quiet hours %02d-%02d %s", c.act.startHour, c.act.endHour, c.act.loc),
				})
				continue
			}
			v.QuietHours, v.QuietRule = true, c.rule.Name
			v.Steps = append(v.Steps, decision.Step{
				Layer:  decision.LayerRules,
				Check:  "rule:" + c.rule.Name,
				Result: decision.ResultDefer,
				Detail: fmt.Sprintf("quiet hours active (%02d-%02d %s), defer unless critical", c.act.startHour, c.act.endHour, c.act.loc),
			})
		case ChannelOverride:
			if v.ChannelRule != "" || c.act.allowed[ev.Channel] {
				continue
			}
			v.ChannelRule = c.rule.Name
			if c.act.fallback != "" {
				v.Fallback = c.act.fallback
				v.Steps = append(v.Steps, decision.Step{
					Layer:  decision.LayerRules,
					Check:  "rule:" + c.rule.Name,
					Result: decision.ResultMatched,
					Detail: fmt.Sprintf("channel %s not allowed, rerouted to %s", ev.Channel, c.act.fallback),
				})
				continue
			}
			v.ChannelBlocked = true
			v.Steps = append(v.Steps, decision.Step{
				Layer:  decision.LayerRules,
				Check:  "rule:" + c.rule.Name,
				Result: decision.ResultMatched,
				Detail: fmt.Sprintf("channel %s not allowed and no fallback", ev.Channel),
			})
		}
	}

	v.Steps = append(v.Steps, decision.Step{
		Layer:  decision.LayerRules,
		Check:  "rules_evaluation",
		Result: decision.ResultNoMatch,
		Detail: fmt.Sprintf("evaluated %d rules, no hard outcome", s.total),
	})
	return v
}
