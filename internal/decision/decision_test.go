package decision

import "testing"

func TestChainIsOrderedAndCopied(t *testing.T) {
	var c Chain
	c.Add(LayerIngest, "expiry_check", ResultPass, "")
	c.Addf(LayerDedup, "exact_duplicate", ResultPass, "fingerprint %s", "abc")
	c.Append(Step{Layer: LayerRules, Check: "rules_evaluation", Result: ResultNoMatch})

	steps := c.Steps()
	if len(steps) != 3 || c.Len() != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	want := []string{LayerIngest, LayerDedup, LayerRules}
	for i, s := range steps {
		if s.Layer != want[i] {
			t.Errorf("step %d: layer %s, want %s", i, s.Layer, want[i])
		}
	}
	if steps[1].Detail != "fingerprint abc" {
		t.Errorf("unexpected detail %q", steps[1].Detail)
	}

	steps[0].Check = "mutated"
	if c.Steps()[0].Check != "expiry_check" {
		t.Error("Steps must return a copy")
	}
}

func TestDecisionUpper(t *testing.T) {
	if Later.Upper() != "LATER" {
		t.Errorf("got %s", Later.Upper())
	}
}
