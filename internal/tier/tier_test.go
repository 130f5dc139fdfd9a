package tier

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultPolicyMultipliers(t *testing.T) {
	policy := DefaultPolicy()

	cases := map[string]string{
		"bronze":    "1",
		"silver":    "1.25",
		"Gold":      "1.5",
		" PLATINUM": "2",
	}
	for name, want := range cases {
		got := policy.Multiplier(name)
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("tier %q: expected multiplier %s, got %s", name, want, got)
		}
	}
}

func TestUnknownTierDefaultsToOne(t *testing.T) {
	policy := DefaultPolicy()

	for _, name := range []string{"", "diamond", "vip"} {
		if got := policy.Multiplier(name); !got.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("tier %q: expected 1x, got %s", name, got)
		}
		if _, ok := policy.Lookup(name); ok {
			t.Fatalf("tier %q: expected lookup miss", name)
		}
	}

	var nilPolicy *Policy
	if got := nilPolicy.Multiplier("gold"); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected nil policy to default to 1x, got %s", got)
	}
}

func TestAllIsOrderedByRank(t *testing.T) {
	tiers := DefaultPolicy().All()
	if len(tiers) != 4 {
		t.Fatalf("expected 4 tiers, got %d", len(tiers))
	}
	want := []string{Bronze, Silver, Gold, Platinum}
	for i, name := range want {
		if tiers[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, tiers[i].Name)
		}
	}
}
