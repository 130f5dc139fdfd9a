// Package tier maps loyalty tiers to earn multipliers and display metadata.
package tier

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	Bronze   = "bronze"
	Silver   = "silver"
	Gold     = "gold"
	Platinum = "platinum"
)

type Tier struct {
	Name       string          `json:"name"`
	Label      string          `json:"label"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Color      string          `json:"color"`
	Rank       int             `json:"rank"`
}

// Default is returned for customers without a known tier.
var Default = Tier{Name: "", Label: "Member", Multiplier: decimal.NewFromInt(1), Color: "#9ca3af"}

type Policy struct {
	byName map[string]Tier
}

func NewPolicy(tiers ...Tier) *Policy {
	byName := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		t.Name = normalize(t.Name)
		if t.Name == "" {
			continue
		}
		byName[t.Name] = t
	}
	return &Policy{byName: byName}
}

func DefaultPolicy() *Policy {
	return NewPolicy(
		Tier{Name: Bronze, Label: "Bronze", Multiplier: decimal.NewFromInt(1), Color: "#cd7f32", Rank: 1},
		Tier{Name: Silver, Label: "Silver", Multiplier: decimal.RequireFromString("1.25"), Color: "#c0c0c0", Rank: 2},
		Tier{Name: Gold, Label: "Gold", Multiplier: decimal.RequireFromString("1.5"), Color: "#d4af37", Rank: 3},
		Tier{Name: Platinum, Label: "Platinum", Multiplier: decimal.NewFromInt(2), Color: "#e5e4e2", Rank: 4},
	)
}

func (p *Policy) Lookup(name string) (Tier, bool) {
	if p == nil {
		return Default, false
	}
	t, ok := p.byName[normalize(name)]
	if !ok {
		return Default, false
	}
	return t, true
}

// Multiplier never fails: unknown tiers earn at 1x.
func (p *Policy) Multiplier(name string) decimal.Decimal {
	t, _ := p.Lookup(name)
	if !t.Multiplier.IsPositive() {
		return Default.Multiplier
	}
	return t.Multiplier
}

func (p *Policy) All() []Tier {
	if p == nil {
		return nil
	}
	out := make([]Tier, 0, len(p.byName))
	for _, t := range p.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank == out[j].Rank {
			return out[i].Name < out[j].Name
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
