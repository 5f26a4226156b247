package activity

import (
	"sort"
)

// MinTargets is the smallest target set that can be scored.
const MinTargets = 3

// Direction is the sign of a regulatory interaction.
type Direction int8

const (
	Up   Direction = 1
	Down Direction = -1
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Prior network action labels.
const (
	ActionUp   = "upregulates-expression"
	ActionDown = "downregulates-expression"
)

// ParseAction maps a prior network action to a direction. ok is false for
// actions that carry no expression direction.
func ParseAction(action string) (d Direction, ok bool) {
	switch action {
	case ActionUp:
		return Up, true
	case ActionDown:
		return Down, true
	}
	return 0, false
}

// Interaction is one TF -> target edge of the prior network.
type Interaction struct {
	TF        string
	Target    string
	Direction Direction
}

// Regulon is one TF's targets with parallel directions.
type Regulon struct {
	TF         string
	Targets    []string
	Directions []Direction
}

// Size is the total number of targets, duplicates included.
func (r Regulon) Size() int { return len(r.Targets) }

// GroupNetwork groups edges by TF. Regulons are sorted by TF name and keep
// their targets in input order. Duplicate edges are kept.
func GroupNetwork(edges []Interaction) []Regulon {
	byTF := make(map[string]*Regulon)
	for _, e := range edges {
		r, ok := byTF[e.TF]
		if !ok {
			r = &Regulon{TF: e.TF}
			byTF[e.TF] = r
		}
		r.Targets = append(r.Targets, e.Target)
		r.Directions = append(r.Directions, e.Direction)
	}

	out := make([]Regulon, 0, len(byTF))
	for _, r := range byTF {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TF < out[j].TF })
	return out
}

// TFNames returns the regulon TF names in order.
func TFNames(regs []Regulon) []string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.TF
	}
	return names
}
