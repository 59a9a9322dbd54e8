// Package crisis scores chat messages for self-harm and suicide risk.
//
// Three independent signals are computed for every message: a keyword scan
// over a categorized lexicon, a set of structural patterns for acute
// phrasing, and an external judge backed by a text-generation model. The
// Detector combines them into a single Analysis where the highest level
// wins and agreement between signals boosts confidence.
package crisis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is an ordered risk grade: None < Low < Medium < High < Critical.
type RiskLevel int

const (
	None RiskLevel = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"none", "low", "medium", "high", "critical"}

// String returns the lowercase wire name of the level.
func (l RiskLevel) String() string {
	if l < None || l > Critical {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseRiskLevel maps a level name, in any case, to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == s {
			return RiskLevel(i), true
		}
	}
	return None, false
}

// RequiresHuman reports whether the level needs a human monitor.
func (l RiskLevel) RequiresHuman() bool { return l >= High }

// MaxLevel returns the highest of the given levels, or None.
func MaxLevel(levels ...RiskLevel) RiskLevel {
	out := None
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}

// MarshalJSON encodes the level as its lowercase name.
func (l RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts the lowercase or uppercase level name.
func (l *RiskLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := ParseRiskLevel(s)
	if !ok {
		return fmt.Errorf("crisis: unknown risk level %q", s)
	}
	*l = v
	return nil
}
