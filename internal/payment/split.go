package payment

import (
	"math"
	"strings"
)

// DefaultMaxSplitRatio caps the split total at half the charge amount.
const DefaultMaxSplitRatio = 0.5

// SplitTotal sums the rule values, saturating at math.MaxInt64.
func SplitTotal(rules []SplitRule) int64 {
	var total int64
	for _, r := range rules {
		if r.Value > 0 && total > math.MaxInt64-r.Value {
			return math.MaxInt64
		}
		total += r.Value
	}
	return total
}

// ValidateSplit checks that every rule is well formed and that the total
// stays within floor(amount*maxRatio) and never exceeds amount itself.
func ValidateSplit(amountMinor int64, rules []SplitRule, maxRatio float64) error {
	if len(rules) == 0 {
		return nil
	}
	if maxRatio <= 0 || maxRatio > 1 {
		maxRatio = DefaultMaxSplitRatio
	}
	var total int64
	for i, r := range rules {
		if r.Value <= 0 {
			return validationErr("splitRules", "rule %d value must be positive", i)
		}
		if strings.TrimSpace(r.AccountID) == "" {
			return validationErr("splitRules", "rule %d account id is required", i)
		}
		// total <= amountMinor holds on entry, so the subtraction cannot wrap.
		if r.Value > amountMinor || total > amountMinor-r.Value {
			return validationErr("splitRules", "split total exceeds charge amount %d at rule %d", amountMinor, i)
		}
		total += r.Value
	}
	limit := int64(math.Floor(float64(amountMinor) * maxRatio))
	if total > limit {
		return validationErr("splitRules", "split total %d exceeds %.0f%% of %d (max %d)", total, maxRatio*100, amountMinor, limit)
	}
	return nil
}

// AutoSplit describes the house split applied when a request carries none.
type AutoSplit struct {
	AccountID string
	Percent   float64
}

// Rules returns the auto split for amount, or nil when it is disabled or
// would round down to zero.
func (a AutoSplit) Rules(amountMinor int64) []SplitRule {
	if strings.TrimSpace(a.AccountID) == "" || a.Percent <= 0 {
		return nil
	}
	value := int64(math.Floor(float64(amountMinor) * a.Percent / 100))
	if value <= 0 {
		return nil
	}
	return []SplitRule{{Value: value, AccountID: strings.TrimSpace(a.AccountID)}}
}
