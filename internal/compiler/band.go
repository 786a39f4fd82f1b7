package compiler

import "math"

// FallbackRuleLimit is used when the table does not report a rule limit.
const FallbackRuleLimit = 5000

// GuardRuleID and GuardPriority are reserved for the suspend guard. No band
// ever reaches GuardRuleID.
const (
	GuardRuleID   = math.MaxInt32
	GuardPriority = math.MaxInt32
)

// Rule priorities per tier.
const (
	PriorityBasic    = 100
	PriorityTracking = 60
	PriorityAllow    = 50
	PriorityBlock    = 10
)

type Category int

const (
	CategoryBasic Category = iota
	CategoryTracking
	CategoryDomain
	CategoryURL
	CategoryRegex

	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryBasic:
		return "basic"
	case CategoryTracking:
		return "tracking"
	case CategoryDomain:
		return "domain"
	case CategoryURL:
		return "url"
	case CategoryRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Categories returns every category in emission order.
func Categories() []Category {
	return []Category{CategoryBasic, CategoryTracking, CategoryDomain, CategoryURL, CategoryRegex}
}

// MaxRuleLimit is the largest limit whose bands all stay below GuardRuleID.
const MaxRuleLimit = (GuardRuleID - 1) / int(categoryCount)

// EffectiveLimit maps a reported platform limit to the limit used for band
// arithmetic.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return FallbackRuleLimit
	}
	if limit > MaxRuleLimit {
		return MaxRuleLimit
	}
	return limit
}

// Band returns the inclusive ID range reserved for c:
// start = index*limit + 1, end = start + limit - 1.
func Band(c Category, limit int) (start, end int) {
	limit = EffectiveLimit(limit)
	start = int(c)*limit + 1
	end = start + limit - 1
	return start, end
}
