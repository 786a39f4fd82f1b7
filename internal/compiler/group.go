package compiler

// Grouper partitions pattern fragments into groups. A group of items renders
// to fixed + sum(len(item)) + len(items)-1 characters (items joined by '|').
// Items that do not fit even on their own are returned as oversize.
type Grouper interface {
	Group(items []string, fixed int) (groups [][]string, oversize []string)
}

// RegexGrouper packs items greedily, in input order, into groups whose
// rendered length stays within MaxLen. An item that would overflow the
// current group starts a new one.
type RegexGrouper struct {
	MaxLen int
}

func (g RegexGrouper) Group(items []string, fixed int) ([][]string, []string) {
	var (
		groups   [][]string
		oversize []string
		cur      []string
		curLen   int
	)
	for _, it := range items {
		if fixed+len(it) > g.MaxLen {
			oversize = append(oversize, it)
			continue
		}
		if len(cur) > 0 && curLen+1+len(it) > g.MaxLen {
			groups = append(groups, cur)
			cur = nil
		}
		if len(cur) == 0 {
			cur = []string{it}
			curLen = fixed + len(it)
			continue
		}
		cur = append(cur, it)
		curLen += 1 + len(it)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups, oversize
}

// PerValue puts every item in its own group.
type PerValue struct {
	MaxLen int
}

func (g PerValue) Group(items []string, fixed int) ([][]string, []string) {
	var (
		groups   [][]string
		oversize []string
	)
	for _, it := range items {
		if g.MaxLen > 0 && fixed+len(it) > g.MaxLen {
			oversize = append(oversize, it)
			continue
		}
		groups = append(groups, []string{it})
	}
	return groups, oversize
}
