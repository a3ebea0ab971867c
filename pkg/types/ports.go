package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of ports. A single port is a range
// with From == To.
type PortRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains reports whether p falls inside the range.
func (r PortRange) Contains(p int) bool {
	return p >= r.From && p <= r.To
}

// String renders the range in the wire form accepted by ParsePortSet.
func (r PortRange) String() string {
	if r.From == r.To {
		return strconv.Itoa(r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// PortSet is an ordered list of port ranges. Overlap between entries
// is allowed.
type PortSet []PortRange

// ParsePortSet parses a comma-separated list of ports and ranges,
// e.g. "80", "80-90", "80,443", "80,8000-8010". Ports must be in
// 1..65535 and ranges must not be inverted.
func ParsePortSet(spec string) (PortSet, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("empty port spec")
	}

	var set PortSet
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty entry in port spec %q", spec)
		}

		var r PortRange
		if idx := strings.Index(part, "-"); idx >= 0 {
			lo, hi := part[:idx], part[idx+1:]
			if lo == "" || hi == "" {
				return nil, fmt.Errorf("malformed port range %q", part)
			}
			from, err := parsePort(lo)
			if err != nil {
				return nil, err
			}
			to, err := parsePort(hi)
			if err != nil {
				return nil, err
			}
			if from > to {
				return nil, fmt.Errorf("inverted port range %q", part)
			}
			r = PortRange{From: from, To: to}
		} else {
			p, err := parsePort(part)
			if err != nil {
				return nil, err
			}
			r = PortRange{From: p, To: p}
		}
		set = append(set, r)
	}

	return set, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", p)
	}
	return p, nil
}

// Contains reports whether every port of other falls inside the set.
func (s PortSet) Contains(other PortSet) bool {
	for _, want := range other {
		for p := want.From; p <= want.To; p++ {
			if !s.ContainsPort(p) {
				return false
			}
		}
	}
	return true
}

// ContainsPort reports whether any range in the set covers p.
func (s PortSet) ContainsPort(p int) bool {
	for _, r := range s {
		if r.Contains(p) {
			return true
		}
	}
	return false
}

// String renders the set in the wire form accepted by ParsePortSet.
func (s PortSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Normalized returns a copy sorted by (From, To). Snapshot
// canonicalization depends on this being deterministic.
func (s PortSet) Normalized() PortSet {
	out := make(PortSet, len(s))
	copy(out, s)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
