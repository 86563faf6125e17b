package store

import (
	"fmt"
	"strconv"
)

// Sort keys are 32 hex digits, a 128-bit big-endian integer. The gap scan
// does its successor/distance arithmetic directly on that form so the store
// stays ignorant of address families.

type key128 struct {
	hi, lo uint64
}

func parseKey128(s string) (key128, error) {
	if len(s) != 32 {
		return key128{}, fmt.Errorf("invalid sort key: %q", s)
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return key128{}, fmt.Errorf("invalid sort key: %q", s)
	}
	lo, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return key128{}, fmt.Errorf("invalid sort key: %q", s)
	}
	return key128{hi: hi, lo: lo}, nil
}

func (k key128) String() string {
	return fmt.Sprintf("%016x%016x", k.hi, k.lo)
}

func (k key128) succ() key128 {
	lo := k.lo + 1
	hi := k.hi
	if lo == 0 {
		hi++
	}
	return key128{hi: hi, lo: lo}
}

// dist returns b-a capped at cap64. Callers guarantee a <= b.
func (k key128) dist(b key128, cap64 uint64) uint64 {
	dhi := b.hi - k.hi
	dlo := b.lo - k.lo
	if dlo > b.lo {
		dhi--
	}
	if dhi > 0 {
		return cap64
	}
	if dlo > cap64 {
		return cap64
	}
	return dlo
}

// scanGap walks an ascending run of present sort keys within [lo, hi] and
// returns the first gap, capped at maxGap. Semantically this is
//
//	SELECT key+1 AS gap_start,
//	       LEAST(lead(key) OVER (ORDER BY key) - key - 1, maxGap) AS gap_length
//	HAVING gap_length > 0 LIMIT 1
//
// over the bucket's ordered index. The caller anchors the edges: lo and hi
// must both be present (the allocator's sentinel records guarantee this).
func scanGap(keys []string, maxGap uint64) (*Gap, error) {
	if len(keys) < 2 {
		return nil, nil
	}
	prev, err := parseKey128(keys[0])
	if err != nil {
		return nil, err
	}
	for _, s := range keys[1:] {
		cur, err := parseKey128(s)
		if err != nil {
			return nil, err
		}
		start := prev.succ()
		if gapLen := start.dist(cur, maxGap); gapLen > 0 {
			return &Gap{Start: start.String(), Length: gapLen}, nil
		}
		prev = cur
	}
	return nil, nil
}
