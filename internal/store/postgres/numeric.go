package postgres

import (
	"fmt"
	"strconv"
)

// Unsigned 64-bit counters round-trip through NUMERIC(20,0) columns as
// decimal strings: BIGINT cannot represent the full uint64 range and the
// ledger rejects, rather than wraps, values near the top of it.

func u64str(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse uint64 %q: %w", s, err)
	}
	return v, nil
}
