package channel

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

// Epoch is the zero point of snowflake timestamps (2015-01-01T00:00:00Z).
const Epoch int64 = 1420070400000

// Snowflake is a globally unique, time-ordered numeric string id.
type Snowflake string

// String returns the id as a plain string.
func (s Snowflake) String() string { return string(s) }

// IsZero reports whether the id is empty.
func (s Snowflake) IsZero() bool { return s == "" }

// Valid reports whether s is a non-empty decimal number.
func (s Snowflake) Valid() bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(string(s), 10, 64)
	return err == nil
}

// Time returns the creation time embedded in the id, or the zero time if
// s is not a valid snowflake.
func (s Snowflake) Time() time.Time {
	n, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(n>>22) + Epoch).UTC()
}

// Compare orders two snowflakes chronologically. Decimal ids compare by
// numeric value regardless of width and sort before any malformed id;
// malformed ids compare bytewise among themselves. Ids that differ only in
// leading zeros fall back to byte order, so distinct ids never compare
// equal.
func Compare(a, b Snowflake) int {
	da, db := isDecimal(string(a)), isDecimal(string(b))
	switch {
	case da && !db:
		return -1
	case !da && db:
		return 1
	case !da:
		return strings.Compare(string(a), string(b))
	}

	x := strings.TrimLeft(string(a), "0")
	y := strings.TrimLeft(string(b), "0")
	if n := cmp.Compare(len(x), len(y)); n != 0 {
		return n
	}
	if n := strings.Compare(x, y); n != 0 {
		return n
	}
	return strings.Compare(string(a), string(b))
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
