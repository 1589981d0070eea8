package util

import "strconv"

// ParseInt64Default parses s as a base-10 int64, returning def when s is
// empty or malformed. Used for epoch-millisecond fields that arrive as
// strings on the market feed.
func ParseInt64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
