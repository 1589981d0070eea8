package util

import "testing"

func TestParseInt64Default(t *testing.T) {
    if got := ParseInt64Default("1728554400123", -1); got != 1728554400123 {
        t.Fatalf("unexpected value %d", got)
    }
    if got := ParseInt64Default("", 7); got != 7 {
        t.Fatalf("expected default for empty, got %d", got)
    }
    if got := ParseInt64Default("12.5", 7); got != 7 {
        t.Fatalf("expected default for malformed, got %d", got)
    }
    if got := ParseInt64Default("-42", 0); got != -42 {
        t.Fatalf("unexpected value %d", got)
    }
}
