package netguard

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// Every numeric encoding of the same IPv4 address must classify the same
// way: an attacker must not be able to smuggle 127.0.0.1 past the filter
// as 2130706433 or 0x7f000001.
func TestEncodingConsistency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint8().Draw(t, "a")
		b := rapid.Uint8().Draw(t, "b")
		c := rapid.Uint8().Draw(t, "c")
		d := rapid.Uint8().Draw(t, "d")

		dotted := fmt.Sprintf("%d.%d.%d.%d", a, b, c, d)
		u32 := uint64(a)<<24 | uint64(b)<<16 | uint64(c)<<8 | uint64(d)
		decimal := fmt.Sprintf("%d", u32)
		hexform := fmt.Sprintf("0x%08x", u32)

		want := IsBlockedHost(dotted)
		if got := IsBlockedHost(decimal); got != want {
			t.Fatalf("decimal %s classified %v, dotted %s classified %v", decimal, got, dotted, want)
		}
		if got := IsBlockedHost(hexform); got != want {
			t.Fatalf("hex %s classified %v, dotted %s classified %v", hexform, got, dotted, want)
		}
	})
}

// Appending a port must never change the verdict.
func TestPortNeverChangesVerdict(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint8().Draw(t, "a")
		b := rapid.Uint8().Draw(t, "b")
		c := rapid.Uint8().Draw(t, "c")
		d := rapid.Uint8().Draw(t, "d")
		port := rapid.IntRange(1, 65535).Draw(t, "port")

		host := fmt.Sprintf("%d.%d.%d.%d", a, b, c, d)
		withPort := fmt.Sprintf("%s:%d", host, port)

		if IsBlockedHost(host) != IsBlockedHost(withPort) {
			t.Fatalf("verdict changed when adding port: %s vs %s", host, withPort)
		}
	})
}
