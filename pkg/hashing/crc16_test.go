package hashing

import "testing"

func TestKeySlotKnownVectors(t *testing.T) {
	cases := []struct {
		key  string
		slot int
	}{
		{"foo", 12182},
		{"{user1000}.profile", KeySlot([]byte("{user1000}.sessions"))},
	}
	for _, c := range cases {
		if got := KeySlot([]byte(c.key)); got != c.slot {
			t.Errorf("KeySlot(%q) = %d, want %d", c.key, got, c.slot)
		}
	}
}

func TestHashTagSharedSlot(t *testing.T) {
	a := KeySlot([]byte("{user1000}.profile"))
	b := KeySlot([]byte("{user1000}.sessions"))
	if a != b {
		t.Fatalf("hash-tagged keys routed to different slots: %d != %d", a, b)
	}
}

func TestHashTagEdgeCases(t *testing.T) {
	cases := []struct {
		name string
		key  string
		want string
	}{
		{"no braces", "foo", "foo"},
		{"empty tag falls back to whole key", "foo{}bar", "foo{}bar"},
		{"unterminated brace falls back", "foo{bar", "foo{bar"},
		{"tag extracted", "foo{bar}baz", "bar"},
		{"first tag wins", "{a}{b}", "a"},
	}
	for _, c := range cases {
		if got := string(HashTag([]byte(c.key))); got != c.want {
			t.Errorf("%s: HashTag(%q) = %q, want %q", c.name, c.key, got, c.want)
		}
	}
}

func TestCRC16TableEntry183(t *testing.T) {
	if got := crc16Table[183]; got != 0xd73c {
		t.Fatalf("crc16Table[183] = %#x, want 0xd73c", got)
	}
}

func TestKeySlotBounds(t *testing.T) {
	for _, k := range []string{"", "a", "a very long key indeed with lots of bytes in it"} {
		s := KeySlot([]byte(k))
		if s < 0 || s >= NumSlots {
			t.Fatalf("KeySlot(%q) = %d out of range", k, s)
		}
	}
}
