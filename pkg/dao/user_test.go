package dao

import "testing"

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"alice", true},
		{"alice_92", true},
		{"", false},
		{"has a space", false},
		{"way-too-long-a-username-for-the-thirty-two-byte-field", false},
		{"has-dash", false},
	}
	for _, c := range cases {
		err := validateUsername(c.name)
		if (err == nil) != c.ok {
			t.Errorf("validateUsername(%q) err=%v, want ok=%v", c.name, err, c.ok)
		}
	}
}
