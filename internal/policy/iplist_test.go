package policy

import "testing"

func TestIPList_Contains(t *testing.T) {
	l, err := ParseIPList([]string{"192.0.2.1", " 10.0.0.0/8 ", "", "2001:db8::/32", "::ffff:203.0.113.5"})
	if err != nil {
		t.Fatalf("ParseIPList() error = %v", err)
	}
	if l.Len() != 4 {
		t.Errorf("Len() = %d, want 4", l.Len())
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.1", true},
		{"192.0.2.2", false},
		{"10.200.3.4", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"203.0.113.5", true},
		{"::ffff:10.1.1.1", true},
		{"unknown", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := l.Contains(tt.ip); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestParseIPList_Invalid(t *testing.T) {
	for _, entry := range []string{"300.1.1.1", "10.0.0.0/33", "example.com"} {
		if _, err := ParseIPList([]string{entry}); err == nil {
			t.Errorf("ParseIPList(%q) expected error", entry)
		}
	}
}

func TestIPList_NilIsEmpty(t *testing.T) {
	var l *IPList
	if l.Contains("1.1.1.1") {
		t.Error("nil list should contain nothing")
	}
}
