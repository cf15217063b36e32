package channels

import "testing"

func TestStripSlackMention(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"<@U07ABC> deploy please", "deploy please"},
		{"  <@U1>status", "status"},
		{"plain text", "plain text"},
		{"mid <@U1> mention", "mid <@U1> mention"},
		{"<@U1>", ""},
	}
	for _, tt := range tests {
		if got := stripSlackMention(tt.text); got != tt.want {
			t.Errorf("stripSlackMention(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
