package main

import "testing"

func TestRunExitCodes(t *testing.T) {
	// Keep the audit store and Matrix notifier out of the picture.
	t.Setenv("WARDEN_AUDIT_DB", "")
	t.Setenv("WARDEN_POLICY_FILE", "")
	t.Setenv("WARDEN_MATRIX_HOMESERVER", "")
	t.Setenv("WARDEN_MATRIX_USER_ID", "")
	t.Setenv("WARDEN_MATRIX_ACCESS_TOKEN", "")
	t.Setenv("WARDEN_MATRIX_AUDIT_ROOM", "")

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"no arguments", nil, 2},
		{"unknown command", []string{"teleport"}, 2},
		{"version", []string{"version"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(tc.args); got != tc.want {
				t.Errorf("run(%v) = %d, want %d", tc.args, got, tc.want)
			}
		})
	}
}
