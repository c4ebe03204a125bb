package main

import "testing"

func TestParseSteps(t *testing.T) {
	if n, err := parseSteps(nil); err != nil || n != 1 {
		t.Fatalf("default steps = %d err=%v", n, err)
	}
	if n, err := parseSteps([]string{"3"}); err != nil || n != 3 {
		t.Fatalf("steps = %d err=%v", n, err)
	}
	for _, bad := range []string{"0", "-1", "x"} {
		if _, err := parseSteps([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRunRequiresCommandAndDSN(t *testing.T) {
	t.Setenv("BYBIT_JOURNAL_DSN", "")
	if err := run([]string{"up"}); err == nil {
		t.Fatal("expected missing dsn error")
	}
	if err := run([]string{"-database", "postgres://localhost/bybit"}); err == nil {
		t.Fatal("expected missing command error")
	}
	if err := run([]string{"-database", "postgres://localhost/bybit", "sideways"}); err == nil {
		t.Fatal("expected unknown command error")
	}
}
