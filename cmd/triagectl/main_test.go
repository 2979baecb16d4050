package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSlotsListsDemoClinicDay(t *testing.T) {
	out, err := execute(t, "", "slots", "--date", "2026-03-02", "--procedure", "CHECKUP", "--limit", "3")
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if !strings.Contains(out, "DENTIST") || !strings.Contains(out, "3 slot(s)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "d-jones") {
		t.Fatalf("expected the 08:00 dentist first:\n%s", out)
	}
}

func TestSlotsRejectsUnknownClinic(t *testing.T) {
	if _, err := execute(t, "", "slots", "--clinic", "nowhere"); err == nil {
		t.Fatalf("expected error for unknown clinic")
	}
	if _, err := execute(t, "", "slots", "--date", "02/03/2026"); err == nil {
		t.Fatalf("expected error for malformed date")
	}
}

func TestSimulateRunsTurns(t *testing.T) {
	out, err := execute(t, "", "simulate", "hello, I need a checkup")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out, "you> hello, I need a checkup") {
		t.Fatalf("expected echoed message:\n%s", out)
	}
	if !strings.Contains(out, "pearl> ") || !strings.Contains(out, "[complete ") {
		t.Fatalf("expected assistant text and a terminal event:\n%s", out)
	}
}

func TestSimulateReadsStdin(t *testing.T) {
	out, err := execute(t, "hi\n\nmy tooth hurts\n", "simulate")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if strings.Count(out, "you> ") != 2 {
		t.Fatalf("expected two turns, blank lines skipped:\n%s", out)
	}
}

func TestSimulateRejectsUnknownKey(t *testing.T) {
	if _, err := execute(t, "", "simulate", "--clinic-key", "bogus", "hi"); err == nil {
		t.Fatalf("expected error for unknown clinic key")
	}
}
