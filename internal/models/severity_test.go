package models

import "testing"

func TestOSVSeverity(t *testing.T) {
	cases := []struct {
		cvss string
		want string
	}{
		{"9.8", SeverityCritical},
		{"9.0", SeverityCritical},
		{"7.5", SeverityHigh},
		{"7.0", SeverityHigh},
		{"5.0", SeverityMed},
		{"4.0", SeverityMed},
		{"1.0", SeverityLow},
		{"", SeverityMed},
		{"not-a-number", SeverityMed},
	}
	for _, c := range cases {
		if got := OSVSeverity(c.cvss); got != c.want {
			t.Errorf("OSVSeverity(%q) = %q, want %q", c.cvss, got, c.want)
		}
	}
}

func TestSemgrepSeverity(t *testing.T) {
	cases := []struct {
		level string
		want  string
	}{
		{"error", SeverityHigh},
		{"ERROR", SeverityHigh},
		{"warning", SeverityMed},
		{"note", SeverityInfo},
		{"info", SeverityInfo},
		{"unknown", SeverityMed},
	}
	for _, c := range cases {
		if got := SemgrepSeverity(c.level); got != c.want {
			t.Errorf("SemgrepSeverity(%q) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestCodeQLSeverity(t *testing.T) {
	cases := []struct {
		level string
		want  string
	}{
		{"error", SeverityHigh},
		{"warning", SeverityMed},
		{"recommendation", SeverityLow},
		{"note", SeverityInfo},
		{"unknown", SeverityMed},
	}
	for _, c := range cases {
		if got := CodeQLSeverity(c.level); got != c.want {
			t.Errorf("CodeQLSeverity(%q) = %q, want %q", c.level, got, c.want)
		}
	}
}
