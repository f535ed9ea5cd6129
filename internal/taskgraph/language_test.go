package taskgraph

import "testing"

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"en", "en", false},
		{"EN", "en", false},
		{"en-US", "en", false},
		{"de-DE", "de", false},
		{" fr ", "fr", false},
		{"zh-Hant", "zh", false},
		{"", "", true},
		{"not a tag!", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeLanguage(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeLanguage(%q): expected error, got %q", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeLanguage(%q): unexpected error %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeLanguagesDeduplicates(t *testing.T) {
	got, err := NormalizeLanguages([]string{"en-US", "en", "de", "EN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "en" || got[1] != "de" {
		t.Errorf("expected [en de], got %v", got)
	}
}

func TestNormalizeLanguagesReportsInvalid(t *testing.T) {
	got, err := NormalizeLanguages([]string{"en", "!!", "de"})
	if err == nil {
		t.Error("expected error for invalid tag")
	}
	if len(got) != 2 {
		t.Errorf("expected valid tags to survive, got %v", got)
	}
}
