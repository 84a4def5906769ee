package cache

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cfg := DefaultNormalizeConfig

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t\n  ", ""},
		{"lowercase ascii", "Hello World", "hello world"},
		{"turkish dotless i", "Işık", "isik"},
		{"turkish dotted capital", "İstanbul", "istanbul"},
		{"diacritic fold", "çğıöşü", "cgiosu"},
		{"punctuation stripped", "Merhaba, dünya!", "merhaba dunya"},
		{"underscore kept", "voice_id test", "voice_id test"},
		{"whitespace collapsed", "a   b\t\tc\n\nd", "a b c d"},
		{"digits replaced", "saat 15 oldu", "saat # oldu"},
		{"digit run single placeholder", "oda 1234", "oda #"},
		{"minimax pause stripped", "merhaba <#0.5#> dünya", "merhaba dunya"},
		{"minimax interjection stripped", "tamam (laughing) oldu", "tamam oldu"},
		{"mixed everything", "Selam! <#1.5#> Saat 9'da (sighing) GÖRÜŞÜRÜZ.", "selam saat #da gorusuruz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tc.in, cfg); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	cfg := DefaultNormalizeConfig
	inputs := []string{
		"Hello World",
		"Saat 15:30'da görüşürüz!",
		"merhaba <#0.5#> dünya (laughing)",
		"a   b   c 123",
		"IŞİK 42",
	}
	for _, in := range inputs {
		once := Normalize(in, cfg)
		twice := Normalize(once, cfg)
		if once != twice {
			t.Errorf("not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestNormalize_StagesToggle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  NormalizeConfig
		in   string
		want string
	}{
		{
			"lowercase only",
			NormalizeConfig{Lowercase: true},
			"Merhaba Dünya",
			"merhaba dunya",
		},
		{
			"no lowercase keeps case",
			NormalizeConfig{CollapseWhitespace: true},
			"Merhaba  Dünya",
			"Merhaba Dünya",
		},
		{
			"numbers kept when disabled",
			NormalizeConfig{Lowercase: true, CollapseWhitespace: true},
			"saat 15",
			"saat 15",
		},
		{
			"minimax kept when disabled",
			NormalizeConfig{CollapseWhitespace: true},
			"a <#0.5#> b",
			"a <#0.5#> b",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tc.in, tc.cfg); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
