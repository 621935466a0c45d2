package catalogsync

import "testing"

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"sales":        "Sales (sales)",
		"google_ads":   "Google Ads (google_ads)",
		"GOOGLE_ADS":   "Google Ads (GOOGLE_ADS)",
		"q2_2024sales": "Q2 2024Sales (q2_2024sales)",
		"tpch":         "Tpch (tpch)",
		"a__b":         "A  B (a__b)",
		"mysql-prod":   "Mysql-Prod (mysql-prod)",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			if got := DisplayName(in); got != want {
				t.Fatalf("DisplayName(%q) = %q, want %q", in, got, want)
			}
		})
	}
}

func TestDisplayName_Deterministic(t *testing.T) {
	if DisplayName("google_ads") != DisplayName("google_ads") {
		t.Fatal("DisplayName is not deterministic")
	}
}
