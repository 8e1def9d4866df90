package alert

import "testing"

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact", "/api/widgets", "/api/widgets", true},
		{"single-star matches one segment", "/api/*", "/api/widgets", true},
		{"single-star does not cross segments", "/api/*", "/api/widgets/42", false},
		{"double-star matches zero segments", "/api/**", "/api", true},
		{"double-star matches many segments", "/api/**", "/api/widgets/42/edit", true},
		{"double-star in the middle", "/api/**/edit", "/api/widgets/42/edit", true},
		{"mismatched literal segment", "/api/widgets", "/api/gadgets", false},
		{"root glob matches everything", "**", "/anything/at/all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GlobMatch(tt.pattern, tt.path)
			if got != tt.want {
				t.Errorf("GlobMatch(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}
