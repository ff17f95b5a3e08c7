package checksum

import "testing"

func TestHousekeepingOnlyChangeHashesIdentically(t *testing.T) {
	a := map[string]any{"name": "Widget", "qty": 5.0, "created_at": "2024-01-01T00:00:00Z"}
	b := map[string]any{"name": "Widget", "qty": 5.0, "created_at": "2025-06-01T00:00:00Z"}
	if Sum(a) != Sum(b) {
		t.Fatalf("expected identical hashes for housekeeping-only change")
	}
}

func TestSemanticChangeHashesDifferently(t *testing.T) {
	a := map[string]any{"name": "Widget", "qty": 5.0}
	b := map[string]any{"name": "Widget", "qty": 6.0}
	if Sum(a) == Sum(b) {
		t.Fatalf("expected different hashes for semantic change")
	}
}

func TestCasingVariantsAllStripped(t *testing.T) {
	base := map[string]any{"name": "Widget"}
	withSnake := map[string]any{"name": "Widget", "updated_at": "x"}
	withCamel := map[string]any{"name": "Widget", "updatedAt": "x"}
	withPascal := map[string]any{"name": "Widget", "UpdatedAt": "x"}
	h := Sum(base)
	if Sum(withSnake) != h || Sum(withCamel) != h || Sum(withPascal) != h {
		t.Fatalf("expected all housekeeping casings stripped")
	}
}

func TestNullRendersAsLiteral(t *testing.T) {
	c := Canonicalize(map[string]any{"x": nil})
	if c != "x:null;" {
		t.Fatalf("got %q", c)
	}
}

func TestKeyOrderIsDeterministic(t *testing.T) {
	a := map[string]any{"b": "2", "a": "1", "c": "3"}
	if Canonicalize(a) != "a:1;b:2;c:3;" {
		t.Fatalf("got %q", Canonicalize(a))
	}
}
