package canonicalize

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCSString(map[string]interface{}{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCSString(map[string]interface{}{"u": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"u":"a<b>&c"}` {
		t.Fatalf("html was escaped: %s", out)
	}
}

func TestJCSStructTagsRespected(t *testing.T) {
	type payload struct {
		Z string `json:"z"`
		A int    `json:"a"`
	}
	out, err := JCSString(payload{Z: "x", A: 7})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"a":7,"z":"x"}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a, err := CanonicalHash(map[string]interface{}{"x": 1, "y": []string{"p", "q"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalHash(map[string]interface{}{"y": []string{"p", "q"}, "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashString(t *testing.T) {
	// SHA-256("") is the well-known empty digest.
	if HashString("") != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatal("empty-string hash mismatch")
	}
}
