package template

import "testing"

func TestRenderSubstitutesVariables(t *testing.T) {
	r := NewRenderer()
	out := r.Render("Hi {{ name }}, variant {{ variant }}", map[string]interface{}{
		"name":    "Sam",
		"variant": "A",
	})
	if out != "Hi Sam, variant A" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderMissingVariableIsEmpty(t *testing.T) {
	r := NewRenderer()
	out := r.Render("Hello {{ nickname }}!", map[string]interface{}{})
	if out != "Hello !" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderParseErrorReturnsRaw(t *testing.T) {
	r := NewRenderer()
	raw := "broken {% if %} template"
	if out := r.Render(raw, nil); out != raw {
		t.Fatalf("out = %q, want raw template back", out)
	}
}

func TestRenderEmptyTemplate(t *testing.T) {
	r := NewRenderer()
	if out := r.Render("", map[string]interface{}{"x": 1}); out != "" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderReusesCache(t *testing.T) {
	r := NewRenderer()
	tmpl := "n={{ n }}"
	if out := r.Render(tmpl, map[string]interface{}{"n": 1}); out != "n=1" {
		t.Fatalf("first = %q", out)
	}
	// Second render of the same source must still honor fresh bindings.
	if out := r.Render(tmpl, map[string]interface{}{"n": 2}); out != "n=2" {
		t.Fatalf("second = %q", out)
	}
}
