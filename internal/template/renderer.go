// Package template renders variant message bodies with per-recipient
// personalization using the Liquid template language.
package template

import (
	"log"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer compiles and renders Liquid templates with a parse cache.
// Rendering never fails the send path: on parse or render error the raw
// template text is returned unchanged.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
}

// NewRenderer creates a renderer with the default filter set.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render evaluates tmpl against vars. Missing variables render empty, in
// line with best-effort broadcast delivery.
func (r *Renderer) Render(tmpl string, vars map[string]interface{}) string {
	if tmpl == "" {
		return tmpl
	}

	var compiled *liquid.Template
	if cached, ok := r.cache.Load(tmpl); ok {
		compiled = cached.(*liquid.Template)
	} else {
		t, err := r.engine.ParseString(tmpl)
		if err != nil {
			log.Printf("[template.Renderer] parse error, sending raw body: %v", err)
			return tmpl
		}
		r.cache.Store(tmpl, t)
		compiled = t
	}

	out, err := compiled.RenderString(vars)
	if err != nil {
		log.Printf("[template.Renderer] render error, sending raw body: %v", err)
		return tmpl
	}
	return out
}
