package gcode

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	templateVarRe    = regexp.MustCompile(`\{(\w+(?:\.\w+)*)\}`)
	templateParamsRe = regexp.MustCompile(`\{params\.(\w+)\}`)
)

// Template is a G-code macro script with {variable} placeholders. Dotted
// paths like {myself.name} resolve through nested maps in the render
// context.
type Template struct {
	name   string
	script string
}

// NewTemplate creates a template from a raw macro script.
func NewTemplate(name, script string) *Template {
	return &Template{name: name, script: script}
}

// Name returns the template name.
func (t *Template) Name() string {
	return t.name
}

// Render expands the template with the given context. Unresolvable
// placeholders are left in place so the error surfaces at dispatch.
func (t *Template) Render(context map[string]any) (string, error) {
	result := templateParamsRe.ReplaceAllStringFunc(t.script, func(match string) string {
		paramName := match[len("{params.") : len(match)-1]
		if params, ok := context["params"].(map[string]string); ok {
			if val, ok := params[paramName]; ok {
				return val
			}
		}
		return ""
	})

	result = templateVarRe.ReplaceAllStringFunc(result, func(match string) string {
		path := match[1 : len(match)-1]
		if val, ok := resolvePath(context, path); ok {
			return fmt.Sprintf("%v", val)
		}
		return match
	})

	return result, nil
}

// resolvePath walks a dotted variable path through nested context maps.
func resolvePath(context map[string]any, path string) (any, bool) {
	var current any = context
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		default:
			return nil, false
		}
	}
	return current, true
}
