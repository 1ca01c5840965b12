// Package tmpl resolves `{name}` placeholders in topic and source id templates.
package tmpl

import (
	"io"

	"github.com/valyala/fasttemplate"
)

// Resolve substitutes every {name} found in vars. Unknown placeholders are
// kept verbatim, and a template with an unterminated placeholder is
// returned unchanged.
func Resolve(template string, vars map[string]string) string {
	out, err := fasttemplate.ExecuteFuncStringWithErr(template, "{", "}", func(w io.Writer, tag string) (int, error) {
		if v, ok := vars[tag]; ok {
			return io.WriteString(w, v)
		}
		return io.WriteString(w, "{"+tag+"}")
	})
	if err != nil {
		return template
	}
	return out
}
