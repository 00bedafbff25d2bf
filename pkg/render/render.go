// Package render turns JavaScript values into the wire-safe strings pushed
// over an executor's side channel.
//
// Structured values are rendered recursively, strings are single-quoted and
// escaped so the rendered text is itself a valid JavaScript expression,
// functions render as their source text and null/undefined render as their
// names. Values registered with Restrict are never rendered: their fixed
// label is returned instead, so evaluated code cannot introspect the
// interception machinery.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

const (
	// MaxDepth bounds recursion into nested structures.
	MaxDepth = 16
	// MaxItems bounds the number of array elements rendered.
	MaxItems = 1000
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

type restriction struct {
	value goja.Value
	label string
}

// Renderer renders values of one runtime. It is not safe for concurrent use;
// an executor owns exactly one.
type Renderer struct {
	restricted []restriction
}

// New returns a renderer without restrictions.
func New() *Renderer {
	return &Renderer{}
}

// Restrict registers a value that renders as label, compared by identity.
func (r *Renderer) Restrict(v goja.Value, label string) {
	if v == nil {
		return
	}
	r.restricted = append(r.restricted, restriction{value: v, label: label})
}

// Args renders call arguments joined by a single space, the way console
// methods print them.
func (r *Renderer) Args(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = r.Value(a)
	}
	return strings.Join(parts, " ")
}

// Value renders a single value.
func (r *Renderer) Value(v goja.Value) string {
	return r.value(v, 0, map[*goja.Object]bool{})
}

func (r *Renderer) value(v goja.Value, depth int, seen map[*goja.Object]bool) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		if s, isString := v.Export().(string); isString {
			return Quote(s)
		}
		return v.String()
	}

	if label, found := r.restrictedLabel(obj); found {
		return label
	}
	if seen[obj] {
		return "[Circular]"
	}
	if depth >= MaxDepth {
		return "[Object]"
	}

	switch obj.ClassName() {
	case "Function", "Error", "Date", "RegExp", "String", "Number", "Boolean":
		return obj.String()
	case "Array":
		seen[obj] = true
		defer delete(seen, obj)
		return r.array(obj, depth, seen)
	default:
		seen[obj] = true
		defer delete(seen, obj)
		return r.object(obj, depth, seen)
	}
}

func (r *Renderer) array(obj *goja.Object, depth int, seen map[*goja.Object]bool) string {
	length := obj.Get("length")
	if length == nil {
		return "[]"
	}
	n := length.ToInteger()
	shown := min(n, MaxItems)
	parts := make([]string, 0, shown+1)
	for i := range shown {
		parts = append(parts, r.value(obj.Get(strconv.FormatInt(i, 10)), depth+1, seen))
	}
	if n > shown {
		parts = append(parts, fmt.Sprintf("... %d more items", n-shown))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (r *Renderer) object(obj *goja.Object, depth int, seen map[*goja.Object]bool) string {
	keys := obj.Keys()
	if len(keys) == 0 {
		return "{}"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = Key(k) + ": " + r.value(obj.Get(k), depth+1, seen)
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func (r *Renderer) restrictedLabel(obj *goja.Object) (string, bool) {
	for _, rs := range r.restricted {
		if obj.StrictEquals(rs.value) {
			return rs.label, true
		}
	}
	return "", false
}

// Key renders an object key, quoting it unless it is a plain identifier.
func Key(k string) string {
	if identifierRe.MatchString(k) {
		return k
	}
	return Quote(k)
}

// Quote single-quotes s, escaping everything a JavaScript string literal
// cannot hold verbatim.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, c := range s {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\x%02x`, c)
				continue
			}
			b.WriteRune(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
