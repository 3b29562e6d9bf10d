package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Ref is a reference to another object in the configuration, written as an
// absolute traversal: "google_service_account.app.email", "var.region",
// "data.google_project.current.number".
type Ref string

// Call is a Terraform function call expression.
type Call struct {
	Func string
	Args []any
}

// Format builds a format() call.
func Format(pattern string, args ...any) Call {
	return Call{Func: "format", Args: append([]any{pattern}, args...)}
}

// Address returns the resource (or data source) address a reference points
// into, e.g. "google_service_account.app" for "google_service_account.app.email".
// Variables and locals have no address.
func (r Ref) Address() string {
	parts := strings.Split(string(r), ".")
	switch {
	case parts[0] == "var" || parts[0] == "local":
		return ""
	case parts[0] == "data" && len(parts) >= 3:
		return strings.Join(parts[:3], ".")
	case len(parts) >= 2:
		return strings.Join(parts[:2], ".")
	}
	return ""
}

// tokensFor renders a Go value as an HCL expression.
func tokensFor(v any) (hclwrite.Tokens, error) {
	switch val := v.(type) {
	case hclwrite.Tokens:
		return val, nil
	case string:
		return hclwrite.TokensForValue(cty.StringVal(val)), nil
	case bool:
		return hclwrite.TokensForValue(cty.BoolVal(val)), nil
	case int:
		return hclwrite.TokensForValue(cty.NumberIntVal(int64(val))), nil
	case int64:
		return hclwrite.TokensForValue(cty.NumberIntVal(val)), nil
	case Ref:
		trav, diags := hclsyntax.ParseTraversalAbs([]byte(val), "", hcl.Pos{Line: 1, Column: 1})
		if diags.HasErrors() {
			return nil, fmt.Errorf("invalid reference %q: %s", string(val), diags.Error())
		}
		return hclwrite.TokensForTraversal(trav), nil
	case Call:
		args := make([]hclwrite.Tokens, 0, len(val.Args))
		for _, a := range val.Args {
			t, err := tokensFor(a)
			if err != nil {
				return nil, fmt.Errorf("%s(): %w", val.Func, err)
			}
			args = append(args, t)
		}
		return hclwrite.TokensForFunctionCall(val.Func, args...), nil
	case []string:
		elems := make([]hclwrite.Tokens, 0, len(val))
		for _, s := range val {
			elems = append(elems, hclwrite.TokensForValue(cty.StringVal(s)))
		}
		return hclwrite.TokensForTuple(elems), nil
	case []any:
		elems := make([]hclwrite.Tokens, 0, len(val))
		for _, e := range val {
			t, err := tokensFor(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, t)
		}
		return hclwrite.TokensForTuple(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]hclwrite.ObjectAttrTokens, 0, len(keys))
		for _, k := range keys {
			t, err := tokensFor(val[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			name := hclwrite.TokensForIdentifier(k)
			if !hclsyntax.ValidIdentifier(k) {
				name = hclwrite.TokensForValue(cty.StringVal(k))
			}
			attrs = append(attrs, hclwrite.ObjectAttrTokens{Name: name, Value: t})
		}
		return hclwrite.TokensForObject(attrs), nil
	default:
		return nil, fmt.Errorf("unsupported expression type %T", v)
	}
}

// refsIn collects every Ref reachable from v.
func refsIn(v any) []Ref {
	var out []Ref
	var walk func(any)
	walk = func(x any) {
		switch val := x.(type) {
		case Ref:
			out = append(out, val)
		case Call:
			for _, a := range val.Args {
				walk(a)
			}
		case []any:
			for _, e := range val {
				walk(e)
			}
		case map[string]any:
			for _, e := range val {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// blockWriter sets attributes on an HCL body and remembers the first error,
// so resource compilers can write a whole block and check once.
type blockWriter struct {
	body *hclwrite.Body
	err  *error
}

func newBlockWriter(body *hclwrite.Body) *blockWriter {
	var err error
	return &blockWriter{body: body, err: &err}
}

func (w *blockWriter) set(name string, v any) {
	if *w.err != nil {
		return
	}
	toks, err := tokensFor(v)
	if err != nil {
		*w.err = fmt.Errorf("attribute %s: %w", name, err)
		return
	}
	w.body.SetAttributeRaw(name, toks)
}

// setIf sets the attribute only when v is not the zero value of its type.
func (w *blockWriter) setIf(name string, v any) {
	switch val := v.(type) {
	case nil:
		return
	case string:
		if val == "" {
			return
		}
	case int:
		if val == 0 {
			return
		}
	case Ref:
		if val == "" {
			return
		}
	}
	w.set(name, v)
}

func (w *blockWriter) block(typeName string, labels ...string) *blockWriter {
	b := w.body.AppendNewBlock(typeName, labels)
	return &blockWriter{body: b.Body(), err: w.err}
}

func (w *blockWriter) Err() error { return *w.err }
