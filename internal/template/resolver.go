package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/docflow/internal/secrets"
	"github.com/rendis/docflow/pkg/schema"
)

// Resolver substitutes {{namespace.path}} references against a run's
// execution context. Two-pass: first resolves secrets.* via the vault,
// then the context namespaces (trigger, parsed_data, transformed).
//
// Resolution is lenient for context paths: an unresolved reference
// substitutes an empty string so a partially populated context never
// aborts a step. Secret failures are not lenient; issuing a call with
// blank credentials is worse than failing the step.
type Resolver struct {
	vault secrets.Vault
}

// NewResolver creates a Resolver with an optional Vault for secret
// resolution. With a nil vault any secrets.* reference is an error.
func NewResolver(vault secrets.Vault) *Resolver {
	return &Resolver{vault: vault}
}

// Resolve substitutes all {{...}} references in the input string. The
// secret pass runs first so only references literally present in the
// template can reach the vault.
func (r *Resolver) Resolve(ctx context.Context, input string, ec schema.ExecutionContext) (string, error) {
	resolved, err := r.resolvePass(ctx, input, ec, true)
	if err != nil {
		return "", err
	}
	return r.resolvePass(ctx, resolved, ec, false)
}

// ResolveMap resolves every value of a string map, leaving keys untouched.
func (r *Resolver) ResolveMap(ctx context.Context, in map[string]string, ec schema.ExecutionContext) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		resolved, err := r.Resolve(ctx, v, ec)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// resolvePass scans for {{...}} tokens and resolves them. The secret
// pass touches only secrets.* references and runs before the plain
// pass, so a secret reference arriving inside a context value is never
// resolved: it stays literal in the output.
func (r *Resolver) resolvePass(ctx context.Context, input string, ec schema.ExecutionContext, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeTemplate, "unclosed {{ reference")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeTemplate, "empty template reference: {{ }}")
		}
		if strings.Contains(ref, "{{") {
			return "", schema.NewError(schema.ErrCodeTemplate,
				"nested template reference not allowed")
		}

		isSecret := strings.HasPrefix(ref, schema.NSSecrets+".")
		if secretPass != isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		if isSecret {
			val, err := r.resolveSecret(ctx, ref)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
		} else {
			val, ok := ec.Lookup(ref)
			if ok {
				result.WriteString(marshalInline(val))
			}
			// Unresolved context paths substitute nothing.
		}
		i = end + 2
	}

	return result.String(), nil
}

// resolveSecret resolves secrets.<KEY> via the vault.
func (r *Resolver) resolveSecret(ctx context.Context, ref string) (string, error) {
	key := strings.TrimPrefix(ref, schema.NSSecrets+".")
	if key == "" {
		return "", schema.NewErrorf(schema.ErrCodeTemplate,
			"invalid secret reference {{%s}}: expected secrets.<KEY>", ref)
	}
	if r.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplate,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := r.vault.Resolve(ctx, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplate,
			"failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), nil
}

// marshalInline converts a resolved value into its inline string form.
// Strings are embedded without extra quotes; complex values are
// JSON-encoded so object and array references stay valid JSON.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasReferences reports whether a string contains any {{...}} references.
func HasReferences(s string) bool {
	return strings.Contains(s, "{{")
}
