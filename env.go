package lnstack

import (
	"github.com/compose-spec/compose-go/v2/template"
)

// LookupFunc resolves an environment variable, like os.LookupEnv.
type LookupFunc func(string) (string, bool)

// MapLookup adapts a plain map, mostly for tests and .env style overrides.
func MapLookup(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// Interpolate expands $VAR, ${VAR}, ${VAR:-default}, ${VAR-default},
// ${VAR:?err}, ${VAR?err} and $$ the way docker compose does.
func Interpolate(s string, lookup LookupFunc) (string, error) {
	return template.SubstituteWithOptions(s, template.Mapping(lookup),
		template.WithoutLogging)
}

// EmptyVars expands s and returns the variables behind every reference
// that expanded to nothing: unset or empty, with no default to fall back
// on. A reference whose default kicks in is not reported. The error is the
// first one compose would raise, such as a missing ${VAR:?msg}.
func EmptyVars(s string, lookup LookupFunc) ([]string, error) {
	var empty, asked []string

	mapping := func(name string) (string, bool) {
		v, ok := lookup(name)
		if !ok || v == "" {
			asked = append(asked, name)
		}
		return v, ok
	}
	replace := func(ref string, m template.Mapping, cfg *template.Config) (string, error) {
		asked = asked[:0]
		v, err := template.DefaultReplacementFunc(ref, m, cfg)
		if err == nil && v == "" {
			empty = append(empty, asked...)
		}
		return v, err
	}

	_, err := template.SubstituteWithOptions(s, mapping,
		template.WithReplacementFunction(replace), template.WithoutLogging)
	return empty, err
}
