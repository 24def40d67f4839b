package plugin

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/saylorsolutions/nomroute/pkg/route"
)

// Args are the options of a source or destination, as decoded from configuration.
type Args map[string]any

// Require returns the named option, which must be a non-empty string.
func (a Args) Require(name string) (string, error) {
	s, err := a.StringOr(name, "")
	if err != nil {
		return "", err
	}
	if len(s) == 0 {
		return "", fmt.Errorf("%w: option '%s' is required", ErrArgs, name)
	}
	return s, nil
}

func (a Args) StringOr(name, def string) (string, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: option '%s' must be a string, got %T", ErrArgs, name, v)
	}
	return s, nil
}

// IntOr accepts any integer type, since TOML integers decode as int64.
func (a Args) IntOr(name string, def int) (int, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	switch i := v.(type) {
	case int:
		return i, nil
	case int64:
		return int(i), nil
	case int32:
		return int(i), nil
	case string:
		parsed, err := strconv.Atoi(i)
		if err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%w: option '%s' must be an integer, got %v", ErrArgs, name, v)
}

func (a Args) BoolOr(name string, def bool) (bool, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: option '%s' must be a boolean, got %T", ErrArgs, name, v)
	}
	return b, nil
}

// Strings accepts a single string or an array of strings.
func (a Args) Strings(name string) ([]string, error) {
	v, ok := a[name]
	if !ok {
		return nil, nil
	}
	switch vals := v.(type) {
	case string:
		return []string{vals}, nil
	case []string:
		return vals, nil
	case []any:
		out := make([]string, len(vals))
		for i, val := range vals {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: option '%s' must only contain strings, got %T", ErrArgs, name, val)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: option '%s' must be a string array, got %T", ErrArgs, name, v)
}

// FileMode parses an octal file mode like "644".
func (a Args) FileMode(name string, def os.FileMode) (os.FileMode, error) {
	s, err := a.StringOr(name, "")
	if err != nil || len(s) == 0 {
		return def, err
	}
	perms, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid file permission option '%s': %s", ErrArgs, name, s)
	}
	return os.FileMode(perms), nil
}

const (
	// RulePlaceholder is replaced with the rule name of a batch in sink output templates.
	RulePlaceholder = "{rule}"
	unmatchedName   = "unmatched"
)

var unsafeNameChars = regexp.MustCompile(`[^\w.-]`)

// Expand replaces RulePlaceholder in template with the name of rule, so that each rule can be written to its own file, table, or topic.
// Characters that aren't safe for names are replaced with an underscore.
func Expand(template string, rule route.RuleMeta) string {
	if !strings.Contains(template, RulePlaceholder) {
		return template
	}
	name := rule.Name
	if rule == route.Unmatched {
		name = unmatchedName
	}
	return strings.ReplaceAll(template, RulePlaceholder, unsafeNameChars.ReplaceAllString(name, "_"))
}
