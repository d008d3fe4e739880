package registry

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/hupe1980/starmesh/core"
)

// Reference prefixes recognised in directive content.
const (
	PrefixProbe     = "probe"
	PrefixDirective = "directive"
	PrefixVariable  = "variable"
)

// refPattern matches @prefix: followed by an optional identifier. The
// identifier group is optional so a dangling "@probe:" can be reported.
var refPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@])@([A-Za-z_]+):([A-Za-z0-9_][A-Za-z0-9_-]*)?`)

// References holds the ids extracted from directive content, each sorted
// and deduplicated.
type References struct {
	ProbeIDs     []string
	DirectiveIDs []string
	Variables    []string
}

// ExtractReferences scans content for @probe:, @directive: and @variable:
// tokens. A token with an unknown prefix or without an identifier is a
// validation error; every such token is reported.
func ExtractReferences(content string) (References, error) {
	probes := map[string]struct{}{}
	directives := map[string]struct{}{}
	variables := map[string]struct{}{}

	var errs core.ValidationErrors

	for _, m := range refPattern.FindAllStringSubmatch(content, -1) {
		prefix, ident := m[1], m[2]

		var set map[string]struct{}

		switch prefix {
		case PrefixProbe:
			set = probes
		case PrefixDirective:
			set = directives
		case PrefixVariable:
			set = variables
		default:
			errs = append(errs, &core.ValidationError{
				Field:   "content",
				Message: fmt.Sprintf("unknown reference type %q in @%s:%s", prefix, prefix, ident),
			})

			continue
		}

		if ident == "" {
			errs = append(errs, &core.ValidationError{
				Field:   "content",
				Message: fmt.Sprintf("malformed reference @%s: requires an identifier", prefix),
			})

			continue
		}

		set[ident] = struct{}{}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return References{}, err
	}

	return References{
		ProbeIDs:     sortedKeys(probes),
		DirectiveIDs: sortedKeys(directives),
		Variables:    sortedKeys(variables),
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
