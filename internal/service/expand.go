package service

import (
	"fmt"
	"regexp"

	"github.com/google/shlex"
)

var reVariable = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Expand replaces every $KEY in template by metadata[KEY]. Tokens without
// a matching key are kept verbatim.
//
// KEY follows the shell rule for variable names, the same metadata is
// exported to the environment of the run: a letter or underscore followed
// by letters, digits and underscores. The longest such name is taken, so
// $FOOBAR never expands $FOO, and a key like "file.name" or "file-name" is
// never expanded ($file.name is $file followed by ".name").
func Expand(template string, metadata map[string]string) string {
	if len(metadata) == 0 {
		return template
	}
	return reVariable.ReplaceAllStringFunc(template, func(token string) string {
		if v, ok := metadata[token[1:]]; ok {
			return v
		}
		return token
	})
}

// SplitArgs splits an argument string the way a shell does, honoring
// quotes and escapes.
func SplitArgs(args string) ([]string, error) {
	parts, err := shlex.Split(args)
	if err != nil {
		return nil, fmt.Errorf("splitting arguments %q: %w", args, err)
	}
	return parts, nil
}
