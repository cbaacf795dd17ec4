package command

import (
	"regexp"
)

var templateVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute applies two passes of "$name" substitution to s: first from
// global, then from local. Each pass repeats until it leaves the string
// unchanged, so a value that itself contains "$other" is expanded
// transitively. Used for templated string parameters (mail/SMS/Slack
// bodies, the system execute command's "arguments").
func Substitute(s string, global, local map[string]string) string {
	s = substitutePass(s, global)
	s = substitutePass(s, local)
	return s
}

func substitutePass(s string, vars map[string]string) string {
	for {
		replaced := templateVarPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := match[1:]
			if v, ok := vars[name]; ok {
				return v
			}
			return match
		})
		if replaced == s {
			return s
		}
		s = replaced
	}
}
