package admin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fennel-labs/rioagent/internal/router"
)

// parseValue coerces a bare key=value token's right-hand side into a
// bool, float64, or string, matching the dynamic Parameters values the
// request router already expects from broker/HTTP callers.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// buildMessage turns tokenized admin input into a router Message. The
// verb is the first token; remaining bare tokens accumulate into the
// "target" parameter (a single string, or a list when more than one is
// given, matching enable/disable/start/stop's array-or-string target
// contract); "key=value" tokens become typed Parameters entries.
func buildMessage(source string, tokens []string) router.Message {
	msg := router.Message{Type: tokens[0], Source: source, Parameters: map[string]any{}}

	var targets []string
	for _, tok := range tokens[1:] {
		if k, v, ok := strings.Cut(tok, "="); ok {
			msg.Parameters[k] = parseValue(v)
			continue
		}
		targets = append(targets, tok)
	}
	switch len(targets) {
	case 0:
	case 1:
		msg.Parameters["target"] = targets[0]
	default:
		msg.Parameters["target"] = targets
	}
	return msg
}

// renderInteractive formats a Message as a terminal-friendly block for
// interactive clients, one "key: value" line per parameter, sorted for
// stable output.
func renderInteractive(msg router.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ok=%v\n", msg.Type, msg.IsValid)
	keys := make([]string, 0, len(msg.Parameters))
	for k := range msg.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, msg.Parameters[k])
	}
	return b.String()
}

// renderBatch formats a Message as a single JSON line for non-interactive
// clients.
func renderBatch(msg router.Message) string {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Sprintf(`{"Type":"ERROR","IsValid":false,"Parameters":{"error":%q}}`, err.Error())
	}
	return string(data)
}
