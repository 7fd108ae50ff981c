package extract

import (
	"encoding/json"
	"strings"
)

type xmlArg struct {
	key   string
	value string
}

// parseXMLArgs decodes the argument section of an XML-dialect tool call:
// <key>value</key> pairs in document order. Matching open and close tags is
// done with a hand scan because the close tag must repeat the exact key.
//
// GLM 4.7 sometimes encodes arguments as alternating <arg_key>/<arg_value>
// pairs instead of named tags; those are re-paired into a normal argument
// object.
func parseXMLArgs(section string) map[string]any {
	pairs := scanXMLPairs(section)
	if zipped, ok := zipArgKeyValues(pairs); ok {
		pairs = zipped
	}

	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		args[p.key] = decodeXMLValue(p.value)
	}
	return args
}

func scanXMLPairs(s string) []xmlArg {
	var pairs []xmlArg

	pos := 0
	for pos < len(s) {
		open := strings.IndexByte(s[pos:], '<')
		if open < 0 {
			break
		}
		keyStart := pos + open + 1

		keyEnd := strings.IndexByte(s[keyStart:], '>')
		if keyEnd < 0 {
			break
		}
		key := s[keyStart : keyStart+keyEnd]
		if key == "" || strings.ContainsAny(key, "/<") {
			pos = keyStart
			continue
		}

		valueStart := keyStart + keyEnd + 1
		closeTag := "</" + key + ">"
		closeIdx := strings.Index(s[valueStart:], closeTag)
		if closeIdx < 0 {
			pos = keyStart
			continue
		}

		pairs = append(pairs, xmlArg{key: key, value: strings.TrimSpace(s[valueStart : valueStart+closeIdx])})
		pos = valueStart + closeIdx + len(closeTag)
	}

	return pairs
}

// zipArgKeyValues converts strictly alternating arg_key/arg_value pairs into
// named arguments. Anything else is left alone.
func zipArgKeyValues(pairs []xmlArg) ([]xmlArg, bool) {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return nil, false
	}

	zipped := make([]xmlArg, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		if pairs[i].key != "arg_key" || pairs[i+1].key != "arg_value" {
			return nil, false
		}
		zipped = append(zipped, xmlArg{key: pairs[i].value, value: pairs[i+1].value})
	}
	return zipped, true
}

// decodeXMLValue normalizes one argument value: a python bytes wrapper
// (b'...' or b"...") is stripped, escaped quotes are unescaped, and the
// result is JSON-decoded when possible, otherwise kept as the raw string.
func decodeXMLValue(v string) any {
	if len(v) >= 3 && v[0] == 'b' {
		if (v[1] == '\'' && v[len(v)-1] == '\'') || (v[1] == '"' && v[len(v)-1] == '"') {
			v = v[2 : len(v)-1]
		}
	}
	v = strings.ReplaceAll(v, `\"`, `"`)

	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		return decoded
	}
	return v
}
