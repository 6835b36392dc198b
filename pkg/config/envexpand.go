package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in raw config bytes with
// environment values before YAML decoding. Template syntax is used instead
// of $VAR so literal dollar signs survive, which routine rule regexes embed
// freely (e.g. matches: "^deploy/.*$"). Unset variables expand to the empty
// string; the validator decides whether that is acceptable. Content that
// does not parse as a template passes through untouched.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
