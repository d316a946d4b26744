package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// expandEnv renders {{.VAR}} placeholders in raw config bytes from the
// process environment. Referencing an unset variable is an error so that a
// missing secret fails loudly at startup instead of producing an empty
// credential.
func expandEnv(data []byte) ([]byte, error) {
	tmpl, err := template.New("config").Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing env placeholders: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return nil, fmt.Errorf("expanding env placeholders: %w", err)
	}
	return buf.Bytes(), nil
}
