package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPromptOverrides reads every .md file in the prompts directory into a
// map keyed by filename stem ("analysis.md" → "analysis"). A missing
// directory is not an error; operators create it only when they want to
// override built-in prompts.
func LoadPromptOverrides(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		out[name] = strings.TrimSpace(string(b))
	}
	return out, nil
}
