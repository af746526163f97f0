package normalize

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SymbolMap rewrites foreign symbols to internal tickers.
//
//	aliases:
//	  FXGD.L: FXGD
//	  "SBERP.ME": SBERP
//	suffixes: [".ME", ".MM"]
type SymbolMap struct {
	Aliases  map[string]string `yaml:"aliases"`
	Suffixes []string          `yaml:"suffixes"`
}

// LoadSymbolMap reads a YAML symbol map from disk.
func LoadSymbolMap(path string) (*SymbolMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol map: %w", err)
	}
	return ParseSymbolMap(data)
}

// ParseSymbolMap decodes a YAML symbol map. Keys are matched case-insensitively.
func ParseSymbolMap(data []byte) (*SymbolMap, error) {
	var m SymbolMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode symbol map: %w", err)
	}
	aliases := make(map[string]string, len(m.Aliases))
	for k, v := range m.Aliases {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		if k == "" || v == "" {
			return nil, fmt.Errorf("symbol map: empty alias %q -> %q", k, v)
		}
		aliases[k] = v
	}
	m.Aliases = aliases
	return &m, nil
}

func (m *SymbolMap) lookup(symbol string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.Aliases[symbol]
	return v, ok
}

func (m *SymbolMap) suffixes() []string {
	if m == nil {
		return nil
	}
	return m.Suffixes
}
