package am

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/groupcast/errors"
)

// Render formats cfg as toml or yaml.
func Render(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "", "toml":
		return toml.Marshal(cfg)
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	}
	return nil, errors.Newf("unknown format %q (want toml or yaml)", format)
}

// flatten renders cfg as dotted keys ("gateway.base_url") to printed values.
func flatten(cfg *Config) (map[string]string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	flattenInto(out, "", tree)
	return out, nil
}

func flattenInto(out map[string]string, prefix string, tree map[string]interface{}) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}
