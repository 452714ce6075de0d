package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// configFile locates the file viper reads settings from.
type configFile struct {
	dir  string
	name string
	typ  string
}

var configTypes = map[string]string{
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".toml": "toml",
}

// resolveConfigFile splits path into the pieces viper needs. An empty path means
// baton-offline.yaml in the working directory.
func resolveConfigFile(path string) (configFile, error) {
	if path == "" {
		return configFile{dir: ".", name: defaultCfgName, typ: "yaml"}, nil
	}

	dir, file := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	ext := strings.ToLower(filepath.Ext(file))
	typ, ok := configTypes[ext]
	if !ok {
		return configFile{}, fmt.Errorf("config: unsupported config file extension %q for %s", ext, path)
	}
	return configFile{
		dir:  strings.TrimSuffix(dir, string(filepath.Separator)),
		name: strings.TrimSuffix(file, filepath.Ext(file)),
		typ:  typ,
	}, nil
}
