package configstore

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// newViper builds a *viper.Viper scoped to one config file: an
// explicit-extension search across standard locations (never matching
// the bare binary name). It also binds XZPROXY_-prefixed environment
// variables (web_ui_port), but the store only uses this instance to
// locate the file: every value, web_ui_port included, is read from the
// file itself, so those environment variables are not applied.
func newViper(configFile string) *viper.Viper {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("xzproxy")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("XZPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("web_ui_port")

	return v
}

// findConfigFile searches standard locations for xzproxy.yaml/.yml with
// an explicit extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".xzproxy"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "xzproxy"))
		}
	} else {
		paths = append(paths, "/etc/xzproxy")
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "xzproxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
