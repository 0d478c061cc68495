package localconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inngest/mcpgate/cmd/internal/envflags"
	"github.com/inngest/mcpgate/pkg/config"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"
)

const (
	EnvPrefix = "MCPGATE_"
	// EnvConfig names the config file, like the --config flag.
	EnvConfig = EnvPrefix + "CONFIG"
)

var configNames = []string{"mcpgate.json", "mcpgate.yaml", "mcpgate.yml"}

// listKeys hold comma separated lists when set through the environment.
var listKeys = map[string]bool{
	"http.allowed-origins": true,
	"stdio.topics":         true,
	"auth.clients":         true,
}

// Load builds the configuration from config.Default, then a config file, then
// MCPGATE_ environment variables.  Flags are applied by the caller.
func Load(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	l := logger.From(ctx)
	k := koanf.New(".")

	if path := envflags.GetEnvOrFlag(cmd, "config", EnvConfig); path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		l.Info("using config", "file", path)
	} else if path := search(l); path != "" {
		if err := loadFile(k, path); err != nil {
			l.Warn("error reading config file", "file", path, "error", err)
		} else {
			l.Info("using config", "file", path)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	c := config.Default()
	if err := k.Unmarshal("", c); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return c, nil
}

// envKey maps MCPGATE_HTTP__MAX_BODY_BYTES to http.max-body-bytes.  A double
// underscore separates sections.
func envKey(key, value string) (string, any) {
	if key == EnvConfig {
		return "", nil
	}
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "_", "-")
	}
	k := strings.Join(parts, ".")
	if listKeys[k] {
		return k, strings.Split(value, ",")
	}
	return k, value
}

// search walks up from the working directory, then tries ~/.config/mcpgate.
func search(l logger.Logger) string {
	var dirs []string
	if cwd, err := os.Getwd(); err != nil {
		l.Warn("error getting current directory", "error", err)
	} else {
		for dir := cwd; ; {
			dirs = append(dirs, dir)
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "mcpgate"))
	}

	for _, dir := range dirs {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch filepath.Ext(path) {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml", "":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("config file must be JSON or YAML: %s", path)
	}
	return k.Load(file.Provider(path), parser)
}
