package envflags

import (
	"os"

	"github.com/urfave/cli/v3"
)

// GetEnvOrFlag returns the command line flag value, or falls back to the environment variable if the flag is empty
func GetEnvOrFlag(cmd *cli.Command, flagName, envName string) string {
	value := cmd.String(flagName)
	if value == "" {
		value = os.Getenv(envName)
	}
	return value
}

// GetEnvOrStringSlice returns the command line flag value, or falls back to a comma separated environment variable if the slice is empty
func GetEnvOrStringSlice(cmd *cli.Command, flagName, envName string) []string {
	values := cmd.StringSlice(flagName)
	if len(values) == 0 {
		if envValue := os.Getenv(envName); envValue != "" {
			return splitList(envValue)
		}
	}
	return values
}

func splitList(s string) []string {
	out := []string{}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
