package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// One pattern covers all three reference forms; group 1/2 capture the
// braced name and optional default, group 3 the bare $VAR name.
var envRefPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(?::-([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// ExpandEnvVars expands $VAR, ${VAR} and ${VAR:-default} references
// in s. Used for credential fields stored in organization config so
// deployments can keep secrets out of the database.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)

		name := groups[1]
		if name == "" {
			name = groups[3]
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		return groups[2]
	})
}

// LoadEnvFiles loads .env.local then .env when present.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
