// Package env loads .env files for the binaries.
package env

import (
	"os"

	"github.com/joho/godotenv"
)

// Load reads, in order of precedence, .env.<APP_ENV>.local, .env.local (skipped for the
// test environment), .env.<APP_ENV> and .env. Variables already set in the process are never
// overwritten and missing files are ignored. APP_ENV defaults to development.
func Load() string {
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "development"
	}

	files := []string{".env." + appEnv + ".local"}
	if appEnv != "test" {
		files = append(files, ".env.local")
	}
	files = append(files, ".env."+appEnv, ".env")

	for _, f := range files {
		_ = godotenv.Load(f)
	}
	return appEnv
}

// Override sets *dst from the environment variable key when it is non-empty.
func Override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
