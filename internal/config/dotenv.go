package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// dotenvFiles are loaded in order. godotenv never overwrites variables that
// are already set, so the real environment wins over both files and
// .env.local wins over .env.
var dotenvFiles = []string{".env.local", ".env"}

func loadDotEnv() {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", f, err)
		}
	}
}
