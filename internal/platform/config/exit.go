package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Exitf writes a formatted error message to stderr and exits with code 1.
// Only missing or malformed startup configuration should reach it.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// MissingRequired returns the names of required settings whose value is blank,
// sorted for stable error messages.
func MissingRequired(values map[string]string) []string {
	var missing []string
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
