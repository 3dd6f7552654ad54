package main

import (
	"os"
	"path/filepath"

	"github.com/openmined/cbox/internal/utils"
	"github.com/spf13/cobra"
)

// registryPaths lists where a job registry is looked for, most preferred
// first. The first entry is also where a new registry is created.
func registryPaths() []string {
	return []string{
		filepath.Join(home, ".cbox.conf"),
		filepath.Join(home, ".config", "cbox", "cbox.conf"),
	}
}

// resolveConfigPath picks the job registry: an explicit --config, then
// CBOX_CONFIG, then the first registry that exists on disk.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if path := os.Getenv("CBOX_CONFIG"); path != "" {
		return path
	}

	paths := registryPaths()
	for _, path := range paths {
		if utils.FileExists(path) {
			return path
		}
	}
	return paths[0]
}
