package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/vfmunhoz/wagate/internal/daemon"
)

func defaultDataDir() string {
	if dir := os.Getenv("WAGATE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "gateway data directory")
	configPath := flag.String("config", "", "config file (default <data-dir>/config.toml)")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: *dataDir, ConfigPath: *configPath}),
	)

	app.Run()
}
