package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaynotes/mergecore/internal/utils"
)

// watchConfig is the resolved configuration for one `watch` invocation:
// explicit flags override the MERGECORED_-prefixed environment, which
// overrides a loaded dotenv file, which overrides built-in defaults.
type watchConfig struct {
	DocsDir   string
	StateDir  string
	AppID     string
	RelayURL  string
	PollEvery int // milliseconds; 0 disables the periodic poll fallback
}

func loadWatchConfig(cmd *cobra.Command, docsDir string) (watchConfig, error) {
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".mergecored.env"))
	}
	_ = godotenv.Load(".env")

	viper.SetEnvPrefix("MERGECORED")
	viper.AutomaticEnv()

	resolvedDocs, err := utils.ResolvePath(docsDir)
	if err != nil {
		return watchConfig{}, fmt.Errorf("resolve docs dir: %w", err)
	}

	stateDir, _ := cmd.Flags().GetString("state-dir")
	if stateDir == "" {
		stateDir = viper.GetString("state_dir")
	}
	if stateDir == "" {
		stateDir = filepath.Join(resolvedDocs, ".mergecore")
	}
	stateDir, err = utils.ResolvePath(stateDir)
	if err != nil {
		return watchConfig{}, fmt.Errorf("resolve state dir: %w", err)
	}
	if err := utils.EnsureDir(stateDir); err != nil {
		return watchConfig{}, fmt.Errorf("create state dir: %w", err)
	}

	appID, _ := cmd.Flags().GetString("app-id")
	if appID == "" {
		appID = viper.GetString("app_id")
	}
	if appID == "" {
		appID = "mergecore"
	}

	relayURL, _ := cmd.Flags().GetString("relay-url")
	if relayURL == "" {
		relayURL = viper.GetString("relay_url")
	}

	pollMs, _ := cmd.Flags().GetInt("poll-interval-ms")

	return watchConfig{
		DocsDir:   resolvedDocs,
		StateDir:  stateDir,
		AppID:     appID,
		RelayURL:  relayURL,
		PollEvery: pollMs,
	}, nil
}
