// Package main provides the entry point for the LiveCheck server.
// It authenticates against Google, keeps one Live session open for claim
// detection and exposes a local control API for the UI.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/livecheck/livecheck/internal/buildinfo"
	"github.com/livecheck/livecheck/internal/cmd"
	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/logging"
	"github.com/livecheck/livecheck/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("LiveCheck Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var login bool
	var logout bool
	var noBrowser bool
	var verifyText string
	var configPath string

	flag.BoolVar(&login, "login", false, "Login Google Account")
	flag.BoolVar(&logout, "logout", false, "Remove stored Google credentials")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.StringVar(&verifyText, "verify", "", "Verify one claim and print the result")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configFilePath := strings.TrimSpace(configPath)
	optional := false
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
		optional = true
	}
	cfg, err := config.LoadConfigOptional(configFilePath, optional)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}
	if _, errStat := os.Stat(configFilePath); errStat != nil {
		configFilePath = ""
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	log.Infof("LiveCheck Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	util.SetLogLevel(cfg)

	if resolvedAuthDir, errResolveAuthDir := util.ResolveAuthDir(cfg.AuthDir); errResolveAuthDir != nil {
		log.Errorf("failed to resolve auth directory: %v", errResolveAuthDir)
		return
	} else {
		cfg.AuthDir = resolvedAuthDir
	}

	switch {
	case logout:
		cmd.DoLogout(cfg)
	case login:
		cmd.DoLogin(cfg, &cmd.LoginOptions{NoBrowser: noBrowser})
	case strings.TrimSpace(verifyText) != "":
		cmd.DoVerify(cfg, strings.TrimSpace(verifyText))
	default:
		cmd.StartService(cfg, configFilePath)
	}
}
