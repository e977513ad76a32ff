package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors AppArguments for the optional YAML config file.
type fileConfig struct {
	Directory string `yaml:"directory"`
	Workers   int    `yaml:"workers"`
	Retries   int    `yaml:"retries"`
	MinSize   int    `yaml:"min_size"`
	Query     string `yaml:"query"`
	Pages     int    `yaml:"pages"`
	Verbose   bool   `yaml:"verbose"`
	Progress  bool   `yaml:"progress"`
}

// Flag defaults as declared on AppArguments. A flag left at its default
// can be overridden by the config file; anything the user set on the
// command line wins.
const (
	defaultDirectory = "nasa_images"
	defaultWorkers   = 3
	defaultRetries   = 3
	defaultMinSize   = 100
)

func applyConfigFile(args *AppArguments, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Directory != "" && args.SaveDirectory == defaultDirectory {
		args.SaveDirectory = fc.Directory
	}
	if fc.Workers != 0 && args.WorkerCount == defaultWorkers {
		args.WorkerCount = fc.Workers
	}
	if fc.Retries != 0 && args.MaxRetries == defaultRetries {
		args.MaxRetries = fc.Retries
	}
	if fc.MinSize != 0 && args.MinSize == defaultMinSize {
		args.MinSize = fc.MinSize
	}
	if fc.Query != "" && args.Query == "" {
		args.Query = fc.Query
	}
	if fc.Pages != 0 && args.MaxPages == 0 {
		args.MaxPages = fc.Pages
	}
	if fc.Verbose {
		args.VerboseLogging = true
	}
	if fc.Progress {
		args.ProgressLogging = true
	}

	return nil
}
