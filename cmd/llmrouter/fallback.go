package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yshimada/llmrouter/internal/config"
)

type fallbackCmd struct {
	Show  fallbackShowCmd  `cmd:"" default:"1" help:"Print the effective fallback chain."`
	Set   fallbackSetCmd   `cmd:"" help:"Persist a priority override for the fallback chain."`
	Clear fallbackClearCmd `cmd:"" help:"Remove the priority override."`
}

func overridePath(cfg *config.Config) string {
	return config.FallbackOverridePath(filepath.Dir(cfg.Database.Path))
}

type fallbackShowCmd struct{}

func (c *fallbackShowCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	chain := cfg.EffectiveChain(filepath.Dir(cfg.Database.Path))
	overridden := config.LoadFallbackOverride(overridePath(cfg)) != nil

	for i, ref := range chain {
		fmt.Printf("%d. %s\n", i+1, ref)
	}
	if overridden {
		fmt.Println("(operator override active)")
	}
	return nil
}

type fallbackSetCmd struct {
	Refs []string `arg:"" help:"Model references in priority order (provider:id, local, cloud)."`
}

func (c *fallbackSetCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.SaveFallbackOverride(overridePath(cfg), c.Refs); err != nil {
		return configError{err}
	}
	fmt.Printf("fallback priority set: %s\n", strings.Join(c.Refs, " > "))
	return nil
}

type fallbackClearCmd struct{}

func (c *fallbackClearCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := overridePath(cfg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Println("fallback override cleared")
	return nil
}
