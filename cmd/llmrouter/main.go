// Command llmrouter routes LLM requests between local runtimes and
// cloud providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/executor"
	"github.com/yshimada/llmrouter/internal/httpapi"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/registry"
	"github.com/yshimada/llmrouter/internal/router"
	"github.com/yshimada/llmrouter/internal/store"
)

// Exit codes.
const (
	exitOK             = 0
	exitUsage          = 1
	exitConfig         = 2
	exitBackendFailure = 3
	exitStore          = 4
)

var cli struct {
	Config string `help:"Path to the config file." type:"path"`
	Debug  bool   `help:"Enable debug logging."`

	Serve        serveCmd        `cmd:"" help:"Run the HTTP API server."`
	Query        queryCmd        `cmd:"" help:"Route one query and print the answer."`
	Scan         scanCmd         `cmd:"" help:"Probe local runtimes and print what they serve."`
	Models       modelsCmd       `cmd:"" help:"List every model the registry knows about."`
	Stats        statsCmd        `cmd:"" help:"Show routing statistics from a running server."`
	Reload       reloadCmd       `cmd:"" help:"Tell a running server to reload its config."`
	Fallback     fallbackCmd     `cmd:"" help:"Show or override the fallback chain priority."`
	Conversation conversationCmd `cmd:"" help:"Inspect and manage stored conversations."`
}

// configError and storeError tag failures so main can map them onto
// exit codes.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

type storeError struct{ err error }

func (e storeError) Error() string { return e.err.Error() }
func (e storeError) Unwrap() error { return e.err }

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("llmrouter"),
		kong.Description("Route LLM requests between local runtimes and cloud providers."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05", ShowCaller: cli.Debug})

	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var (
		cfgErr    configError
		stErr     storeError
		allFailed *executor.AllBackendsFailedError
	)
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &stErr):
		return exitStore
	case errors.As(err, &allFailed), errors.Is(err, executor.ErrNoBackends{}):
		return exitBackendFailure
	case errors.Is(err, router.ErrEmptyInput):
		return exitUsage
	default:
		return exitUsage
	}
}

// loadConfig resolves and loads the configuration.
func loadConfig() (*config.Config, error) {
	path := cli.Config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError{err}
	}
	return cfg, nil
}

// buildRegistry opens the registry, seeding it from the persisted
// snapshot so cached models are routable before the first scan.
func buildRegistry(cfg *config.Config) *registry.Registry {
	dataDir := filepath.Dir(cfg.Database.Path)
	reg := registry.New(cfg, registry.SnapshotPath(dataDir))
	if err := reg.LoadSnapshot(); err != nil {
		L_warn("registry snapshot unavailable, starting cold", "error", err)
	}
	return reg
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, storeError{err}
	}
	return st, nil
}

type serveCmd struct{}

func (c *serveCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	reg.Refresh(context.Background())

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rt := router.New(cfg, reg, st)
	if err := rt.Start(); err != nil {
		return err
	}
	defer rt.Stop()

	srv := httpapi.NewServer(rt)
	if err := srv.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	L_info("shutting down")
	SetShuttingDown()
	return srv.Stop()
}

type queryCmd struct {
	Text  string `arg:"" help:"The query text."`
	Model string `help:"Force a specific model (provider:id, local, cloud)."`
	Topic string `help:"File the conversation under this topic."`
	JSON  bool   `help:"Print the full result as JSON."`
}

func (c *queryCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	reg.Refresh(context.Background())

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rt := router.New(cfg, reg, st)
	result, err := rt.Route(context.Background(), router.Request{
		Input:         c.Text,
		Topic:         c.Topic,
		ForceModelRef: c.Model,
	})
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(result)
	}

	fmt.Println(result.Text)
	fmt.Fprintf(os.Stderr, "\n[%s", result.ModelRef)
	if result.FellBack {
		fmt.Fprint(os.Stderr, ", fallback")
	}
	if result.CostWarning {
		fmt.Fprint(os.Stderr, ", cost warning: cloud model billed")
	}
	if result.Cost > 0 {
		fmt.Fprintf(os.Stderr, ", cost %.6f", result.Cost)
	}
	fmt.Fprintln(os.Stderr, "]")
	return nil
}

type scanCmd struct{}

func (c *scanCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	diff := reg.Refresh(context.Background())

	fmt.Printf("scan finished: %d added, %d removed, %d updated\n",
		len(diff.Added), len(diff.Removed), len(diff.Updated))
	return printModels(reg)
}

type modelsCmd struct{}

func (c *modelsCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := buildRegistry(cfg)
	if _, scanned := reg.LastScanAt(); !scanned {
		reg.Refresh(context.Background())
	}
	return printModels(reg)
}

func printModels(reg *registry.Registry) error {
	entries := reg.ListAll()
	if len(entries) == 0 {
		fmt.Println("no models detected")
		return nil
	}
	for _, e := range entries {
		kind := "cloud"
		if e.IsLocal() {
			kind = string(e.RuntimeRef.Kind)
		}
		fmt.Printf("%-45s %-10s %s\n", e.Ref(), kind, formatCaps(e))
	}
	return nil
}

func formatCaps(e registry.ModelEntry) string {
	out := ""
	for i, c := range e.Capabilities {
		if i > 0 {
			out += ","
		}
		out += c
	}
	if e.ContextTokens > 0 {
		out += fmt.Sprintf(" (%dk ctx)", e.ContextTokens/1024)
	}
	return out
}

type statsCmd struct{}

func (c *statsCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var stats router.StatsSnapshot
	if err := apiGet(cfg, "/router/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("requests:  %d\n", stats.TotalRequests)
	fmt.Printf("local:     %d\n", stats.LocalUsed)
	fmt.Printf("cloud:     %d\n", stats.CloudUsed)
	fmt.Printf("fallbacks: %d\n", stats.FallbackCount)
	fmt.Printf("vision:    %d\n", stats.VisionRequests)
	fmt.Printf("cost:      %.6f\n", stats.TotalCost)
	fmt.Printf("saved:     %.6f\n", stats.TotalSaved)
	return nil
}

type reloadCmd struct{}

func (c *reloadCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var resp map[string]string
	if err := apiPost(cfg, "/router/config/reload", nil, &resp); err != nil {
		return err
	}
	fmt.Println("config reloaded")
	return nil
}
