package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/store"
)

type conversationCmd struct {
	List   convListCmd   `cmd:"" help:"List stored conversations."`
	Show   convShowCmd   `cmd:"" help:"Print one conversation."`
	Search convSearchCmd `cmd:"" help:"Search conversations."`
	Export convExportCmd `cmd:"" help:"Export conversations to JSON."`
	Import convImportCmd `cmd:"" help:"Import a JSON archive."`
	Stats  convStatsCmd  `cmd:"" help:"Show store statistics."`
}

func withStore(fn func(*store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := fn(st); err != nil {
		return storeError{err}
	}
	return nil
}

type convListCmd struct {
	Limit  int `help:"Maximum number of conversations." default:"20"`
	Offset int `help:"Skip this many conversations."`
}

func (c *convListCmd) Run() error {
	return withStore(func(st *store.Store) error {
		conversations, err := st.ListConversations(c.Limit, c.Offset)
		if err != nil {
			return err
		}
		for _, conv := range conversations {
			topic := conv.Topic
			if topic == "" {
				topic = "-"
			}
			fmt.Printf("%s  %-12s %-10s %s\n",
				conv.ID, topic, conv.UpdatedAt.Format("2006-01-02"), conv.Title)
		}
		return nil
	})
}

type convShowCmd struct {
	ID string `arg:"" help:"Conversation id."`
}

func (c *convShowCmd) Run() error {
	return withStore(func(st *store.Store) error {
		conv, err := st.GetConversation(c.ID)
		if err != nil {
			return err
		}
		messages, err := st.GetMessages(c.ID)
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s)\n", conv.Title, conv.ID)
		for _, m := range messages {
			tag := m.Role
			if m.ModelRef != "" {
				tag = m.Role + " " + m.ModelRef
			}
			fmt.Printf("\n[%s] %s\n%s\n", tag, m.Timestamp.Format(time.RFC3339), m.Content)
		}
		return nil
	})
}

type convSearchCmd struct {
	Query  string `arg:"" optional:"" help:"Text to search for."`
	Topic  string `help:"Filter by topic."`
	Status string `help:"Filter by status (active, paused, closed, archived)."`
	Limit  int    `help:"Maximum number of results." default:"20"`
}

func (c *convSearchCmd) Run() error {
	return withStore(func(st *store.Store) error {
		results, err := st.Search(store.SearchFilter{
			Query:  c.Query,
			Topic:  c.Topic,
			Status: c.Status,
			Limit:  c.Limit,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, conv := range results {
			fmt.Printf("%s  %s\n", conv.ID, conv.Title)
		}
		return nil
	})
}

type convExportCmd struct {
	Topic  string `help:"Only export conversations under this topic."`
	Output string `help:"Write to this file instead of stdout." type:"path"`
}

func (c *convExportCmd) Run() error {
	return withStore(func(st *store.Store) error {
		var out io.Writer = os.Stdout
		if c.Output != "" {
			f, err := os.Create(c.Output)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return st.ExportJSON(out, c.Topic)
	})
}

type convImportCmd struct {
	File string `arg:"" help:"Archive file, or - for stdin." type:"path"`
}

func (c *convImportCmd) Run() error {
	return withStore(func(st *store.Store) error {
		var in io.Reader = os.Stdin
		if c.File != "-" {
			f, err := os.Open(c.File)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		result, err := st.ImportJSON(in)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d conversations, %d messages (%d skipped)\n",
			result.Conversations, result.Messages, result.Skipped)
		return nil
	})
}

type convStatsCmd struct{}

func (c *convStatsCmd) Run() error {
	return withStore(func(st *store.Store) error {
		stats, err := st.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("conversations: %d\n", stats.Conversations)
		fmt.Printf("messages:      %d\n", stats.Messages)
		fmt.Printf("topics:        %d\n", stats.Topics)
		for ref, count := range stats.ByModel {
			fmt.Printf("  %-40s %d\n", ref, count)
		}
		return nil
	})
}

// apiGet calls a running server's API.
func apiGet(cfg *config.Config, path string, out any) error {
	return apiDo(cfg, http.MethodGet, path, nil, out)
}

func apiPost(cfg *config.Config, path string, body, out any) error {
	return apiDo(cfg, http.MethodPost, path, body, out)
}

func apiDo(cfg *config.Config, method, path string, body, out any) error {
	url := fmt.Sprintf("http://%s:%d%s", cfg.API.Host, cfg.API.Port, path)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
