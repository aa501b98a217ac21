package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"partner_voice/native/internal/call"
	"partner_voice/native/internal/config"
	"partner_voice/native/internal/domain"
	sigclient "partner_voice/native/internal/signal"
	"partner_voice/native/internal/storage"

	"github.com/alecthomas/kong"
	logging "github.com/ipfs/go-log/v2"
)

type Cli struct {
	Config   string `name:"config" short:"c" env:"VOICE_CONFIG" type:"path" help:"YAML configuration file."`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error). Overrides VOICE_LOG_LEVEL."`

	Run     CliRun     `cmd:"" default:"withargs" help:"Connect to the signaling server and handle calls."`
	Call    CliCall    `cmd:"" help:"Call a conversation, then keep handling calls."`
	History CliHistory `cmd:"" help:"Print the call history."`
	Login   CliLogin   `cmd:"" help:"Store the bearer token used to authenticate."`
	Logout  CliLogout  `cmd:"" help:"Remove the stored bearer token."`
}

func newCLI() (*Cli, *kong.Context) {
	c := &Cli{}
	ctx := kong.Parse(c,
		kong.Name("partnervoice"),
		kong.Description("Partner voice calls over WebRTC."),
	)
	return c, ctx
}

// loadConfig reads the configuration and applies the log level.
func (c *Cli) loadConfig() (*config.Config, error) {
	if c.Config != "" {
		os.Setenv("VOICE_CONFIG", c.Config)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	logging.SetAllLoggers(lvl)
	return cfg, nil
}

type CliRun struct{}

func (r *CliRun) Run(ctx context.Context, cli *Cli) error {
	return serve(ctx, cli, "", 0)
}

type CliCall struct {
	Conversation string        `arg:"" name:"conversation" help:"Conversation ID to call."`
	Wait         time.Duration `name:"wait" default:"15s" help:"How long to wait for the signaling connection."`
}

func (c *CliCall) Run(ctx context.Context, cli *Cli) error {
	return serve(ctx, cli, c.Conversation, c.Wait)
}

// serve runs the call client until ctx is done or the user quits. A
// non-empty conversationID is called once the channel is connected.
func serve(ctx context.Context, cli *Cli, conversationID string, wait time.Duration) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireSignalURL(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	cons := newConsole(a.session, os.Stdout)
	cons.watch(a.session)

	go a.channel.AutoConnect(ctx, cfg.PollInterval)

	if conversationID != "" {
		if err := waitConnected(ctx, a.session.Connected, wait); err != nil {
			return err
		}
		if err := a.session.StartCall(conversationID); err != nil {
			return err
		}
	}

	return cons.run(ctx, os.Stdin)
}

// waitConnected blocks until v reports true, ctx is done or timeout elapses.
func waitConnected(ctx context.Context, v *call.Value[bool], timeout time.Duration) error {
	ready := make(chan struct{}, 1)
	unsubscribe := v.Subscribe(func(connected bool) {
		if connected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if v.Get() {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("no connection after %s: %w", timeout, domain.ErrNotConnected)
	}
}

type CliHistory struct {
	Limit int  `name:"limit" short:"n" default:"20" help:"Number of most recent calls to show (0 for all)."`
	JSON  bool `name:"json" help:"Print records as JSON."`
}

func (h *CliHistory) Run(cli *Cli) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	records := call.NewRegistry(store, cfg.HistoryLimit).List()
	if h.Limit > 0 && len(records) > h.Limit {
		records = records[len(records)-h.Limit:]
	}

	if h.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printHistory(os.Stdout, records)
}

func printHistory(out io.Writer, records []domain.CallRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tDIRECTION\tSTATUS\tPEER\tCREATED\tENDED")
	for _, r := range records {
		peer := r.From.Label()
		if r.Direction == domain.DirectionOutgoing {
			peer = r.To.Label()
		}
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ConversationID, r.Direction, r.Status, peer,
			r.CreatedAt.Local().Format(time.DateTime), ended)
	}
	return w.Flush()
}

type CliLogin struct {
	Token string `name:"token" env:"VOICE_TOKEN" required:"" help:"Bearer token issued by the partner platform."`
}

func (l *CliLogin) Run(cli *Cli) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	if cfg.TokenFile != "" {
		path := cfg.ResolvePath(cfg.TokenFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(l.Token+"\n"), 0o600); err != nil {
			return fmt.Errorf("write token file: %w", err)
		}
	} else {
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := sigclient.NewStoreTokenSource(store).SetToken(l.Token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}

	if p, err := sigclient.ParseIdentity(l.Token); err == nil && p.Label() != "" {
		fmt.Printf("logged in as %s\n", p.Label())
	} else {
		fmt.Println("token stored")
	}
	return nil
}

type CliLogout struct{}

func (l *CliLogout) Run(cli *Cli) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	if cfg.TokenFile != "" {
		err := os.Remove(cfg.ResolvePath(cfg.TokenFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
	} else {
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := sigclient.NewStoreTokenSource(store).Clear(); err != nil {
			return fmt.Errorf("clear token: %w", err)
		}
	}
	fmt.Println("logged out")
	return nil
}
