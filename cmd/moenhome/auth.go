package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joshp123/moenhome/internal/config"
	"github.com/joshp123/moenhome/internal/oauth"
	"github.com/joshp123/moenhome/internal/plugins"
)

func authMain(args []string) {
	if len(args) == 0 {
		authUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "login":
		loginCmd(args[1:])
	case "persist":
		persistCmd(args[1:])
	default:
		authUsage()
		os.Exit(2)
	}
}

func authUsage() {
	fmt.Println("moenhome auth <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  login --account <name> [--config <path>] [--json] [--print-token]")
	fmt.Println("  persist --account <name> --state <path> [--config <path>] [--cleanup] [--json]")
}

type authOutput struct {
	Account       string `json:"account"`
	Flow          string `json:"flow"`
	Username      string `json:"username,omitempty"`
	StatePath     string `json:"state_path,omitempty"`
	StateIn       string `json:"state_in,omitempty"`
	BlobMirrored  bool   `json:"blob_mirrored"`
	MirrorError   string `json:"mirror_error,omitempty"`
	AccessExpiry  string `json:"access_expiry,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	ProfileUserID string `json:"profile_user_id,omitempty"`
}

func loginCmd(args []string) {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	account := flags.String("account", "", "Configured account name")
	configPath := flags.String("config", defaultConfigPath(), "Path to config.yaml")
	jsonOut := flags.Bool("json", false, "Output JSON to stdout")
	printToken := flags.Bool("print-token", false, "Include refresh token in output")
	timeout := flags.Duration("timeout", time.Minute, "Timeout for the login")
	_ = flags.Parse(args)

	if *account == "" {
		authUsage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("auth", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	output, err := login(ctx, cfg, *account, quietLogger())
	if err != nil {
		fatal("auth", err)
	}
	emitOutput(os.Stdout, output, *jsonOut, *printToken)
}

// login forces a password login for one account and persists the result.
func login(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (authOutput, error) {
	output := authOutput{Account: name, Flow: "login"}
	ac, err := config.Account(cfg, name)
	if err != nil {
		return output, err
	}
	blob, err := plugins.BlobMirror(cfg)
	if err != nil {
		return output, err
	}
	account, err := plugins.MoenAccount(plugins.Env{Context: ctx, Logger: logger}, cfg, ac, blob)
	if err != nil {
		return output, err
	}

	tokens, err := account.Tokens.Login(ctx)
	if err != nil {
		return output, err
	}
	mirror, err := account.Store.SaveWithMirror(ctx, tokens)
	if err != nil {
		return output, err
	}

	output.Username = ac.Username
	output.StatePath = config.StatePath(cfg, name)
	output.setMirror(mirror)
	output.RefreshToken = tokens.RefreshToken
	if !tokens.Expiry.IsZero() {
		output.AccessExpiry = tokens.Expiry.UTC().Format(time.RFC3339)
	}
	if profile, err := account.Client.Profile(ctx); err == nil {
		if id, ok := profile["id"].(string); ok {
			output.ProfileUserID = id
		}
	} else {
		logger.Warn("profile check failed", "account", name, "error", err)
	}
	return output, nil
}

func persistCmd(args []string) {
	flags := flag.NewFlagSet("persist", flag.ExitOnError)
	account := flags.String("account", "", "Configured account name")
	statePath := flags.String("state", "", "Path to token state file")
	configPath := flags.String("config", defaultConfigPath(), "Path to config.yaml")
	cleanup := flags.Bool("cleanup", false, "Remove the input state file after a successful persist")
	jsonOut := flags.Bool("json", false, "Output JSON to stdout")
	printToken := flags.Bool("print-token", false, "Include refresh token in output")
	_ = flags.Parse(args)

	if *account == "" || *statePath == "" {
		authUsage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("auth", err)
	}

	output, err := persist(context.Background(), cfg, *account, *statePath, *cleanup, quietLogger())
	if err != nil {
		fatal("auth", err)
	}
	emitOutput(os.Stdout, output, *jsonOut, *printToken)
}

// persist copies token state captured elsewhere into the account's state
// file and blob mirror.
func persist(ctx context.Context, cfg *config.Config, name, statePath string, cleanup bool, logger *slog.Logger) (authOutput, error) {
	output := authOutput{Account: name, Flow: "persist", StateIn: statePath}
	ac, err := config.Account(cfg, name)
	if err != nil {
		return output, err
	}
	state, err := oauth.LoadState(statePath)
	if err != nil {
		return output, err
	}
	if state.Account != "" && state.Account != name {
		return output, fmt.Errorf("state file belongs to account %q", state.Account)
	}
	if ac.Username != "" && state.Username != "" && state.Username != ac.Username {
		return output, oauth.ErrUsernameMismatch
	}

	blob, err := plugins.BlobMirror(cfg)
	if err != nil {
		return output, err
	}
	target := config.StatePath(cfg, name)
	store, err := oauth.NewStore(name, ac.Username, target, blob, logger)
	if err != nil {
		return output, err
	}
	tokens := state.Tokens()
	mirror, err := store.SaveWithMirror(ctx, tokens)
	if err != nil {
		return output, err
	}

	output.Username = ac.Username
	output.StatePath = target
	output.setMirror(mirror)
	output.RefreshToken = tokens.RefreshToken
	if !tokens.Expiry.IsZero() {
		output.AccessExpiry = tokens.Expiry.UTC().Format(time.RFC3339)
	}

	if cleanup && statePath != target {
		if err := os.Remove(statePath); err != nil {
			logger.Warn("cleanup failed", "path", statePath, "error", err)
		}
	}
	return output, nil
}

func (o *authOutput) setMirror(mirror oauth.MirrorResult) {
	o.BlobMirrored = mirror.Mirrored()
	if mirror.Err != nil {
		o.MirrorError = mirror.Err.Error()
	}
}

func emitOutput(out io.Writer, output authOutput, jsonOut bool, printToken bool) {
	if !printToken {
		output.RefreshToken = ""
	}
	if jsonOut {
		payload, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fatal("auth", err)
		}
		fmt.Fprintln(out, string(payload))
		return
	}

	fmt.Fprintf(out, "Account: %s\n", output.Account)
	if output.StatePath != "" {
		fmt.Fprintf(out, "State file: %s\n", output.StatePath)
	}
	fmt.Fprintf(out, "Blob mirrored: %t\n", output.BlobMirrored)
	if output.MirrorError != "" {
		fmt.Fprintf(out, "Mirror error: %s\n", output.MirrorError)
	}
	if output.AccessExpiry != "" {
		fmt.Fprintf(out, "Access token expires: %s\n", output.AccessExpiry)
	}
	if output.RefreshToken != "" {
		fmt.Fprintf(out, "Refresh token: %s\n", output.RefreshToken)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
