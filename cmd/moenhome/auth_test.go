package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joshp123/moenhome/internal/config"
	"github.com/joshp123/moenhome/internal/oauth"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	passwordFile := filepath.Join(dir, "password")
	if err := os.WriteFile(passwordFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("write password: %v", err)
	}
	return &config.Config{
		SchemaVersion: config.SchemaVersion,
		OAuth:         &config.OAuthConfig{StateDir: filepath.Join(dir, "state")},
		Moen: &config.MoenConfig{Accounts: []config.AccountConfig{{
			Name:         "home",
			Username:     "u@example.com",
			PasswordFile: passwordFile,
			OAuthBase:    baseURL,
			APIBase:      baseURL,
			InvokerBase:  baseURL,
		}}},
	}
}

func TestLoginPersistsTokens(t *testing.T) {
	var password string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			password = body["password"]
			_, _ = io.WriteString(w, `{"token":{"access_token":"a1","refresh_token":"r1","expires_in":3600}}`)
		case "/users/me":
			_, _ = io.WriteString(w, `{"id":"user-1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	output, err := login(context.Background(), cfg, "home", discardLogger())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if password != "hunter2" {
		t.Fatalf("expected trimmed password from file, got %q", password)
	}
	if output.StatePath != config.StatePath(cfg, "home") || output.ProfileUserID != "user-1" || output.BlobMirrored {
		t.Fatalf("unexpected output: %+v", output)
	}

	state, err := oauth.LoadState(output.StatePath)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.RefreshToken != "r1" || state.Account != "home" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestLoginUnknownAccount(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	if _, err := login(context.Background(), cfg, "cabin", discardLogger()); err == nil || !strings.Contains(err.Error(), "home") {
		t.Fatalf("expected error listing configured accounts, got %v", err)
	}
}

func TestPersistCopiesState(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	in := filepath.Join(t.TempDir(), "captured.json")
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := oauth.WriteState(in, oauth.StateFromTokens("home", "u@example.com", oauth.TokenSet{
		AccessToken:  "a2",
		RefreshToken: "r2",
		Expiry:       expiry,
	})); err != nil {
		t.Fatalf("write state: %v", err)
	}

	output, err := persist(context.Background(), cfg, "home", in, true, discardLogger())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if output.AccessExpiry != expiry.UTC().Format(time.RFC3339) {
		t.Fatalf("unexpected expiry: %q", output.AccessExpiry)
	}
	state, err := oauth.LoadState(config.StatePath(cfg, "home"))
	if err != nil {
		t.Fatalf("load persisted state: %v", err)
	}
	if state.RefreshToken != "r2" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Fatalf("expected input state to be cleaned up, got %v", err)
	}
}

func TestPersistRejectsOtherUsername(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	in := filepath.Join(t.TempDir(), "captured.json")
	if err := oauth.WriteState(in, oauth.StateFromTokens("home", "someone@example.com", oauth.TokenSet{RefreshToken: "r"})); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := persist(context.Background(), cfg, "home", in, false, discardLogger()); !errors.Is(err, oauth.ErrUsernameMismatch) {
		t.Fatalf("expected username mismatch, got %v", err)
	}
}

func TestEmitOutputHidesTokenByDefault(t *testing.T) {
	output := authOutput{Account: "home", Flow: "login", StatePath: "/var/lib/moenhome/oauth/home.json", RefreshToken: "secret"}

	var text bytes.Buffer
	emitOutput(&text, output, false, false)
	if strings.Contains(text.String(), "secret") || !strings.Contains(text.String(), "State file: /var/lib/moenhome/oauth/home.json") {
		t.Fatalf("unexpected text output:\n%s", text.String())
	}

	var js bytes.Buffer
	emitOutput(&js, output, true, true)
	var decoded authOutput
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if decoded.RefreshToken != "secret" {
		t.Fatalf("expected token with --print-token, got %+v", decoded)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&config.CoreConfig{LogLevel: "warn", LogFormat: "json"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", buf.String())
	}

	if _, err := newLogger(&config.CoreConfig{LogLevel: "loud"}, &buf); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := newLogger(&config.CoreConfig{LogLevel: "info", LogFormat: "xml"}, &buf); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestSetMirrorReportsFailure(t *testing.T) {
	var output authOutput
	output.setMirror(oauth.MirrorResult{Configured: true, Err: errors.New("bucket offline")})
	if output.BlobMirrored || output.MirrorError != "bucket offline" {
		t.Fatalf("expected failed mirror in output, got %+v", output)
	}

	var text bytes.Buffer
	emitOutput(&text, output, false, false)
	if !strings.Contains(text.String(), "Blob mirrored: false") || !strings.Contains(text.String(), "Mirror error: bucket offline") {
		t.Fatalf("unexpected text output:\n%s", text.String())
	}

	output = authOutput{}
	output.setMirror(oauth.MirrorResult{Configured: true})
	if !output.BlobMirrored || output.MirrorError != "" {
		t.Fatalf("expected mirrored output, got %+v", output)
	}
}
