package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const SchemaVersion = 1

var (
	ErrStateNotFound    = errors.New("token state not found")
	ErrUsernameMismatch = errors.New("token state belongs to another username")
)

// State is the persisted token state of one account.
type State struct {
	SchemaVersion int     `json:"schema_version"`
	Account       string  `json:"account"`
	Username      string  `json:"username"`
	AccessToken   string  `json:"access_token,omitempty"`
	IDToken       string  `json:"id_token,omitempty"`
	RefreshToken  string  `json:"refresh_token,omitempty"`
	TokenExpiry   float64 `json:"token_expiry"`
	SavedAt       string  `json:"saved_at,omitempty"`
}

// StateFromTokens builds the persisted form of a token set.
func StateFromTokens(account, username string, tokens TokenSet) State {
	state := State{
		SchemaVersion: SchemaVersion,
		Account:       account,
		Username:      username,
		AccessToken:   tokens.AccessToken,
		IDToken:       tokens.IDToken,
		RefreshToken:  tokens.RefreshToken,
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	if !tokens.Expiry.IsZero() {
		state.TokenExpiry = float64(tokens.Expiry.UnixMilli()) / 1000
	}
	return state
}

// Tokens converts the state back into a token set.
func (s State) Tokens() TokenSet {
	tokens := TokenSet{
		AccessToken:  s.AccessToken,
		IDToken:      s.IDToken,
		RefreshToken: s.RefreshToken,
	}
	if s.TokenExpiry > 0 {
		sec, frac := math.Modf(s.TokenExpiry)
		tokens.Expiry = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return tokens
}

func (s State) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", s.SchemaVersion)
	}
	if s.Username == "" {
		return fmt.Errorf("state missing username")
	}
	if s.AccessToken == "" && s.RefreshToken == "" {
		return fmt.Errorf("state has neither access_token nor refresh_token")
	}
	return nil
}

func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeState(data)
}

func DecodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

// WriteState writes the state with 0600 permissions. The file is synced
// before it replaces the previous one so a crash never leaves a truncated
// refresh token behind.
func WriteState(path string, state State) error {
	if state.SchemaVersion == 0 {
		state.SchemaVersion = SchemaVersion
	}
	if state.SavedAt == "" {
		state.SavedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	commit := func() error {
		if err := tmp.Chmod(0o600); err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return err
		}
		return tmp.Close()
	}
	if err := commit(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	return nil
}

func checkStateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("state file %s must have 0600 permissions", path)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Geteuid() {
			return fmt.Errorf("state file %s must be owned by uid %d", path, os.Geteuid())
		}
	}
	return nil
}
