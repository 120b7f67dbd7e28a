package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Store persists token state to a local file and, when configured, mirrors it
// to blob storage so a fresh host can resume without logging in again.
type Store struct {
	account  string
	username string
	path     string
	blob     BlobStore
	logger   *slog.Logger
}

// NewStore creates a store for one account. blob may be nil.
func NewStore(account, username, path string, blob BlobStore, logger *slog.Logger) (*Store, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("state path must be absolute")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		account:  account,
		username: username,
		path:     path,
		blob:     blob,
		logger:   logger.With("account", account),
	}, nil
}

// Load returns the persisted tokens, preferring the local file over the blob
// mirror. It returns ErrStateNotFound when neither has usable state.
func (s *Store) Load(ctx context.Context) (TokenSet, error) {
	local, localErr := LoadState(s.path)
	if localErr == nil {
		if err := checkStateFile(s.path); err != nil {
			return TokenSet{}, err
		}
		if err := s.checkUsername(local); err != nil {
			return TokenSet{}, err
		}
		return local.Tokens(), nil
	}
	if !errors.Is(localErr, ErrStateNotFound) {
		return TokenSet{}, localErr
	}

	if s.blob == nil {
		return TokenSet{}, ErrStateNotFound
	}
	data, err := s.blob.Load(ctx, s.account)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return TokenSet{}, ErrStateNotFound
		}
		return TokenSet{}, fmt.Errorf("load blob state: %w", err)
	}
	remote, err := DecodeState(data)
	if err != nil {
		return TokenSet{}, err
	}
	if err := s.checkUsername(remote); err != nil {
		return TokenSet{}, err
	}
	if err := WriteState(s.path, remote); err != nil {
		return TokenSet{}, err
	}
	s.logger.Info("restored token state from blob mirror")
	return remote.Tokens(), nil
}

// MirrorResult reports what happened to the blob copy of a save.
type MirrorResult struct {
	// Configured is false when the store has no blob mirror.
	Configured bool
	// Err is the mirror failure; the local write still succeeded.
	Err error
}

// Mirrored reports whether the blob copy was written.
func (r MirrorResult) Mirrored() bool {
	return r.Configured && r.Err == nil
}

// Save writes the tokens locally and mirrors them. Mirror failures are logged
// and reflected in metrics but do not fail the save.
func (s *Store) Save(ctx context.Context, tokens TokenSet) error {
	_, err := s.SaveWithMirror(ctx, tokens)
	return err
}

// SaveWithMirror is Save that also reports the outcome of the mirror write.
func (s *Store) SaveWithMirror(ctx context.Context, tokens TokenSet) (MirrorResult, error) {
	state := StateFromTokens(s.account, s.username, tokens)
	if err := WriteState(s.path, state); err != nil {
		return MirrorResult{}, fmt.Errorf("persist state: %w", err)
	}
	if s.blob == nil {
		return MirrorResult{}, nil
	}

	result := MirrorResult{Configured: true}
	data, err := json.MarshalIndent(state, "", "  ")
	if err == nil {
		err = s.blob.Save(ctx, s.account, data)
	}
	if err != nil {
		remotePersistOK.WithLabelValues(s.account).Set(0)
		s.logger.Warn("mirror token state failed", "error", err)
		result.Err = err
		return result, nil
	}
	remotePersistOK.WithLabelValues(s.account).Set(1)
	return result, nil
}

func (s *Store) checkUsername(state State) error {
	if s.username != "" && state.Username != s.username {
		stateMismatch.WithLabelValues(s.account).Inc()
		return ErrUsernameMismatch
	}
	return nil
}
