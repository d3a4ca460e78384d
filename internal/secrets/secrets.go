// Package secrets resolves the effective environment of a repository or
// project scope by layering plain and secret env files. When the checkout
// is encrypted with git-crypt, it is unlocked for the duration of the read
// and locked again afterwards.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/composesyncd/internal/envfile"
	"github.com/schaermu/composesyncd/internal/gitcrypt"
	"github.com/schaermu/composesyncd/internal/repo"
	"github.com/schaermu/composesyncd/internal/stack"
)

// ErrKeyNotSpecified is returned when a checkout contains encrypted files
// but no key was configured.
var ErrKeyNotSpecified = errors.New("has encrypted files but key not specified")

// Reader resolves effective environments
type Reader struct {
	crypt  gitcrypt.Crypt
	logger *slog.Logger
	strict bool
}

// NewReader creates a reader. In strict mode malformed env lines fail the read.
func NewReader(crypt gitcrypt.Crypt, logger *slog.Logger, strict bool) *Reader {
	return &Reader{
		crypt:  crypt,
		logger: logger,
		strict: strict,
	}
}

// Scope selects the env files to merge; see stack.EnvScope
type Scope = stack.EnvScope

// source is one candidate env file of a scope
type source struct {
	path   string
	secret bool
}

// CheckEncryption validates the key configuration of a checkout. Without a
// key the checkout must not contain encrypted files; with a key, one
// unlock/lock round trip proves the key works. Lock failures are returned.
func (r *Reader) CheckEncryption(ctx context.Context, repoDir, keyPath string) error {
	if keyPath == "" {
		files, err := r.crypt.EncryptedFiles(ctx, repoDir)
		if err != nil {
			return err
		}
		if files.Cardinality() > 0 {
			return fmt.Errorf("repository %s %w", repoDir, ErrKeyNotSpecified)
		}
		return nil
	}

	if err := r.crypt.Unlock(ctx, repoDir, keyPath); err != nil {
		return err
	}
	return r.crypt.Lock(ctx, repoDir)
}

// ReadAndMergeEnvs returns the merged environment of a scope: a layout for
// the repo-wide env, or an Expected stack for a single project. Later files
// override earlier ones. With maskSecrets, values won by a secret file are
// replaced by stack.MaskedValue after merging.
func (r *Reader) ReadAndMergeEnvs(ctx context.Context, scope Scope, maskSecrets bool) (stack.EffectiveEnv, error) {
	root, keyPath, sources := scopeSources(scope)

	unlocked := false
	if keyPath != "" {
		needsUnlock, err := r.hasEncryptedSecrets(ctx, root, sources)
		if err != nil {
			return nil, err
		}
		if needsUnlock {
			// A failed unlock leaves nothing to re-lock
			if err := r.crypt.Unlock(ctx, root, keyPath); err != nil {
				return nil, err
			}
			unlocked = true
		}
	}

	env, readErr := r.merge(sources)

	// Re-lock on every path after a successful unlock, including a failed
	// read. A lock failure leaves the checkout decrypted and is only logged.
	if unlocked {
		if err := r.crypt.Lock(ctx, root); err != nil {
			r.logger.Error("failed to re-lock repository, secret files remain decrypted on disk",
				"repo", root,
				"error", err)
		}
	}

	if readErr != nil {
		return nil, readErr
	}

	if maskSecrets {
		return Mask(env), nil
	}
	return env, nil
}

// hasEncryptedSecrets reports whether any secret source of the scope is
// listed as encrypted
func (r *Reader) hasEncryptedSecrets(ctx context.Context, root string, sources []source) (bool, error) {
	encrypted, err := r.crypt.EncryptedFiles(ctx, root)
	if err != nil {
		return false, err
	}

	for _, src := range sources {
		if !src.secret {
			continue
		}
		rel, err := repo.RelativePath(root, src.path)
		if err != nil {
			continue
		}
		if encrypted.Contains(filepath.ToSlash(rel)) {
			return true, nil
		}
	}
	return false, nil
}

// merge folds the sources in order; the last file defining a key wins
func (r *Reader) merge(sources []source) (stack.EffectiveEnv, error) {
	env := make(stack.EffectiveEnv)
	for _, src := range sources {
		values, err := envfile.Read(src.path, r.strict)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", src.path, err)
		}
		for k, v := range values {
			env[k] = stack.EnvValue{Value: v, Secret: src.secret}
		}
	}
	return env, nil
}

// Mask replaces every secret-sourced value with stack.MaskedValue
func Mask(env stack.EffectiveEnv) stack.EffectiveEnv {
	masked := make(stack.EffectiveEnv, len(env))
	for k, v := range env {
		if v.Secret {
			v.Value = stack.MaskedValue
		}
		masked[k] = v
	}
	return masked
}

// scopeSources returns the repo root, key path and ordered candidate files
// of a scope, lowest priority first. Files that were never configured are
// not candidates.
func scopeSources(scope Scope) (string, string, []source) {
	var root, keyPath string
	var all []source

	switch s := scope.(type) {
	case *stack.Base:
		root, keyPath = s.RepoRoot, s.KeyPath
		all = []source{
			{path: s.GlobalEnv},
			{path: s.GlobalSecretEnv, secret: true},
		}
	case *stack.Full:
		root, keyPath = s.RepoRoot, s.KeyPath
		all = []source{
			{path: s.GlobalEnv},
			{path: s.GlobalSecretEnv, secret: true},
		}
	case stack.Expected:
		root, keyPath = s.RepoRoot, s.KeyPath
		all = []source{
			{path: s.RepoEnv},
			{path: s.RepoSecretEnv, secret: true},
			{path: s.ProjectEnv},
			{path: s.ProjectSecretEnv, secret: true},
		}
	}

	sources := make([]source, 0, len(all))
	for _, src := range all {
		if src.path != "" {
			sources = append(sources, src)
		}
	}
	return root, keyPath, sources
}
