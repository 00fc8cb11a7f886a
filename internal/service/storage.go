package service

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	SecretFile        = ".secret"
	IdentityKeyPrefix = "IDENTITY_SECRET_KEY="
)

var ErrNoStoragePath = errors.New("node storage path is not set")

func removeStorage(dir string, preserveIdentity bool) error {
	if strings.TrimSpace(dir) == "" {
		return ErrNoStoragePath
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage %s: %w", dir, err)
	}

	var keep string
	if preserveIdentity {
		if keep, err = identityLine(filepath.Join(dir, SecretFile)); err != nil {
			return err
		}
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if keep != "" && e.Name() == SecretFile {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if keep != "" {
		if err := os.WriteFile(filepath.Join(dir, SecretFile), []byte(keep+"\n"), 0o600); err != nil {
			return fmt.Errorf("rewrite %s: %w", SecretFile, err)
		}
	}
	return nil
}

// identityLine returns the identity key line of the secrets file, or "" when
// the file or the line is missing.
func identityLine(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, IdentityKeyPrefix) {
			return line, nil
		}
	}
	return "", sc.Err()
}
