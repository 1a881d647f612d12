package security

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/NeverVane/promptledger/internal/logger"
)

// File permission constants for secure operation
const (
	// Owner read/write only
	SecureFilePermission = 0600

	// Owner read/write/execute only
	SecureDirPermission = 0700
)

// PermissionEnforcer keeps the ledger database, its directories and the
// runtime session file private to the owner
type PermissionEnforcer struct {
	logger *logger.Logger
}

// PermissionError reports a path whose mode grants group or other access
type PermissionError struct {
	Path     string
	Expected os.FileMode
	Actual   os.FileMode
}

func (pe *PermissionError) Error() string {
	return fmt.Sprintf("insecure permissions on %s (expected %o, got %o)", pe.Path, pe.Expected, pe.Actual)
}

// NewPermissionEnforcer creates a new permission enforcer
func NewPermissionEnforcer() *PermissionEnforcer {
	return &PermissionEnforcer{
		logger: logger.GetLogger().Security(),
	}
}

// CreateSecureDirectory creates path with owner-only permissions and
// tightens it if it already existed
func (pe *PermissionEnforcer) CreateSecureDirectory(path string) error {
	if err := pe.ValidatePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if err := os.MkdirAll(path, SecureDirPermission); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return pe.chmod(path, SecureDirPermission)
}

// SetSecureFilePermissions sets 0600 on an existing file
func (pe *PermissionEnforcer) SetSecureFilePermissions(path string) error {
	if err := pe.ValidatePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return pe.chmod(path, SecureFilePermission)
}

func (pe *PermissionEnforcer) chmod(path string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, mode); err != nil {
		pe.logger.Error().Err(err).Msg("Failed to set secure permissions")
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return pe.validate(path, mode)
}

// ValidateSecureFile fails when path is readable by anyone but the owner
func (pe *PermissionEnforcer) ValidateSecureFile(path string) error {
	return pe.validate(path, SecureFilePermission)
}

// ValidateSecureDirectory fails when path is accessible by anyone but the owner
func (pe *PermissionEnforcer) ValidateSecureDirectory(path string) error {
	return pe.validate(path, SecureDirPermission)
}

func (pe *PermissionEnforcer) validate(path string, expected os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	actual := info.Mode().Perm()
	if actual&0077 != 0 {
		return &PermissionError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}

// SecureDataEnvironment creates the given directories owner-only and
// tightens any of the given files that already exist. Missing files are
// skipped; the store and session scope create them with 0600 themselves.
func (pe *PermissionEnforcer) SecureDataEnvironment(dirs, files []string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := pe.CreateSecureDirectory(dir); err != nil {
			return fmt.Errorf("failed to secure directory %s: %w", dir, err)
		}
	}

	var errs []error
	for _, file := range files {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := pe.SetSecureFilePermissions(file); err != nil {
			pe.logger.Warn().Err(err).Msg("Failed to secure existing file")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidatePath rejects empty paths and directory traversal
func (pe *PermissionEnforcer) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains directory traversal")
	}
	return nil
}

// IsPermissionError checks if an error is a permission-related error
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
