// Package settings persists the user's chat preferences and hands out
// normalized defaults.
package settings

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/util"
)

var ErrInvalidModel = xerrors.New("invalid model name")

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)

// ValidateModel accepts an empty name, which means the agent's default.
func ValidateModel(model string) error {
	if model == "" || modelPattern.MatchString(model) {
		return nil
	}
	return xerrors.Errorf("%q: %w", model, ErrInvalidModel)
}

type ApprovalMode string

const (
	ApprovalDefault  ApprovalMode = "default"
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	ApprovalYolo     ApprovalMode = "yolo"
	ApprovalPlan     ApprovalMode = "plan"
)

var ApprovalModeValues = []ApprovalMode{
	ApprovalDefault,
	ApprovalAutoEdit,
	ApprovalYolo,
	ApprovalPlan,
}

func (a ApprovalMode) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "ApprovalMode", ApprovalModeValues)
}

type Mode string

const (
	ModeChat Mode = "chat"
	ModePlan Mode = "plan"
)

var ModeValues = []Mode{
	ModeChat,
	ModePlan,
}

func (m Mode) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "Mode", ModeValues)
}

type Settings struct {
	Model             string       `json:"model,omitempty"`
	ApprovalMode      ApprovalMode `json:"approvalMode,omitempty"`
	Mode              Mode         `json:"mode,omitempty"`
	SystemInstruction string       `json:"systemInstruction,omitempty"`
	AgentToken        string       `json:"agentToken,omitempty"`
}

// Normalize fills defaults for unset or unknown enum values. It fails only on
// a malformed model name.
func (s Settings) Normalize() (Settings, error) {
	s.Model = strings.TrimSpace(s.Model)
	if err := ValidateModel(s.Model); err != nil {
		return s, err
	}
	if !contains(ApprovalModeValues, s.ApprovalMode) {
		s.ApprovalMode = ApprovalDefault
	}
	if !contains(ModeValues, s.Mode) {
		s.Mode = ModeChat
	}
	return s, nil
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Store reads and writes the settings file.
type Store struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

func NewStore(fsys afero.Fs, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fsys, path: path, logger: logger}
}

// Load returns the normalized settings. A missing or empty file yields the
// defaults.
func (s *Store) Load() (Settings, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("No settings file, using defaults", "path", s.path)
		return Settings{}.Normalize()
	}
	if err != nil {
		return Settings{}, xerrors.Errorf("failed to read settings: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Settings{}.Normalize()
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return Settings{}, xerrors.Errorf("failed to decode settings %s: %w", s.path, err)
	}
	return out.Normalize()
}

// Save normalizes and writes the settings through a temp file and rename.
func (s *Store) Save(in Settings) (Settings, error) {
	out, err := in.Normalize()
	if err != nil {
		return in, err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return in, xerrors.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return in, xerrors.Errorf("failed to create settings directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return in, xerrors.Errorf("failed to write temp settings file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return in, xerrors.Errorf("failed to rename settings file: %w", err)
	}
	s.logger.Info("Settings saved", "path", s.path)
	return out, nil
}
