package kms

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionState is the display configuration found before a session took
// over the CRTC. It is persisted so a crashed session can be undone.
type SessionState struct {
	Device        string    `yaml:"device"`
	ConnectorID   uint32    `yaml:"connector_id"`
	CrtcID        uint32    `yaml:"crtc_id"`
	FramebufferID uint32    `yaml:"framebuffer_id"`
	ModeName      string    `yaml:"mode_name,omitempty"`
	Mode          ModeInfo  `yaml:"mode"`
	PID           int       `yaml:"pid"`
	StartedAt     time.Time `yaml:"started_at"`
}

// StateOf captures the pre-session configuration of out on card.
func StateOf(card *Card, out *Output) SessionState {
	return SessionState{
		Device:        card.Path(),
		ConnectorID:   out.ConnectorID,
		CrtcID:        out.CrtcID,
		FramebufferID: out.OriginalFB.ID,
		ModeName:      out.Mode.String(),
		Mode:          out.Mode,
		PID:           os.Getpid(),
		StartedAt:     time.Now(),
	}
}

// SaveState writes st to path.
func SaveState(path string, st SessionState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

// LoadState reads a session state file. A missing file yields an error
// matching os.ErrNotExist.
func LoadState(path string) (*SessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st SessionState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	if st.CrtcID == 0 || st.ConnectorID == 0 || st.FramebufferID == 0 {
		return nil, fmt.Errorf("session state %s is incomplete", path)
	}
	copy(st.Mode.Name[:len(st.Mode.Name)-1], st.ModeName)
	return &st, nil
}

// ClearState removes the state file; a missing file is not an error.
func ClearState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session state: %w", err)
	}
	return nil
}

// RestoreState reapplies st with a legacy modeset on a fresh card handle.
func RestoreState(st *SessionState) error {
	card, err := OpenCard(st.Device)
	if err != nil {
		return err
	}
	defer card.Close()
	return card.SetCrtc(st.CrtcID, st.FramebufferID, []uint32{st.ConnectorID}, &st.Mode)
}
