// Package replay is a beacon.Source that plays back recorded radio callbacks
// from a newline-delimited JSON stream. It stands in for the platform radio
// when running the agent on a workstation or in integration tests.
//
// One event per line:
//
//	{"type":"enter","uuid":"f7826da6-...","major":7,"minor":3}
//	{"type":"ranged","uuid":"f7826da6-...","major":7,"minor":4,"rssi":-61,"delay_ms":1000}
//	{"type":"exit","uuid":"f7826da6-...","major":7}
//	{"type":"authorization","status":"denied"}
//	{"type":"failed","uuid":"f7826da6-...","major":7,"error":"region limit"}
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

// Line is the wire shape of one recorded callback.
type Line struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Major   uint16 `json:"major,omitempty"`
	Minor   uint16 `json:"minor,omitempty"`
	RSSI    int    `json:"rssi,omitempty"`
	At      string `json:"at,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	DelayMS int    `json:"delay_ms,omitempty"`
}

// Source replays lines into its delegate.
type Source struct {
	mu         sync.Mutex
	delegate   beacon.Delegate
	monitoring map[beacon.Identity]bool
	ranging    map[beacon.Identity]bool
	logger     *slog.Logger
	now        func() time.Time
}

func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Source{
		monitoring: make(map[beacon.Identity]bool),
		ranging:    make(map[beacon.Identity]bool),
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Source) SetDelegate(d beacon.Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

func (s *Source) StartMonitoring(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitoring[id] = true
	s.logger.Debug("replay start monitoring", "identity", id.String())
	return nil
}

func (s *Source) StopMonitoring(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitoring, id)
	return nil
}

func (s *Source) StartRanging(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranging[id] = true
	s.logger.Debug("replay start ranging", "identity", id.String())
	return nil
}

func (s *Source) StopRanging(_ context.Context, id beacon.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ranging, id)
	return nil
}

// Run reads r until EOF or ctx is cancelled, emitting each line's callback.
// Malformed lines are logged and skipped.
func (s *Source) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var ln Line
		if err := json.Unmarshal([]byte(text), &ln); err != nil {
			s.logger.Warn("replay: skipping malformed line", "line", lineNo, "error", err)
			continue
		}

		if ln.DelayMS > 0 {
			t := time.NewTimer(time.Duration(ln.DelayMS) * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		if err := s.emit(ln); err != nil {
			s.logger.Warn("replay: skipping line", "line", lineNo, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replay read: %w", err)
	}
	return nil
}

func (s *Source) emit(ln Line) error {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d == nil {
		return errors.New("no delegate")
	}

	switch strings.ToLower(ln.Type) {
	case "authorization":
		d.OnAuthorizationChanged(beacon.AuthorizationStatus(strings.ToLower(ln.Status)))
		return nil
	}

	u, err := uuid.Parse(ln.UUID)
	if err != nil {
		return fmt.Errorf("uuid: %w", err)
	}
	raw := beacon.RawIdentity{UUID: u, Major: ln.Major, Minor: ln.Minor}

	switch strings.ToLower(ln.Type) {
	case "enter":
		d.OnEnter(raw)
	case "exit":
		d.OnExit(raw)
	case "ranged":
		at := s.now()
		if ln.At != "" {
			parsed, err := time.Parse(time.RFC3339Nano, ln.At)
			if err != nil {
				return fmt.Errorf("at: %w", err)
			}
			at = parsed
		}
		d.OnRanged(raw, ln.RSSI, at)
	case "failed":
		d.OnMonitoringFailed(raw, errors.New(ln.Error))
	default:
		return fmt.Errorf("unknown type %q", ln.Type)
	}
	return nil
}
