// Package pairing implements the inbound pairing gate: an unknown sender on
// a DM-policy-"pairing" channel gets a short code instead of a response, and
// stays blocked until the bot owner approves that code out of band.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nevinhive/clawgate/internal/store"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Service tracks pairing requests in memory, persisted to a JSON file with
// atomic temp-file+rename writes, the same pattern internal/cron.Service
// and internal/sessions.Manager use.
type Service struct {
	mu       sync.Mutex
	path     string
	requests map[string]*store.PairingRequest // keyed by "channel:userID"
}

// NewService creates a pairing service backed by path. An empty path means
// requests live only in memory for the life of the process.
func NewService(path string) *Service {
	s := &Service{
		path:     path,
		requests: make(map[string]*store.PairingRequest),
	}
	s.load()
	return s
}

func key(userID, channel string) string {
	return channel + ":" + userID
}

// IsPaired reports whether userID on channel has an approved pairing request.
func (s *Service) IsPaired(userID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[key(userID, channel)]
	return ok && req.Approved
}

// RequestPairing returns the existing pending/approved code for userID, or
// mints and persists a new one.
func (s *Service) RequestPairing(userID, channel, chatID, agentID string) (string, error) {
	s.mu.Lock()
	k := key(userID, channel)
	if req, ok := s.requests[k]; ok {
		s.mu.Unlock()
		return req.Code, nil
	}

	code, err := generateCode()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	s.requests[k] = &store.PairingRequest{
		Code:      code,
		UserID:    userID,
		Channel:   channel,
		ChatID:    chatID,
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return code, fmt.Errorf("pairing: save: %w", err)
	}
	return code, nil
}

// Approve marks the pairing request whose code matches as approved.
// Returns the approved request so callers can notify the user's chat.
func (s *Service) Approve(code string) (*store.PairingRequest, error) {
	s.mu.Lock()
	var found *store.PairingRequest
	for _, req := range s.requests {
		if req.Code == code {
			req.Approved = true
			found = req
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return nil, fmt.Errorf("pairing: no request with code %q", code)
	}
	if err := s.save(); err != nil {
		return found, fmt.Errorf("pairing: save: %w", err)
	}
	return found, nil
}

// List returns every known pairing request, pending and approved.
func (s *Service) List() []*store.PairingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.PairingRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	return out
}

func generateCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = codeAlphabet[int(c)%len(codeAlphabet)]
	}
	return string(out), nil
}

func (s *Service) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var reqs []*store.PairingRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return
	}
	s.mu.Lock()
	for _, req := range reqs {
		s.requests[key(req.UserID, req.Channel)] = req
	}
	s.mu.Unlock()
}

func (s *Service) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	reqs := make([]*store.PairingRequest, 0, len(s.requests))
	for _, req := range s.requests {
		reqs = append(reqs, req)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(reqs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, "pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
