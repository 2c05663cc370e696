package file

import (
	"github.com/nevinhive/clawgate/internal/pairing"
	"github.com/nevinhive/clawgate/internal/store"
)

// FilePairingStore wraps pairing.Service to implement store.PairingStore.
type FilePairingStore struct {
	svc *pairing.Service
}

func NewFilePairingStore(svc *pairing.Service) *FilePairingStore {
	return &FilePairingStore{svc: svc}
}

func (f *FilePairingStore) IsPaired(userID, channel string) bool {
	return f.svc.IsPaired(userID, channel)
}

func (f *FilePairingStore) RequestPairing(userID, channel, chatID, agentID string) (string, error) {
	return f.svc.RequestPairing(userID, channel, chatID, agentID)
}

// Approve and List expose the owner-facing operations beyond the
// store.PairingStore interface, used by the "pairing approve"/"pairing list"
// CLI subcommands.
func (f *FilePairingStore) Approve(code string) (*store.PairingRequest, error) {
	return f.svc.Approve(code)
}

func (f *FilePairingStore) List() []*store.PairingRequest {
	return f.svc.List()
}
