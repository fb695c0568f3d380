package tunnel

import (
	"fmt"
	"sync"

	"github.com/gamavpn/wgtunnel/internal/model"
)

// slot is the process-wide single handle slot.
var slot struct {
	mu    sync.Mutex
	owner string
}

// claimSlot reserves the slot for the handle with the given ID.
func claimSlot(id string) error {
	defer slot.mu.Unlock()
	slot.mu.Lock()
	if slot.owner != "" {
		return fmt.Errorf("%w: handle %s is live", model.ErrTunnelActive, slot.owner)
	}
	slot.owner = id
	return nil
}

// releaseSlot frees the slot if the handle with the given ID holds it.
func releaseSlot(id string) {
	defer slot.mu.Unlock()
	slot.mu.Lock()
	if slot.owner == id {
		slot.owner = ""
	}
}
