package devicelink

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
)

// discoverMAC is a best-effort guess: it lists clients seen within the discovery
// window around first use (or now) and returns the first address not bound to any
// user. Nothing ties a client record to a voucher, so the result is never authoritative.
func (reconciler *Reconciler) discoverMAC(ctx context.Context, row VoucherRow, now time.Time, planned map[string]UserID) (string, error) {
	anchor := now
	if row.FirstUsedAt != nil {
		anchor = *row.FirstUsedAt
	}
	clients, err := reconciler.controller.ListClients(ctx, controller.ClientQuery{
		Start: anchor.Add(-reconciler.discoveryWindow),
		End:   anchor.Add(reconciler.discoveryWindow),
	})
	if err != nil {
		return "", err
	}
	for _, client := range clients {
		if client.MAC == "" {
			continue
		}
		if !client.FirstSeen.IsZero() && !withinWindow(client.FirstSeen, anchor, reconciler.discoveryWindow) {
			continue
		}
		_, err := reconciler.findBinding(ctx, client.MAC, planned)
		if errors.Is(err, ErrBindingNotFound) {
			return client.MAC, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", nil
}

func withinWindow(instant time.Time, anchor time.Time, window time.Duration) bool {
	delta := instant.Sub(anchor)
	return delta >= -window && delta <= window
}
