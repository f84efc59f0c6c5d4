package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swapnest/escrowd/internal/escrow"
)

// Emitter turns engine lifecycle events into webhook deliveries and
// stream broadcasts. All methods are fire-and-forget: errors are
// logged but never surfaced to the transition path.
type Emitter struct {
	d      *Dispatcher
	hub    *Hub
	logger *slog.Logger
}

// NewEmitter creates a new event emitter. Either the dispatcher or
// the hub may be nil; the corresponding channel is skipped.
func NewEmitter(d *Dispatcher, hub *Hub, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, hub: hub, logger: logger}
}

var _ escrow.Notifier = (*Emitter)(nil)

// EscrowEvent delivers the event to both parties' webhooks and the
// live stream.
func (em *Emitter) EscrowEvent(ctx context.Context, event string, e *escrow.Escrow) {
	if em == nil {
		return
	}

	evt := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventType(event),
		Timestamp: time.Now(),
		Data:      eventData(e),
	}

	if em.hub != nil {
		em.hub.Broadcast(evt)
	}

	if em.d == nil {
		return
	}

	// Detach from the request context so deliveries survive the response.
	dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	time.AfterFunc(30*time.Second, cancel)

	for _, partyID := range recipients(e) {
		if err := em.d.DispatchToParty(dctx, partyID, evt); err != nil {
			em.logger.Warn("webhook emit failed",
				"event", event, "party", partyID, "error", err)
		}
	}
}

func recipients(e *escrow.Escrow) []string {
	return []string{e.BuyerID, e.SellerID}
}

func eventData(e *escrow.Escrow) map[string]interface{} {
	data := map[string]interface{}{
		"escrowId": e.ID,
		"buyerId":  e.BuyerID,
		"sellerId": e.SellerID,
		"amount":   e.Amount.StringFixed(2),
		"currency": e.Currency,
		"status":   string(e.Status),
		"version":  e.Version,
	}
	if e.AutoReleased {
		data["autoReleased"] = true
	}
	if e.Resolution != "" {
		data["resolution"] = string(e.Resolution)
	}
	return data
}
