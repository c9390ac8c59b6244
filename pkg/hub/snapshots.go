package hub

import (
	"context"
	"fmt"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/store"
)

// StoreSnapshots answers snapshot requests from current store state.
type StoreSnapshots struct {
	store *store.Store
}

// NewStoreSnapshots wires topic snapshots to the store.
func NewStoreSnapshots(st *store.Store) *StoreSnapshots {
	return &StoreSnapshots{store: st}
}

// Snapshot resolves the current state for a topic. Per-call transcript
// topics resolve to an empty transcript when no utterances exist yet, so
// subscribing before the first exchange is not an error.
func (s *StoreSnapshots) Snapshot(ctx context.Context, topic string) (any, error) {
	switch topic {
	case bus.TopicCallUpdates:
		return s.store.ListActiveCalls(ctx)
	case bus.TopicCampaignUpdates:
		return s.store.ListCampaigns(ctx)
	}

	kind, id := bus.SplitTopic(topic)
	switch kind {
	case "call":
		return s.store.GetCall(ctx, id)
	case "transcript":
		return s.store.GetTranscript(ctx, id)
	case "campaign":
		return s.store.GetCampaign(ctx, id)
	}
	return nil, fmt.Errorf("no snapshot source for topic %q", topic)
}
