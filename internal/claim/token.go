package claim

import (
	"sync"

	"github.com/moltbunker/rewardclaim/pkg/types"
)

// inflight is the single token naming the variant currently in flight.
// It implements txn.Gate.
type inflight struct {
	mu     sync.Mutex
	holder types.Variant
}

func (t *inflight) Allows(types.Variant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder == types.VariantNone
}

func (t *inflight) Acquire(tag types.Variant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != types.VariantNone {
		return false
	}
	t.holder = tag
	return true
}

func (t *inflight) Release(tag types.Variant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder == tag {
		t.holder = types.VariantNone
	}
}

func (t *inflight) Holder() types.Variant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}
