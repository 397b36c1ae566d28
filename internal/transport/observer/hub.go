package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"radicalpixels.io/internal/observerproto"
	"radicalpixels.io/internal/sim/registry"
)

// Hub fans receipts out to observer sessions. It is installed as a receipt
// logger, so WriteReceipt runs on the registry goroutine and never blocks:
// slow observers lose messages instead.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	drops atomic.Uint64
}

type subscriber struct {
	filter observerproto.SubscribeMsg
	out    chan []byte
}

func NewHub() *Hub {
	return &Hub{subs: map[string]*subscriber{}}
}

func (h *Hub) WriteReceipt(rc registry.Receipt) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return nil
	}

	var b []byte
	for _, s := range h.subs {
		if !matches(s.filter, rc) {
			continue
		}
		if b == nil {
			raw, err := json.Marshal(rc)
			if err != nil {
				return err
			}
			b, err = json.Marshal(observerproto.ReceiptMsg{
				Type:            observerproto.TypeReceipt,
				ProtocolVersion: observerproto.Version,
				Seq:             rc.Seq,
				Receipt:         raw,
			})
			if err != nil {
				return err
			}
		}
		select {
		case s.out <- b:
		default:
			h.drops.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Drops() uint64 { return h.drops.Load() }

func (h *Hub) subscribe(id string, filter observerproto.SubscribeMsg, out chan []byte) {
	h.mu.Lock()
	h.subs[id] = &subscriber{filter: filter, out: out}
	h.mu.Unlock()
}

func (h *Hub) setFilter(id string, filter observerproto.SubscribeMsg) {
	h.mu.Lock()
	if s, ok := h.subs[id]; ok {
		s.filter = filter
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func matches(f observerproto.SubscribeMsg, rc registry.Receipt) bool {
	if !rc.OK() && !f.IncludeFailed {
		return false
	}
	if f.Actor != "" && !touchesActor(rc, f.Actor) {
		return false
	}
	if f.Region != nil {
		hit := false
		for _, c := range rc.Command.Cells {
			if f.Region.Contains(c.X, c.Y) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// touchesActor is true when a is the caller or paid tax in the receipt.
func touchesActor(rc registry.Receipt, a string) bool {
	if rc.Command.Actor == a {
		return true
	}
	for _, s := range rc.Settlements {
		if string(s.Owner) == a {
			return true
		}
	}
	return false
}
