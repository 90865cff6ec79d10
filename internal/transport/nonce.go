package transport

// DefaultNonceWindow is the number of recent nonces remembered per peer.
const DefaultNonceWindow = 1024

// NonceWindow remembers the most recent nonces in arrival order. A nonce is
// rejected while resident; once evicted by newer arrivals it is accepted again.
type NonceWindow struct {
	size  int
	order []uint32
	head  int
	set   map[uint32]struct{}
}

// NewNonceWindow sizes the window; non-positive sizes use DefaultNonceWindow.
func NewNonceWindow(size int) *NonceWindow {
	if size <= 0 {
		size = DefaultNonceWindow
	}
	return &NonceWindow{size: size, order: make([]uint32, 0, size), set: make(map[uint32]struct{}, size)}
}

// Accept records nonce and reports whether it was fresh.
func (w *NonceWindow) Accept(nonce uint32) bool {
	if _, seen := w.set[nonce]; seen {
		return false
	}
	//1.- Fill the ring until it reaches capacity.
	if len(w.order) < w.size {
		w.order = append(w.order, nonce)
		w.set[nonce] = struct{}{}
		return true
	}
	//2.- Overwrite the oldest slot and forget the evicted nonce.
	delete(w.set, w.order[w.head])
	w.order[w.head] = nonce
	w.head = (w.head + 1) % w.size
	w.set[nonce] = struct{}{}
	return true
}

// Contains reports whether nonce is resident.
func (w *NonceWindow) Contains(nonce uint32) bool {
	_, ok := w.set[nonce]
	return ok
}

// Len returns the number of resident nonces.
func (w *NonceWindow) Len() int { return len(w.order) }
