package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// failureThreshold is the number of consecutive transport construction
// failures after which a worker is taken out of rotation.
const failureThreshold = 3

// worker wraps one pion API instance. Routers created on a worker share its
// media engine, so every worker registers the same codec set.
type worker struct {
	index int
	api   *webrtc.API

	failures atomic.Int32
	closed   atomic.Bool

	mu      sync.Mutex
	routers map[string]*router
}

func newWorker(index int) (*worker, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	return &worker{
		index:   index,
		api:     api,
		routers: make(map[string]*router),
	}, nil
}

func (w *worker) Healthy() bool {
	return !w.closed.Load() && w.failures.Load() < failureThreshold
}

// reportFailure counts consecutive construction failures; reportSuccess
// resets the streak.
func (w *worker) reportFailure() { w.failures.Add(1) }
func (w *worker) reportSuccess() { w.failures.Store(0) }

func (w *worker) addRouter(r *router) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routers[r.id] = r
}

func (w *worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

func (w *worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}
