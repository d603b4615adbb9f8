package brb

import (
	"github.com/sirupsen/logrus"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/wire"
)

// janitorCapacity bounds how many fingerprints the registry remembers
// before evicting the least recently routed one (every RouteOrCreate call
// refreshes its fingerprint) and tearing its instance down, whatever stage
// that instance is in. Backed by
// hashicorp/golang-lru rather than hand-rolled, since eviction order (not
// just presence) is the thing the janitor needs.
const janitorCapacity = 4096

type routeRequest struct {
	fp   wire.Fingerprint
	n    int
	resp chan *Instance
}

// Registry owns the fingerprint -> Instance map as a single-owner actor:
// RouteOrCreate is the only way to touch the map, so "does fp already have
// an instance" and "create one if not" happen atomically on the registry's
// own goroutine without a lock.
type Registry struct {
	self     wire.PublicKey
	creds    *credentials.Actor
	dir      *peerdir.Directory
	st       store.Store
	onCommit func(wire.BroadcastMsg)
	log      *logrus.Entry

	requests chan routeRequest
	done     chan struct{}

	live   map[wire.Fingerprint]*Instance
	recent *lru.Cache[wire.Fingerprint, struct{}]
}

// NewRegistry starts a registry actor. onCommit is passed to every instance
// the registry creates and is invoked at most once per instance, the first
// time that instance reaches Committed with an adopted message.
func NewRegistry(self wire.PublicKey, creds *credentials.Actor, dir *peerdir.Directory, st store.Store, onCommit func(wire.BroadcastMsg), log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{
		self:     self,
		creds:    creds,
		dir:      dir,
		st:       st,
		onCommit: onCommit,
		log:      log.WithField("component", "brb-registry"),
		requests: make(chan routeRequest),
		done:     make(chan struct{}),
		live:     make(map[wire.Fingerprint]*Instance),
	}
	cache, err := lru.NewWithEvict[wire.Fingerprint, struct{}](janitorCapacity, func(fp wire.Fingerprint, _ struct{}) {
		r.evict(fp)
	})
	if err != nil {
		panic(err) // only fails for a non-positive capacity, a programmer error
	}
	r.recent = cache
	go r.run()
	return r
}

// Stop shuts the registry down and every instance it currently owns.
func (r *Registry) Stop() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	for _, inst := range r.live {
		inst.Stop()
	}
}

func (r *Registry) run() {
	for {
		select {
		case req := <-r.requests:
			req.resp <- r.routeOrCreate(req.fp, req.n)
		case <-r.done:
			return
		}
	}
}

// RouteOrCreate returns the instance for fp, creating it with cardinality n
// if this is the first time fp has been seen on this node. Every subsequent
// call for the same fp returns the same instance regardless of the n
// passed, since n is fixed at first-creation time.
func (r *Registry) RouteOrCreate(fp wire.Fingerprint, n int) *Instance {
	resp := make(chan *Instance, 1)
	select {
	case r.requests <- routeRequest{fp: fp, n: n, resp: resp}:
	case <-r.done:
		return nil
	}
	select {
	case inst := <-resp:
		return inst
	case <-r.done:
		return nil
	}
}

// routeOrCreate runs only on the registry's own goroutine.
func (r *Registry) routeOrCreate(fp wire.Fingerprint, n int) *Instance {
	r.recent.Add(fp, struct{}{})
	if inst, ok := r.live[fp]; ok {
		return inst
	}
	inst := New(fp, r.self, n, r.creds, r.dir, r.st, r.onCommit, r.log.Logger)
	r.live[fp] = inst
	return inst
}

// evict tears down a fingerprint's instance once the janitor cache decides
// it is old enough to forget. Called synchronously from within lru.Add,
// itself only ever called from the registry's own goroutine, so no extra
// locking is needed.
func (r *Registry) evict(fp wire.Fingerprint) {
	if inst, ok := r.live[fp]; ok {
		inst.Stop()
		delete(r.live, fp)
	}
}
