package lsa

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GroupReclaimer attaches memory thresholds to a region group. Crossing the
// soft limit fires StartReclaiming, so the owner can begin shedding memory
// before requests start queueing at the hard limit. The callbacks run with
// the group tree locked and must not call back into the group.
type GroupReclaimer struct {
	// SoftLimit is where reclaiming should start. 0 disables it.
	SoftLimit uint64

	// HardLimit is where request execution is throttled. 0 disables it.
	HardLimit uint64

	StartReclaiming func()
	StopReclaiming  func()

	underPressure bool
	overSoftLimit bool
}

// UnderPressure reports whether the group last crossed its hard limit.
func (rc *GroupReclaimer) UnderPressure() bool { return rc != nil && rc.underPressure }

// OverSoftLimit reports whether the group last crossed its soft limit.
func (rc *GroupReclaimer) OverSoftLimit() bool { return rc != nil && rc.overSoftLimit }

func (rc *GroupReclaimer) notify(total uint64) {
	if rc == nil {
		return
	}
	if rc.SoftLimit > 0 {
		over := total >= rc.SoftLimit
		if over && !rc.overSoftLimit {
			rc.overSoftLimit = true
			if rc.StartReclaiming != nil {
				rc.StartReclaiming()
			}
		} else if !over && rc.overSoftLimit {
			rc.overSoftLimit = false
			if rc.StopReclaiming != nil {
				rc.StopReclaiming()
			}
		}
	}
	if rc.HardLimit > 0 {
		rc.underPressure = total >= rc.HardLimit
	}
}

// GroupResult carries the outcome of a RegionGroup.Execute request.
type GroupResult struct {
	Value any
	Err   error
}

type blockedRequest struct {
	fn       func() (any, error)
	deadline time.Time
	ch       chan GroupResult
}

// RegionGroup aggregates the memory usage of a set of regions, and of child
// groups, into one hierarchy of budgets. When a group or any of its
// ancestors is over its hard limit, new requests submitted through Execute
// wait in FIFO order until pressure relents or their deadline expires.
type RegionGroup struct {
	name      string
	parent    *RegionGroup
	reclaimer *GroupReclaimer
	logger    *zap.Logger

	// The whole tree shares the root's mutex so subtree totals update
	// atomically.
	mu *sync.Mutex

	children    []*RegionGroup
	regionCount int
	total       uint64

	blocked *list.List
	relief  chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// NewRegionGroup creates a group under parent (nil for a root) with an
// optional reclaimer.
func NewRegionGroup(name string, parent *RegionGroup, reclaimer *GroupReclaimer) *RegionGroup {
	g := &RegionGroup{
		name:      name,
		parent:    parent,
		reclaimer: reclaimer,
		logger:    zap.NewNop(),
		blocked:   list.New(),
		relief:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if parent != nil {
		g.mu = parent.mu
		g.logger = parent.logger
		parent.mu.Lock()
		parent.children = append(parent.children, g)
		parent.mu.Unlock()
	} else {
		g.mu = new(sync.Mutex)
	}
	go g.releaser()
	return g
}

// SetLogger installs a logger for queue diagnostics. Child groups created
// afterwards inherit it.
func (g *RegionGroup) SetLogger(l *zap.Logger) { g.logger = l }

// Name returns the group's name.
func (g *RegionGroup) Name() string { return g.name }

// Total returns the memory held by the group's regions and all descendant
// groups.
func (g *RegionGroup) Total() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// MaximalChild returns the child group holding the most memory, or nil.
func (g *RegionGroup) MaximalChild() *RegionGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	var max *RegionGroup
	for _, c := range g.children {
		if max == nil || c.total > max.total {
			max = c
		}
	}
	return max
}

func (g *RegionGroup) addRegion(*Region) {
	g.mu.Lock()
	g.regionCount++
	g.mu.Unlock()
}

func (g *RegionGroup) delRegion(*Region) {
	g.mu.Lock()
	g.regionCount--
	g.mu.Unlock()
}

// update adjusts the totals of g and every ancestor by delta.
func (g *RegionGroup) update(delta int64) {
	g.mu.Lock()
	relieved := false
	for a := g; a != nil; a = a.parent {
		wasPressured := a.reclaimer.UnderPressure()
		a.total = uint64(int64(a.total) + delta)
		a.reclaimer.notify(a.total)
		if wasPressured && !a.reclaimer.UnderPressure() {
			relieved = true
		}
	}
	g.mu.Unlock()
	if relieved {
		// A group's permission depends on its ancestors, so relief
		// anywhere can unblock queues all over the tree.
		root := g
		for root.parent != nil {
			root = root.parent
		}
		root.notifyTree()
	}
}

func (g *RegionGroup) notifyTree() {
	g.mu.Lock()
	all := []*RegionGroup{g}
	for i := 0; i < len(all); i++ {
		all = append(all, all[i].children...)
	}
	g.mu.Unlock()
	for _, grp := range all {
		grp.notifyRelief()
	}
}

func (g *RegionGroup) notifyRelief() {
	select {
	case g.relief <- struct{}{}:
	default:
	}
}

// executionPermittedLocked reports whether a request under g may run now:
// neither g nor any ancestor is over its hard limit.
func (g *RegionGroup) executionPermittedLocked() bool {
	for a := g; a != nil; a = a.parent {
		if a.reclaimer.UnderPressure() {
			return false
		}
	}
	return true
}

// ExecutionPermitted reports whether a request submitted now would run
// immediately.
func (g *RegionGroup) ExecutionPermitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked.Len() == 0 && g.executionPermittedLocked()
}

// Execute runs fn when the group is under its limits. If the group or an
// ancestor is over its hard limit, or earlier requests are still queued,
// the request waits in FIFO order. A zero deadline waits forever; otherwise
// the result channel yields ErrBlockedRequestTimeout once the deadline
// passes while still queued. The returned channel is buffered and yields
// exactly one result.
func (g *RegionGroup) Execute(fn func() (any, error), deadline time.Time) <-chan GroupResult {
	ch := make(chan GroupResult, 1)
	g.mu.Lock()
	if g.blocked.Len() == 0 && g.executionPermittedLocked() {
		g.mu.Unlock()
		v, err := fn()
		ch <- GroupResult{Value: v, Err: err}
		return ch
	}
	g.blocked.PushBack(&blockedRequest{fn: fn, deadline: deadline, ch: ch})
	queued := g.blocked.Len()
	g.mu.Unlock()
	g.logger.Debug("region group request queued",
		zap.String("group", g.name), zap.Int("queue_len", queued))
	g.notifyRelief()
	return ch
}

// releaser drains the blocked queue whenever pressure relents, expiring
// requests whose deadline passed while they waited.
func (g *RegionGroup) releaser() {
	defer close(g.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-g.quit:
			g.failPending()
			return
		case <-g.relief:
		case <-timer.C:
		}
		next := g.drain()
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		}
	}
}

// drain runs queued requests in order while execution is permitted. It
// returns the earliest deadline still pending, or zero.
func (g *RegionGroup) drain() time.Time {
	for {
		g.mu.Lock()
		front := g.blocked.Front()
		if front == nil {
			g.mu.Unlock()
			return time.Time{}
		}
		req := front.Value.(*blockedRequest)
		if !req.deadline.IsZero() && !time.Now().Before(req.deadline) {
			g.blocked.Remove(front)
			g.mu.Unlock()
			req.ch <- GroupResult{Err: ErrBlockedRequestTimeout}
			continue
		}
		if !g.executionPermittedLocked() {
			// Head-of-line blocking is deliberate; only its deadline can
			// unblock the queue early.
			deadline := req.deadline
			g.mu.Unlock()
			return deadline
		}
		g.blocked.Remove(front)
		g.mu.Unlock()
		v, err := req.fn()
		req.ch <- GroupResult{Value: v, Err: err}
	}
}

func (g *RegionGroup) failPending() {
	g.mu.Lock()
	var reqs []*blockedRequest
	for e := g.blocked.Front(); e != nil; e = e.Next() {
		reqs = append(reqs, e.Value.(*blockedRequest))
	}
	g.blocked.Init()
	g.mu.Unlock()
	for _, req := range reqs {
		req.ch <- GroupResult{Err: ErrBlockedRequestTimeout}
	}
}

// Close shuts the group down, failing queued requests and detaching from
// the parent. All regions and child groups must be gone first.
func (g *RegionGroup) Close() {
	close(g.quit)
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.regionCount != 0 || len(g.children) != 0 {
		panic("lsa: closing region group with live members")
	}
	if g.parent != nil {
		for i, c := range g.parent.children {
			if c == g {
				g.parent.children = append(g.parent.children[:i], g.parent.children[i+1:]...)
				break
			}
		}
	}
}
