package collab

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Resolution string

const (
	ResolutionPending      Resolution = "pending"
	ResolutionAcceptRemote Resolution = "accept-remote"
	ResolutionKeepLocal    Resolution = "keep-local"
)

// IsDecision reports whether the resolution can settle a case.
func (self Resolution) IsDecision() bool {
	switch self {
	case ResolutionAcceptRemote, ResolutionKeepLocal:
		return true
	default:
		return false
	}
}

// One detected write race on an entity. `Incoming` is the peer update that
// was held back. `Local` is the unacknowledged local edit to the same entity
// when this session held one, else nil.
type ConflictCase struct {
	CaseId     Id
	Incoming   *UpdateEvent
	Local      *UpdateEvent
	CreatedAt  time.Time
	Resolution Resolution
}

func (self *ConflictCase) copy() *ConflictCase {
	conflictCase := *self
	return &conflictCase
}

type openConflict struct {
	conflictCase *ConflictCase
	autoTimer    *time.Timer
}

// The conflict resolver holds back incoming updates that lost a write race
// until a decision lands: accept-remote applies the incoming event and
// force-sets the watermark, keep-local discards it and leaves local state
// untouched. A case left undecided auto-resolves to accept-remote so the
// session converges with the room instead of staying stale forever.
type ConflictResolver struct {
	ctx    context.Context
	cancel context.CancelFunc

	channel  *UpdateChannel
	settings *ClientSettings

	stateLock sync.Mutex
	cases     map[Id]*openConflict

	conflictCallbacks *CallbackList[func(*ConflictCase)]
}

func newConflictResolver(
	ctx context.Context,
	channel *UpdateChannel,
	settings *ClientSettings,
) *ConflictResolver {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConflictResolver{
		ctx:               cancelCtx,
		cancel:            cancel,
		channel:           channel,
		settings:          settings,
		cases:             map[Id]*openConflict{},
		conflictCallbacks: NewCallbackList[func(*ConflictCase)](),
	}
}

func (self *ConflictResolver) openCase(incoming *UpdateEvent, local *UpdateEvent) *ConflictCase {
	conflictCase := &ConflictCase{
		CaseId:     NewId(),
		Incoming:   incoming,
		Local:      local,
		CreatedAt:  time.Now().UTC(),
		Resolution: ResolutionPending,
	}
	caseId := conflictCase.CaseId

	self.stateLock.Lock()
	self.cases[caseId] = &openConflict{
		conflictCase: conflictCase,
		autoTimer: time.AfterFunc(self.settings.ConflictAutoResolveTimeout, func() {
			if err := self.Resolve(caseId, ResolutionAcceptRemote); err == nil {
				glog.Infof("[c]auto resolve %s\n", caseId)
			}
		}),
	}
	self.stateLock.Unlock()

	glog.Infof("[c]open %s %s\n", caseId, incoming.Key())
	for _, conflictCallback := range self.conflictCallbacks.Get() {
		conflictCallback(conflictCase.copy())
	}
	return conflictCase
}

// Resolve settles one case exactly once. A manual decision cancels the
// pending auto-resolve timer.
func (self *ConflictResolver) Resolve(caseId Id, resolution Resolution) error {
	if !resolution.IsDecision() {
		return fmt.Errorf("Not a decision: %s.", resolution)
	}

	var conflictCase *ConflictCase
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		open, ok := self.cases[caseId]
		if !ok {
			return
		}
		delete(self.cases, caseId)
		open.autoTimer.Stop()
		open.conflictCase.Resolution = resolution
		conflictCase = open.conflictCase
	}()
	if conflictCase == nil {
		return fmt.Errorf("No pending case %s.", caseId)
	}

	glog.Infof("[c]resolve %s = %s\n", caseId, resolution)
	if resolution == ResolutionAcceptRemote {
		self.channel.applyEvent(conflictCase.Incoming, true)
	}
	// keep-local drops the incoming event. The local state's own next send
	// will carry a newer timestamp.
	return nil
}

// Cases returns the open cases, newest last. Case ids are ulids, so id order
// is open order.
func (self *ConflictResolver) Cases() []*ConflictCase {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	cases := []*ConflictCase{}
	for _, open := range maps.Values(self.cases) {
		cases = append(cases, open.conflictCase.copy())
	}
	slices.SortFunc(cases, func(a *ConflictCase, b *ConflictCase) int {
		return bytes.Compare(a.CaseId.Bytes(), b.CaseId.Bytes())
	})
	return cases
}

func (self *ConflictResolver) AddConflictCallback(conflictCallback func(*ConflictCase)) func() {
	callbackId := self.conflictCallbacks.Add(conflictCallback)
	return func() {
		self.conflictCallbacks.Remove(callbackId)
	}
}

// clearCases drops all open cases without applying anything. Used when the
// room membership that produced them ends.
func (self *ConflictResolver) clearCases() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, open := range self.cases {
		open.autoTimer.Stop()
	}
	self.cases = map[Id]*openConflict{}
}

func (self *ConflictResolver) close() {
	self.cancel()
	self.clearCases()
}
