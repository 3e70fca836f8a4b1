package firestore

import (
	"fmt"
	"slices"
)

type targetKind int

const (
	targetDocument targetKind = iota
	targetQuery
)

// watchTarget is one watched document or query. Targets are created before
// the listener starts and are immutable while the poll loop runs; the
// registry is renegotiated only by tearing the channel down and restarting.
type watchTarget struct {
	targetId        int
	kind            targetKind
	documentPath    string
	query           Query
	changedCallback DocumentChangedFunc
	deletedCallback DocumentDeletedFunc
}

// AddDocumentTarget registers a watch on a single document path, relative to
// the database document root. Returns the assigned target id.
func (self *Listener) AddDocumentTarget(
	documentPath string,
	changedCallback DocumentChangedFunc,
	deletedCallback DocumentDeletedFunc,
) (int, error) {
	if self.IsRunning() {
		return 0, fmt.Errorf("add document target: %w", ErrInvalidState)
	}
	target := &watchTarget{
		targetId:        self.nextTargetId(),
		kind:            targetDocument,
		documentPath:    documentPath,
		changedCallback: changedCallback,
		deletedCallback: deletedCallback,
	}
	self.targets = append(self.targets, target)
	return target.targetId, nil
}

// AddQueryTarget registers a watch on a structured query.
func (self *Listener) AddQueryTarget(
	query Query,
	changedCallback DocumentChangedFunc,
	deletedCallback DocumentDeletedFunc,
) (int, error) {
	if self.IsRunning() {
		return 0, fmt.Errorf("add query target: %w", ErrInvalidState)
	}
	target := &watchTarget{
		targetId:        self.nextTargetId(),
		kind:            targetQuery,
		query:           query,
		changedCallback: changedCallback,
		deletedCallback: deletedCallback,
	}
	self.targets = append(self.targets, target)
	return target.targetId, nil
}

// RemoveTarget removes a target by id. The id is never reassigned.
func (self *Listener) RemoveTarget(targetId int) error {
	if self.IsRunning() {
		return fmt.Errorf("remove target: %w", ErrInvalidState)
	}
	i := slices.IndexFunc(self.targets, func(target *watchTarget) bool {
		return target.targetId == targetId
	})
	if i < 0 {
		return fmt.Errorf("remove target %d: not registered: %w", targetId, ErrInvalidState)
	}
	self.targets = slices.Delete(self.targets, i, i+1)
	return nil
}

// nextTargetId assigns (n+1)*2 for the n-th added target: even, strictly
// increasing, unique for the lifetime of the listener even across removals.
func (self *Listener) nextTargetId() int {
	self.targetCount += 1
	return self.targetCount * 2
}

func (self *Listener) findTarget(targetId int) *watchTarget {
	i := slices.IndexFunc(self.targets, func(target *watchTarget) bool {
		return target.targetId == targetId
	})
	if i < 0 {
		return nil
	}
	return self.targets[i]
}
