package main

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MergeSessionState string

const (
	mergeStateIdle            MergeSessionState = "idle"
	mergeStateParentChosen    MergeSessionState = "parent_chosen"
	mergeStateSearching       MergeSessionState = "searching"
	mergeStateCandidatesReady MergeSessionState = "candidates_ready"
	mergeStateCommitting      MergeSessionState = "committing"
)

// MergeSession tracks one admin's in-progress duplicate merge. It performs no
// I/O; a rejected event leaves every field untouched.
type MergeSession struct {
	state      MergeSessionState
	parent     *Complaint
	radius     float64
	candidates []DuplicateCandidate
	selected   map[string]struct{}
	reason     string
}

type MergeSessionSnapshot struct {
	State            MergeSessionState    `json:"state"`
	Parent           *Complaint           `json:"parent"`
	RadiusMeters     float64              `json:"radiusMeters,omitempty"`
	Candidates       []DuplicateCandidate `json:"candidates"`
	SelectedChildren []string             `json:"selectedChildren"`
	Reason           string               `json:"reason"`
}

func NewMergeSession() *MergeSession {
	return &MergeSession{state: mergeStateIdle, selected: map[string]struct{}{}}
}

func (s *MergeSession) State() MergeSessionState {
	return s.state
}

func (s *MergeSession) in(states ...MergeSessionState) bool {
	for _, state := range states {
		if s.state == state {
			return true
		}
	}
	return false
}

func (s *MergeSession) ChooseParent(parent Complaint) error {
	if !s.in(mergeStateIdle, mergeStateParentChosen, mergeStateCandidatesReady) {
		return errInvalidTransition(s.state, "choose a parent")
	}
	if parent.IsMerged {
		return errAlreadyMerged("Complaint %s is already merged and cannot be a parent", parent.ID)
	}
	if !parent.HasLocation() {
		return errMissingLocation(parent.ID)
	}
	s.parent = &parent
	s.candidates = nil
	s.selected = map[string]struct{}{}
	s.state = mergeStateParentChosen
	return nil
}

func (s *MergeSession) BeginSearch(radiusMeters float64) error {
	if !s.in(mergeStateParentChosen, mergeStateCandidatesReady) {
		return errInvalidTransition(s.state, "search")
	}
	if radiusMeters <= 0 {
		return errInvalidArgument("radius must be greater than 0, got %g", radiusMeters)
	}
	s.radius = radiusMeters
	s.state = mergeStateSearching
	return nil
}

// SearchSucceeded replaces the candidate list and clears the selection.
func (s *MergeSession) SearchSucceeded(candidates []DuplicateCandidate) error {
	if s.state != mergeStateSearching {
		return errInvalidTransition(s.state, "accept search results")
	}
	kept := make([]DuplicateCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.ID == s.parent.ID {
			continue
		}
		kept = append(kept, candidate)
	}
	s.candidates = kept
	s.selected = map[string]struct{}{}
	s.state = mergeStateCandidatesReady
	return nil
}

func (s *MergeSession) SearchFailed() error {
	if s.state != mergeStateSearching {
		return errInvalidTransition(s.state, "fail a search")
	}
	s.state = mergeStateParentChosen
	return nil
}

func (s *MergeSession) hasCandidate(id string) bool {
	for _, candidate := range s.candidates {
		if candidate.ID == id {
			return true
		}
	}
	return false
}

func (s *MergeSession) Toggle(candidateID string) error {
	if s.state != mergeStateCandidatesReady {
		return errInvalidTransition(s.state, "toggle a candidate")
	}
	if !s.hasCandidate(candidateID) {
		return errInvalidArgument("Complaint %s is not one of the current candidates", candidateID)
	}
	if _, ok := s.selected[candidateID]; ok {
		delete(s.selected, candidateID)
	} else {
		s.selected[candidateID] = struct{}{}
	}
	return nil
}

func (s *MergeSession) SetReason(reason string) error {
	if s.state != mergeStateCandidatesReady {
		return errInvalidTransition(s.state, "set the reason")
	}
	s.reason = reason
	return nil
}

// SelectedChildren returns the selection in candidate order.
func (s *MergeSession) SelectedChildren() []string {
	ids := make([]string, 0, len(s.selected))
	for _, candidate := range s.candidates {
		if _, ok := s.selected[candidate.ID]; ok {
			ids = append(ids, candidate.ID)
		}
	}
	return ids
}

// BeginCommit freezes the selection into a merge request for actorID.
func (s *MergeSession) BeginCommit(actorID string) (MergeRequest, error) {
	if s.state != mergeStateCandidatesReady {
		return MergeRequest{}, errInvalidTransition(s.state, "commit")
	}
	children := s.SelectedChildren()
	if len(children) == 0 {
		return MergeRequest{}, errInvalidArgument("Select at least one duplicate to merge")
	}
	if strings.TrimSpace(s.reason) == "" {
		return MergeRequest{}, errInvalidArgument("A reason for merging is required")
	}

	expected := make(map[string]string, len(children))
	for _, candidate := range s.candidates {
		if _, ok := s.selected[candidate.ID]; ok {
			expected[candidate.ID] = candidate.Status
		}
	}
	s.state = mergeStateCommitting
	return MergeRequest{
		ParentID:         s.parent.ID,
		ChildIDs:         children,
		Reason:           strings.TrimSpace(s.reason),
		ActorID:          actorID,
		ExpectedStatuses: expected,
	}, nil
}

func (s *MergeSession) CommitSucceeded() error {
	if s.state != mergeStateCommitting {
		return errInvalidTransition(s.state, "complete a commit")
	}
	s.reset()
	return nil
}

// CommitFailed returns to candidate review with the selection and reason kept.
func (s *MergeSession) CommitFailed() error {
	if s.state != mergeStateCommitting {
		return errInvalidTransition(s.state, "fail a commit")
	}
	s.state = mergeStateCandidatesReady
	return nil
}

func (s *MergeSession) Cancel() error {
	if !s.in(mergeStateParentChosen, mergeStateCandidatesReady) {
		return errInvalidTransition(s.state, "cancel")
	}
	s.reset()
	return nil
}

func (s *MergeSession) reset() {
	s.state = mergeStateIdle
	s.parent = nil
	s.radius = 0
	s.candidates = nil
	s.selected = map[string]struct{}{}
	s.reason = ""
}

func (s *MergeSession) Snapshot() MergeSessionSnapshot {
	candidates := make([]DuplicateCandidate, len(s.candidates))
	copy(candidates, s.candidates)
	var parent *Complaint
	if s.parent != nil {
		copied := *s.parent
		parent = &copied
	}
	return MergeSessionSnapshot{
		State:            s.state,
		Parent:           parent,
		RadiusMeters:     s.radius,
		Candidates:       candidates,
		SelectedChildren: s.SelectedChildren(),
		Reason:           s.reason,
	}
}

type mergeSessionEntry struct {
	mu       sync.Mutex
	session  *MergeSession
	lastUsed time.Time
}

// mergeSessionRegistry keeps one session per admin, in memory only.
type mergeSessionRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*mergeSessionEntry
	now      func() time.Time
}

func newMergeSessionRegistry(ttl time.Duration) *mergeSessionRegistry {
	if ttl <= 0 {
		ttl = defaultMergeSessionTTL
	}
	return &mergeSessionRegistry{
		ttl:      ttl,
		sessions: map[string]*mergeSessionEntry{},
		now:      time.Now,
	}
}

func (r *mergeSessionRegistry) entry(actorID string) *mergeSessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[actorID]
	if !ok {
		entry = &mergeSessionEntry{session: NewMergeSession(), lastUsed: r.now()}
		r.sessions[actorID] = entry
	}
	return entry
}

// update runs fn against the actor's session under its lock and returns the
// resulting snapshot.
func (r *mergeSessionRegistry) update(actorID string, fn func(*MergeSession) error) (MergeSessionSnapshot, error) {
	entry := r.entry(actorID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.lastUsed = r.now()
	err := fn(entry.session)
	return entry.session.Snapshot(), err
}

func (r *mergeSessionRegistry) snapshot(actorID string) MergeSessionSnapshot {
	snap, _ := r.update(actorID, func(*MergeSession) error { return nil })
	return snap
}

func (r *mergeSessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *mergeSessionRegistry) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actorID, entry := range r.sessions {
		entry.mu.Lock()
		expired := now.Sub(entry.lastUsed) >= r.ttl
		entry.mu.Unlock()
		if expired {
			delete(r.sessions, actorID)
		}
	}
}

func (r *mergeSessionRegistry) startCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.prune(now)
			}
		}
	}()
}

func (a *App) mergeSessionChooseParent(ctx context.Context, actor User, parentID string) (MergeSessionSnapshot, error) {
	parent, err := a.loadComplaint(ctx, parentID)
	if err != nil {
		return a.mergeSessions.snapshot(actor.ID), err
	}
	return a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		return s.ChooseParent(*parent)
	})
}

// mergeSessionSearch drives BeginSearch, the duplicate finder and the matching
// completion event. The session lock is not held while the finder runs.
func (a *App) mergeSessionSearch(ctx context.Context, actor User, radiusMeters float64) (MergeSessionSnapshot, error) {
	var parentID string
	snap, err := a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		if err := s.BeginSearch(radiusMeters); err != nil {
			return err
		}
		parentID = s.parent.ID
		return nil
	})
	if err != nil {
		return snap, err
	}

	candidates, searchErr := a.adminDuplicates(ctx, parentID, radiusMeters)
	snap, err = a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		if searchErr != nil {
			return s.SearchFailed()
		}
		return s.SearchSucceeded(candidates)
	})
	if searchErr != nil {
		a.log.Warn("merge session search failed",
			"actor_id", actor.ID,
			"parent_id", parentID,
			"radius_m", radiusMeters,
			"err", searchErr,
		)
		return snap, searchErr
	}
	return snap, err
}

func (a *App) mergeSessionToggle(actor User, candidateID string) (MergeSessionSnapshot, error) {
	return a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		return s.Toggle(candidateID)
	})
}

func (a *App) mergeSessionSetReason(actor User, reason string) (MergeSessionSnapshot, error) {
	if len([]rune(strings.TrimSpace(reason))) > maxMergeReasonLength {
		return a.mergeSessions.snapshot(actor.ID), errInvalidArgument("reason must be at most %d characters", maxMergeReasonLength)
	}
	return a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		return s.SetReason(reason)
	})
}

func (a *App) mergeSessionCancel(actor User) (MergeSessionSnapshot, error) {
	return a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		return s.Cancel()
	})
}

// mergeSessionCommit hands the frozen selection to the orchestrator. On
// failure the session returns to candidate review so the admin can retry.
func (a *App) mergeSessionCommit(ctx context.Context, actor User) (MergeSessionSnapshot, *MergeResult, error) {
	var req MergeRequest
	snap, err := a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		built, err := s.BeginCommit(actor.ID)
		if err != nil {
			return err
		}
		req = built
		return nil
	})
	if err != nil {
		return snap, nil, err
	}

	result, mergeErr := a.adminMerge(ctx, req)
	snap, err = a.mergeSessions.update(actor.ID, func(s *MergeSession) error {
		if mergeErr != nil {
			return s.CommitFailed()
		}
		return s.CommitSucceeded()
	})
	if mergeErr != nil {
		a.log.Warn("merge session commit failed",
			"actor_id", actor.ID,
			"parent_id", req.ParentID,
			"child_ids", req.ChildIDs,
			"reason", req.Reason,
			"err", mergeErr,
		)
		return snap, nil, mergeErr
	}
	return snap, result, err
}
