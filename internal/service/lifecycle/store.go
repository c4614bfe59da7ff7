package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
)

// Store holds the container record of every project the manager knows. It
// is the only shared mutable state of the container core; the manager
// serializes writes per project and the store's mutex keeps quota and port
// decisions atomic across projects.
type Store struct {
	mu      sync.Mutex
	records map[string]*entry

	portBase  int
	portWidth int
	portMax   int
}

type entry struct {
	rec      domain.ContainerRecord
	inflight int
}

// NewStore returns an empty store allocating port ranges of width ports
// from base up to and including port last.
func NewStore(base, width, last int) *Store {
	return &Store{
		records:   make(map[string]*entry),
		portBase:  base,
		portWidth: width,
		portMax:   last,
	}
}

// Get returns a copy of the project's record.
func (s *Store) Get(projectID string) (domain.ContainerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[projectID]
	if !ok {
		return domain.ContainerRecord{ProjectID: projectID, State: domain.ContainerAbsent}, false
	}
	return e.rec, true
}

// List returns copies of all records ordered by project id.
func (s *Store) List() []domain.ContainerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ContainerRecord, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// CountActive returns the owner's records in starting or running state.
func (s *Store) CountActive(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(ownerID, "")
}

func (s *Store) countActiveLocked(ownerID, exclude string) int {
	n := 0
	for id, e := range s.records {
		if id != exclude && e.rec.OwnerID == ownerID && e.rec.State.Active() {
			n++
		}
	}
	return n
}

// claim moves a project into starting after checking the owner's quota. A
// record that already holds a port range keeps it; otherwise the lowest free
// range is assigned.
func (s *Store) claim(projectID, ownerID string, quota int, limits domain.ResourceLimits, now time.Time) (domain.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quota > 0 && s.countActiveLocked(ownerID, projectID) >= quota {
		return domain.ContainerRecord{}, fmt.Errorf("%w: user %s already runs %d containers", ErrQuotaExceeded, ownerID, quota)
	}
	e, ok := s.records[projectID]
	if !ok {
		e = &entry{rec: domain.ContainerRecord{ProjectID: projectID, CreatedAt: now}}
	}
	if !e.rec.State.HoldsPorts() || e.rec.Ports.Empty() {
		ports, err := s.allocateLocked(projectID)
		if err != nil {
			return domain.ContainerRecord{}, err
		}
		e.rec.Ports = ports
	}
	e.rec.OwnerID = ownerID
	e.rec.State = domain.ContainerStarting
	e.rec.Limits = limits
	e.rec.LastError = ""
	e.rec.UpdatedAt = now
	s.records[projectID] = e
	return e.rec, nil
}

// allocateLocked finds the lowest range starting at the base that no other
// record holds.
func (s *Store) allocateLocked(projectID string) (domain.PortRange, error) {
	if s.portWidth <= 0 {
		return domain.PortRange{}, nil
	}
	taken := make(map[int]bool, len(s.records))
	for id, e := range s.records {
		if id == projectID || !e.rec.State.HoldsPorts() || e.rec.Ports.Empty() {
			continue
		}
		taken[e.rec.Ports.Start] = true
	}
	for start := s.portBase; start+s.portWidth-1 <= s.portMax; start += s.portWidth {
		if !taken[start] {
			return domain.PortRange{Start: start, Width: s.portWidth}, nil
		}
	}
	return domain.PortRange{}, ErrPortsExhausted
}

// adopt registers a record discovered in the runtime. It fails when the
// record's port range collides with one already held.
func (s *Store) adopt(rec domain.ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ProjectID]; ok {
		return fmt.Errorf("project %s already tracked", rec.ProjectID)
	}
	if !rec.Ports.Empty() {
		for _, e := range s.records {
			if e.rec.State.HoldsPorts() && e.rec.Ports.Start == rec.Ports.Start {
				return fmt.Errorf("port range %s already held by project %s", rec.Ports, e.rec.ProjectID)
			}
		}
	}
	s.records[rec.ProjectID] = &entry{rec: rec}
	return nil
}

// update applies fn to the project's record and returns the result. It is a
// no-op returning false when the project is unknown.
func (s *Store) update(projectID string, fn func(*domain.ContainerRecord)) (domain.ContainerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[projectID]
	if !ok {
		return domain.ContainerRecord{ProjectID: projectID, State: domain.ContainerAbsent}, false
	}
	fn(&e.rec)
	return e.rec, true
}

// remove forgets the project, releasing its port range.
func (s *Store) remove(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, projectID)
}

// touch records activity for a known project.
func (s *Store) touch(projectID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[projectID]
	if !ok {
		return false
	}
	if now.After(e.rec.LastActivityAt) {
		e.rec.LastActivityAt = now
	}
	return true
}

// hold marks one more in-flight user of the project's container.
func (s *Store) hold(projectID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[projectID]; ok {
		e.inflight++
		if now.After(e.rec.LastActivityAt) {
			e.rec.LastActivityAt = now
		}
	}
}

func (s *Store) unhold(projectID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[projectID]; ok {
		if e.inflight > 0 {
			e.inflight--
		}
		if now.After(e.rec.LastActivityAt) {
			e.rec.LastActivityAt = now
		}
	}
}

// idle reports whether the record is running, has no in-flight users and
// was last active before cutoff.
func (s *Store) idle(projectID string, cutoff time.Time) (domain.ContainerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[projectID]
	if !ok {
		return domain.ContainerRecord{}, false
	}
	return e.rec, e.rec.State == domain.ContainerRunning && e.inflight == 0 && e.rec.LastActivityAt.Before(cutoff)
}
