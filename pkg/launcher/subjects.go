package launcher

import (
	"sync"

	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/types"
)

// SubjectSet tracks the currently-enabled subject IDs. It satisfies
// pkg/balancer.SubjectProvider directly; Set additionally reports whether
// the change demands a rebalance, resolving Balancer.SetSubjects without
// requiring pkg/balancer itself to own subject-diffing state.
type SubjectSet struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewSubjectSet returns an empty SubjectSet: every subject starts disabled
// until the first Set call. Share one instance between balancer.New and
// launcher.New.
func NewSubjectSet() *SubjectSet {
	return &SubjectSet{enabled: make(map[string]bool)}
}

// IsEnabled satisfies balancer.SubjectProvider.
func (s *SubjectSet) IsEnabled(subjectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[subjectID]
}

// Set replaces the known subject list and reports whether any active
// instance's subject just became disabled, or any cached instance's
// subject just became enabled -- either demands a rebalance.
func (s *SubjectSet) Set(subjects []types.SubjectInfo, active, cached []instance.Instance) bool {
	next := make(map[string]bool, len(subjects))
	for _, subj := range subjects {
		next[subj.SubjectID] = true
	}

	s.mu.Lock()
	prev := s.enabled
	s.enabled = next
	s.mu.Unlock()

	for _, inst := range active {
		id := inst.Info().SubjectID
		if prev[id] && !next[id] {
			return true
		}
	}
	for _, inst := range cached {
		id := inst.Info().SubjectID
		if !prev[id] && next[id] {
			return true
		}
	}
	return false
}
