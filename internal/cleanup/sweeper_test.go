package cleanup

import (
	"testing"
	"time"

	"github.com/relaycore/relaycore/internal/expiry"
)

func TestApplyGrace_FirstSightingNotEligible(t *testing.T) {
	s := &Sweeper{mu: newChanMutex(), markedExpired: make(map[string]time.Time)}

	eligible := s.applyGrace([]expiry.ExpiredSession{{SessionID: "a"}})
	if len(eligible) != 0 {
		t.Errorf("expected no sessions eligible on first sighting, got %d", len(eligible))
	}
	if _, ok := s.markedExpired["a"]; !ok {
		t.Error("expected session to be marked as newly expired")
	}
}

func TestApplyGrace_EligibleAfterGracePeriod(t *testing.T) {
	s := &Sweeper{mu: newChanMutex(), markedExpired: map[string]time.Time{
		"a": time.Now().Add(-gracePeriod - time.Second),
	}}

	eligible := s.applyGrace([]expiry.ExpiredSession{{SessionID: "a"}})
	if len(eligible) != 1 || eligible[0].SessionID != "a" {
		t.Errorf("expected session a eligible after grace period, got %+v", eligible)
	}
}

func TestApplyGrace_RecoveredSessionForgotten(t *testing.T) {
	s := &Sweeper{mu: newChanMutex(), markedExpired: map[string]time.Time{
		"a": time.Now().Add(-gracePeriod - time.Second),
	}}

	// "a" no longer appears in the expired set (it was touched) -> forgotten.
	eligible := s.applyGrace(nil)
	if len(eligible) != 0 {
		t.Errorf("expected no eligible sessions, got %+v", eligible)
	}
	if _, ok := s.markedExpired["a"]; ok {
		t.Error("expected recovered session to be forgotten")
	}
}

func TestApplyGrace_WithinGraceNotYetEligible(t *testing.T) {
	s := &Sweeper{mu: newChanMutex(), markedExpired: map[string]time.Time{
		"a": time.Now().Add(-10 * time.Second),
	}}

	eligible := s.applyGrace([]expiry.ExpiredSession{{SessionID: "a"}})
	if len(eligible) != 0 {
		t.Errorf("expected session still within grace period, got %+v", eligible)
	}
}
