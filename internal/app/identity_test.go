package app

import (
	"testing"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
)

func TestDeriveEventID_Deterministic(t *testing.T) {
	a := DeriveEventID("Fall", 2026)
	b := DeriveEventID("Fall", 2026)
	if a != b {
		t.Fatalf("expected identical ids for identical inputs, got %s and %s", a, b)
	}
}

func TestDeriveEventID_NormalizesLabel(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{name: "case folds", a: "Fall", b: "fall", same: true},
		{name: "trims whitespace", a: " fall ", b: "fall", same: true},
		{name: "different labels differ", a: "fall", b: "spring", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveEventID(tt.a, 2026) == DeriveEventID(tt.b, 2026)
			if got != tt.same {
				t.Fatalf("expected same=%t for %q vs %q, got %t", tt.same, tt.a, tt.b, got)
			}
		})
	}
}

func TestDeriveEventID_YearChangesID(t *testing.T) {
	if DeriveEventID("fall", 2025) == DeriveEventID("fall", 2026) {
		t.Fatal("expected different years to derive different event ids")
	}
}

func TestResolveIdentityKey_ExplicitEventIDWins(t *testing.T) {
	playerID := uuid.New()
	explicit := uuid.New()

	key := ResolveIdentityKey(domain.ReserveRegistrationRequest{
		PlayerID:    playerID,
		SeasonLabel: "fall",
		Year:        2026,
		EventID:     &explicit,
	})
	if key.EventID != explicit {
		t.Fatalf("expected explicit event id %s, got %s", explicit, key.EventID)
	}
}

func TestResolveIdentityKey_DerivesWhenAbsent(t *testing.T) {
	playerID := uuid.New()

	key := ResolveIdentityKey(domain.ReserveRegistrationRequest{
		PlayerID:    playerID,
		SeasonLabel: " Fall ",
		Year:        2026,
	})
	if key.EventID != DeriveEventID("fall", 2026) {
		t.Fatal("expected derived event id for request without explicit id")
	}
	if key.SeasonLabel != "Fall" {
		t.Fatalf("expected trimmed season label, got %q", key.SeasonLabel)
	}
}

func TestResolveIdentityKey_NilUUIDTreatedAsAbsent(t *testing.T) {
	nilID := uuid.Nil
	key := ResolveIdentityKey(domain.ReserveRegistrationRequest{
		PlayerID:    uuid.New(),
		SeasonLabel: "spring",
		Year:        2027,
		EventID:     &nilID,
	})
	if key.EventID != DeriveEventID("spring", 2027) {
		t.Fatal("expected nil explicit id to fall back to derived id")
	}
}
