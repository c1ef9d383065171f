/**
 * @description
 * Registration identity logic: the deterministic event id scheme and the
 * reservation use case. An event occurrence is identified by its season
 * label and year; when no explicit event id accompanies a registration
 * request, one is derived from that pair so every caller, on every host,
 * resolves the same occurrence to the same id.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
)

// eventNamespace is the fixed UUID namespace for derived event ids. Changing
// it would re-key every derived event, so it is a constant of the system.
var eventNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeriveEventID maps a (season label, year) pair to a stable event id. The
// label is case-folded and trimmed first so "Fall " and "fall" land on the
// same occurrence.
func DeriveEventID(seasonLabel string, year int) uuid.UUID {
	normalized := strings.ToLower(strings.TrimSpace(seasonLabel))
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s:%d", normalized, year)))
}

// ResolveIdentityKey builds the uniqueness key for a reservation request. An
// explicit event id always wins over the derived one.
func ResolveIdentityKey(req domain.ReserveRegistrationRequest) domain.IdentityKey {
	eventID := DeriveEventID(req.SeasonLabel, req.Year)
	if req.EventID != nil && *req.EventID != uuid.Nil {
		eventID = *req.EventID
	}
	return domain.IdentityKey{
		PlayerID:    req.PlayerID,
		SeasonLabel: strings.TrimSpace(req.SeasonLabel),
		Year:        req.Year,
		EventID:     eventID,
	}
}

// ReserveRegistration creates or reuses the registration pair for a player
// and season on behalf of a guardian. The guardian must own the player.
func (s *Service) ReserveRegistration(ctx context.Context, guardianID uuid.UUID, req domain.ReserveRegistrationRequest) (*domain.Registration, error) {
	if req.PlayerID == uuid.Nil || strings.TrimSpace(req.SeasonLabel) == "" || req.Year <= 0 {
		return nil, fmt.Errorf("%w: player id, season label and year are required", ErrInvalidRequest)
	}

	player, err := s.repo.FindPlayerByID(ctx, req.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find player: %w", err)
	}
	if player.GuardianID != guardianID {
		return nil, fmt.Errorf("%w: player does not belong to guardian", ErrInvalidRequest)
	}

	key := ResolveIdentityKey(req)
	reg, err := s.repo.ReserveRegistration(ctx, key, guardianID)
	if err != nil {
		return nil, err
	}

	guardian, err := s.repo.FindGuardianByID(ctx, guardianID)
	if err == nil {
		s.publishNotification(ctx, domain.NotificationEvent{
			TemplateKey:    domain.TemplateRegistrationReserved,
			RecipientEmail: guardian.Email,
			Context: map[string]interface{}{
				"player_name":  player.FirstName + " " + player.LastName,
				"season_label": key.SeasonLabel,
				"year":         key.Year,
			},
		})
	} else {
		log.Printf("level=warn component=app msg=\"skipping reservation notification\" guardian_id=%s error=%q", guardianID, err)
	}

	return reg, nil
}
