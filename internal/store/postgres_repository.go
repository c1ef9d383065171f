/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for guardians, players, registration identity reservation, and
 * the payment intent journal. Payment commit and refund-ledger operations
 * live in postgres_repository_payment.go.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rosterhq/registration-service/internal/domain"
)

var (
	ErrGuardianNotFound       = errors.New("guardian not found")
	ErrPlayerNotFound         = errors.New("player not found")
	ErrRegistrationNotFound   = errors.New("registration not found")
	ErrDuplicateRegistration  = errors.New("registration already paid for this season")
	ErrRegistrationConflict   = errors.New("registration was paid by a concurrent charge")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrPaymentAlreadyRecorded = errors.New("payment already recorded for gateway payment id")
	ErrIntentNotFound         = errors.New("payment intent not found")
)

// PostgresRepository is a concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindGuardianIDByAuthSubject resolves the internal UUID from the identity
// provider's subject claim. Handlers accept subject ids from validated JWTs
// while the repositories continue to operate on UUIDs.
func (r *PostgresRepository) FindGuardianIDByAuthSubject(ctx context.Context, authSubject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM guardians WHERE auth_subject = $1", authSubject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrGuardianNotFound
		}
		return "", err
	}
	return id, nil
}

// FindGuardianByID retrieves a guardian from the database by their ID.
func (r *PostgresRepository) FindGuardianByID(ctx context.Context, guardianID uuid.UUID) (*domain.Guardian, error) {
	var guardian domain.Guardian
	query := `SELECT id, auth_subject, email, role, payment_complete, created_at, updated_at FROM guardians WHERE id = $1`
	err := r.db.QueryRow(ctx, query, guardianID).Scan(
		&guardian.ID, &guardian.AuthSubject, &guardian.Email, &guardian.Role,
		&guardian.PaymentComplete, &guardian.CreatedAt, &guardian.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGuardianNotFound
		}
		return nil, err
	}
	return &guardian, nil
}

// FindPlayerByID retrieves a player by their ID.
func (r *PostgresRepository) FindPlayerByID(ctx context.Context, playerID uuid.UUID) (*domain.Player, error) {
	var player domain.Player
	query := `SELECT id, guardian_id, first_name, last_name, birth_date, COALESCE(school, '') AS school, created_at, updated_at FROM players WHERE id = $1`
	err := r.db.QueryRow(ctx, query, playerID).Scan(
		&player.ID, &player.GuardianID, &player.FirstName, &player.LastName,
		&player.BirthDate, &player.School, &player.CreatedAt, &player.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlayerNotFound
		}
		return nil, err
	}
	return &player, nil
}

// FindSeasonRegistrationsByPlayerID retrieves a player's registration history,
// oldest first.
func (r *PostgresRepository) FindSeasonRegistrationsByPlayerID(ctx context.Context, playerID uuid.UUID) ([]domain.SeasonRegistration, error) {
	query := `
		SELECT id, player_id, season_label, year, event_id, payment_status, amount_paid,
		       card_brand, card_last4, payment_id, created_at, updated_at
		FROM season_registrations
		WHERE player_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seasons []domain.SeasonRegistration
	for rows.Next() {
		var sr domain.SeasonRegistration
		err := rows.Scan(
			&sr.ID, &sr.PlayerID, &sr.SeasonLabel, &sr.Year, &sr.EventID, &sr.PaymentStatus,
			&sr.AmountPaid, &sr.CardBrand, &sr.CardLast4, &sr.PaymentID, &sr.CreatedAt, &sr.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		seasons = append(seasons, sr)
	}
	return seasons, rows.Err()
}

const registrationColumns = `
	id, player_id, guardian_id, season_registration_id, season_label, year, event_id,
	status, payment_id, superseded, created_at, updated_at
`

func scanRegistration(row pgx.Row) (*domain.Registration, error) {
	var reg domain.Registration
	err := row.Scan(
		&reg.ID, &reg.PlayerID, &reg.GuardianID, &reg.SeasonRegistrationID,
		&reg.SeasonLabel, &reg.Year, &reg.EventID, &reg.Status, &reg.PaymentID,
		&reg.Superseded, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindRegistrationByID retrieves a registration row by its ID.
func (r *PostgresRepository) FindRegistrationByID(ctx context.Context, registrationID uuid.UUID) (*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	reg, err := scanRegistration(r.db.QueryRow(ctx, query, registrationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	return reg, nil
}

// FindRegistrationByKey retrieves the active registration row for an identity
// key, if one exists.
func (r *PostgresRepository) FindRegistrationByKey(ctx context.Context, key domain.IdentityKey) (*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations
		WHERE player_id = $1 AND season_label = $2 AND year = $3 AND event_id = $4 AND NOT superseded`
	reg, err := scanRegistration(r.db.QueryRow(ctx, query, key.PlayerID, key.SeasonLabel, key.Year, key.EventID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	return reg, nil
}

// ListRegistrationsByGuardianID retrieves all active registration rows owned
// by a guardian, newest first.
func (r *PostgresRepository) ListRegistrationsByGuardianID(ctx context.Context, guardianID uuid.UUID) ([]domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations
		WHERE guardian_id = $1 AND NOT superseded
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, guardianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

// ReserveRegistration inserts-or-reuses the registration pair for an identity
// key inside one transaction. A key whose active row is already paid fails
// with ErrDuplicateRegistration; a pending or failed row is reset to pending
// and reused so re-attempts never fork a duplicate. The partial unique index
// on (player_id, season_label, year, event_id) WHERE NOT superseded backs
// this up against concurrent reservations: the loser of an insert race
// retries once and lands on the reuse path.
func (r *PostgresRepository) ReserveRegistration(ctx context.Context, key domain.IdentityKey, guardianID uuid.UUID) (*domain.Registration, error) {
	for attempt := 0; attempt < 2; attempt++ {
		reg, err := r.reserveRegistrationOnce(ctx, key, guardianID)
		if err == nil {
			return reg, nil
		}
		if isUniqueViolation(err) && attempt == 0 {
			continue
		}
		return nil, err
	}
	return nil, ErrRegistrationConflict
}

func (r *PostgresRepository) reserveRegistrationOnce(ctx context.Context, key domain.IdentityKey, guardianID uuid.UUID) (*domain.Registration, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	selectQuery := `SELECT ` + registrationColumns + ` FROM registrations
		WHERE player_id = $1 AND season_label = $2 AND year = $3 AND event_id = $4 AND NOT superseded
		FOR UPDATE`
	existing, err := scanRegistration(tx.QueryRow(ctx, selectQuery, key.PlayerID, key.SeasonLabel, key.Year, key.EventID))
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	if existing != nil {
		if existing.Status == domain.RegistrationPaid {
			return nil, ErrDuplicateRegistration
		}
		// Idempotent re-attempt: reset the prior row, never duplicate it.
		if _, err := tx.Exec(ctx,
			`UPDATE registrations SET status = $2, updated_at = NOW() WHERE id = $1`,
			existing.ID, domain.RegistrationPending,
		); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE season_registrations SET payment_status = $2, updated_at = NOW() WHERE id = $1`,
			existing.SeasonRegistrationID, domain.RegistrationPending,
		); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		existing.Status = domain.RegistrationPending
		return existing, nil
	}

	now := time.Now().UTC()
	seasonRegID := uuid.New()
	regID := uuid.New()

	if _, err := tx.Exec(ctx, `
		INSERT INTO season_registrations (id, player_id, season_label, year, event_id, payment_status, amount_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		seasonRegID, key.PlayerID, key.SeasonLabel, key.Year, key.EventID, domain.RegistrationPending, now,
	); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO registrations (id, player_id, guardian_id, season_registration_id, season_label, year, event_id, status, superseded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $9)`,
		regID, key.PlayerID, guardianID, seasonRegID, key.SeasonLabel, key.Year, key.EventID, domain.RegistrationPending, now,
	); err != nil {
		return nil, err
	}

	// Reserving a new key may leave the guardian with an unpaid registration.
	if _, err := tx.Exec(ctx, guardianRecomputeQuery, guardianID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.Registration{
		ID:                   regID,
		PlayerID:             key.PlayerID,
		GuardianID:           guardianID,
		SeasonRegistrationID: seasonRegID,
		SeasonLabel:          key.SeasonLabel,
		Year:                 key.Year,
		EventID:              key.EventID,
		Status:               domain.RegistrationPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// CreatePaymentIntent journals a charge attempt before the gateway call.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_intents (id, idempotency_key, guardian_id, buyer_email, amount, currency, registration_ids, card_brand, card_last4, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		intent.ID, intent.IdempotencyKey, intent.GuardianID, intent.BuyerEmail, intent.Amount,
		intent.Currency, intent.RegistrationIDs, intent.CardBrand, intent.CardLast4, intent.Status,
	)
	return err
}

// ListStalePaymentIntents returns pending intents older than the cutoff, the
// candidates for orphan recovery.
func (r *PostgresRepository) ListStalePaymentIntents(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, idempotency_key, guardian_id, buyer_email, amount, currency, registration_ids, card_brand, card_last4, status, created_at, updated_at
		FROM payment_intents
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.IntentPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		var intent domain.PaymentIntent
		err := rows.Scan(
			&intent.ID, &intent.IdempotencyKey, &intent.GuardianID, &intent.BuyerEmail,
			&intent.Amount, &intent.Currency, &intent.RegistrationIDs, &intent.CardBrand,
			&intent.CardLast4, &intent.Status, &intent.CreatedAt, &intent.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// UpdatePaymentIntentStatus transitions an intent in the journal.
func (r *PostgresRepository) UpdatePaymentIntentStatus(ctx context.Context, intentID uuid.UUID, status string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = NOW() WHERE id = $1`,
		intentID, status,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}
