package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict reports a uniqueness violation (slug or vote already taken).
// Callers recover from it internally; it is never surfaced to API clients.
var ErrConflict = errors.New("store: uniqueness conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) InsertListing(ctx context.Context, listing Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, slug, name, category, stage, looking_for_count, status, access_token_hash, founder_email)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
	`, listing.ID, listing.Slug, listing.Name, listing.Category, listing.Stage, listing.LookingForCount, listing.Status, listing.AccessTokenHash, listing.FounderEmail)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

const listingColumns = `id, COALESCE(slug, ''), name, category, stage, looking_for_count, status, access_token_hash, founder_email, logo_key, created_at, updated_at`

func scanListing(row *sql.Row) (Listing, error) {
	var item Listing
	err := row.Scan(
		&item.ID,
		&item.Slug,
		&item.Name,
		&item.Category,
		&item.Stage,
		&item.LookingForCount,
		&item.Status,
		&item.AccessTokenHash,
		&item.FounderEmail,
		&item.LogoKey,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, listingID string) (Listing, error) {
	return scanListing(s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE id=$1
	`, listingID))
}

func (s *PostgresStore) GetListingBySlug(ctx context.Context, slug string) (Listing, error) {
	return scanListing(s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE slug=$1
	`, slug))
}

// GetListingByTokenHash looks up the listing whose access token digest
// matches. The plaintext token never reaches the store.
func (s *PostgresStore) GetListingByTokenHash(ctx context.Context, tokenHash string) (Listing, error) {
	return scanListing(s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE access_token_hash=$1
	`, tokenHash))
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM listings WHERE slug=$1)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListListingsByFounder(ctx context.Context, founderEmail string) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE founder_email=$1
		ORDER BY created_at ASC
	`, founderEmail)
	if err != nil {
		return nil, fmt.Errorf("list founder listings: %w", err)
	}
	defer rows.Close()

	items := make([]Listing, 0)
	for rows.Next() {
		var item Listing
		if err := rows.Scan(
			&item.ID,
			&item.Slug,
			&item.Name,
			&item.Category,
			&item.Stage,
			&item.LookingForCount,
			&item.Status,
			&item.AccessTokenHash,
			&item.FounderEmail,
			&item.LogoKey,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteListing(ctx context.Context, listingID string) error {
	// Votes cascade with the listing row.
	_, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE id=$1`, listingID)
	if err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetListingLogoKey(ctx context.Context, listingID, logoKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings SET logo_key=$2, updated_at=NOW() WHERE id=$1
	`, listingID, logoKey)
	if err != nil {
		return fmt.Errorf("set listing logo: %w", err)
	}
	return nil
}

// InsertVote records a vote under the (listing_id, voter_email) uniqueness
// constraint. Returns false when the pair already voted; that is a no-op,
// not an error.
func (s *PostgresStore) InsertVote(ctx context.Context, listingID, voterEmail string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (listing_id, voter_email)
		VALUES ($1, $2)
		ON CONFLICT (listing_id, voter_email) DO NOTHING
	`, listingID, voterEmail)
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert vote rows: %w", err)
	}
	return affected > 0, nil
}

// CountVotes returns the authoritative vote count, always computed from the
// ledger rather than a materialized counter.
func (s *PostgresStore) CountVotes(ctx context.Context, listingID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE listing_id=$1`, listingID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return count, nil
}

// MarkApproved flips voting → approved. The status predicate makes the write
// compare-and-set: of N concurrent threshold-crossing votes, exactly one
// caller sees true.
func (s *PostgresStore) MarkApproved(ctx context.Context, listingID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET status='approved', updated_at=NOW()
		WHERE id=$1 AND status='voting'
	`, listingID)
	if err != nil {
		return false, fmt.Errorf("mark approved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark approved rows: %w", err)
	}
	return affected > 0, nil
}

// MarkActive flips a listing to active on confirmed payment. Paused listings
// stay paused; replays on an already-active listing match no rows and report
// false.
func (s *PostgresStore) MarkActive(ctx context.Context, listingID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET status='active', updated_at=NOW()
		WHERE id=$1 AND status IN ('pending', 'voting', 'approved')
	`, listingID)
	if err != nil {
		return false, fmt.Errorf("mark active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark active rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkPaused(ctx context.Context, listingID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET status='paused', updated_at=NOW()
		WHERE id=$1 AND status <> 'paused'
	`, listingID)
	if err != nil {
		return false, fmt.Errorf("mark paused: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paused rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpsertEarlyAdopter(ctx context.Context, adopter EarlyAdopter) error {
	interests := adopter.Interests
	if interests == nil {
		interests = []string{}
	}
	encoded, err := json.Marshal(interests)
	if err != nil {
		return fmt.Errorf("marshal interests: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO early_adopters (email, interests, verified)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (email) DO NOTHING
	`, adopter.Email, string(encoded), adopter.Verified)
	if err != nil {
		return fmt.Errorf("upsert early adopter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEarlyAdopter(ctx context.Context, email string) (EarlyAdopter, error) {
	var item EarlyAdopter
	var interestsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT email, interests, verified, created_at
		FROM early_adopters
		WHERE email=$1
	`, email).Scan(&item.Email, &interestsRaw, &item.Verified, &item.CreatedAt)
	if err != nil {
		return EarlyAdopter{}, err
	}
	_ = json.Unmarshal(interestsRaw, &item.Interests)
	return item, nil
}

// ListAdoptersByInterest returns verified early adopters whose declared
// interests include the category.
func (s *PostgresStore) ListAdoptersByInterest(ctx context.Context, category string) ([]EarlyAdopter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, interests, verified, created_at
		FROM early_adopters
		WHERE verified AND interests @> jsonb_build_array($1::text)
		ORDER BY created_at ASC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list adopters by interest: %w", err)
	}
	defer rows.Close()

	items := make([]EarlyAdopter, 0)
	for rows.Next() {
		var item EarlyAdopter
		var interestsRaw []byte
		if err := rows.Scan(&item.Email, &interestsRaw, &item.Verified, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan early adopter: %w", err)
		}
		_ = json.Unmarshal(interestsRaw, &item.Interests)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate early adopters: %w", err)
	}
	return items, nil
}

// VotingBoard returns listings open for voting ordered by vote count
// descending, for the public voting page.
func (s *PostgresStore) VotingBoard(ctx context.Context) ([]BoardListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, COALESCE(l.slug, ''), l.name, l.category, l.stage, l.looking_for_count,
			l.status, l.access_token_hash, l.founder_email, l.logo_key, l.created_at, l.updated_at,
			COUNT(v.voter_email)::int AS vote_count
		FROM listings l
		LEFT JOIN votes v ON v.listing_id = l.id
		WHERE l.status='voting'
		GROUP BY l.id
		ORDER BY vote_count DESC, l.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("voting board: %w", err)
	}
	defer rows.Close()

	items := make([]BoardListing, 0)
	for rows.Next() {
		var item BoardListing
		if err := rows.Scan(
			&item.ID,
			&item.Slug,
			&item.Name,
			&item.Category,
			&item.Stage,
			&item.LookingForCount,
			&item.Status,
			&item.AccessTokenHash,
			&item.FounderEmail,
			&item.LogoKey,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.VoteCount,
		); err != nil {
			return nil, fmt.Errorf("scan board listing: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board listings: %w", err)
	}
	return items, nil
}

// RecordPaymentEvent persists a payment event id. Returns false when the
// event was already recorded (duplicate webhook delivery).
func (s *PostgresStore) RecordPaymentEvent(ctx context.Context, eventID, listingID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (event_id, listing_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, listingID)
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record payment event rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
