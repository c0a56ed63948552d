package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"first100/api/internal/config"
	"first100/api/internal/search"
	"first100/api/internal/slug"
	"first100/api/internal/store"
	"first100/api/internal/token"
	"first100/api/internal/util"
)

type SubmitListingInput struct {
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Stage           string   `json:"stage"`
	LookingForCount int      `json:"lookingForCount"`
	FounderEmail    string   `json:"founderEmail"`
	Interests       []string `json:"interests"`
	// Managed submissions start in pending and go through concierge review;
	// the default self-serve flow opens voting immediately.
	Managed bool `json:"managed"`
}

type RegisterAdopterInput struct {
	Email     string   `json:"email"`
	Interests []string `json:"interests"`
}

// slug allocation re-probes after a persist conflict; more retries than this
// means the store and the allocator disagree about something fundamental.
const maxSlugRetries = 5

type dataStore interface {
	InsertListing(context.Context, store.Listing) error
	GetListing(context.Context, string) (store.Listing, error)
	GetListingBySlug(context.Context, string) (store.Listing, error)
	GetListingByTokenHash(context.Context, string) (store.Listing, error)
	SlugExists(context.Context, string) (bool, error)
	ListListingsByFounder(context.Context, string) ([]store.Listing, error)
	SetListingLogoKey(context.Context, string, string) error
	DeleteListing(context.Context, string) error
	InsertVote(context.Context, string, string) (bool, error)
	CountVotes(context.Context, string) (int, error)
	MarkApproved(context.Context, string) (bool, error)
	MarkActive(context.Context, string) (bool, error)
	MarkPaused(context.Context, string) (bool, error)
	UpsertEarlyAdopter(context.Context, store.EarlyAdopter) error
	GetEarlyAdopter(context.Context, string) (store.EarlyAdopter, error)
	ListAdoptersByInterest(context.Context, string) ([]store.EarlyAdopter, error)
	VotingBoard(context.Context) ([]store.BoardListing, error)
	RecordPaymentEvent(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexListing(search.ListingRecord)
	DeleteListing(id string)
}

type mailer interface {
	SendWelcomeEmail(to, listingName, portalURL string) error
	SendApprovedEmail(to, listingName string, voteCount int, portalURL string) error
}

type logoStore interface {
	UploadLogo(ctx context.Context, listingID, contentType string, r io.Reader, size int64) (string, error)
	DeleteLogo(ctx context.Context, key string) error
}

type paymentDedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	FirstDelivery(ctx context.Context, eventID, listingID string) (bool, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searchIndex
	email  mailer
	media  logoStore
	dedup  paymentDedup
}

type Option func(*Service)

// WithSearch wires the search facade. Listings are indexed fire-and-forget.
func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

// WithMailer wires founder notification email.
func WithMailer(m mailer) Option {
	return func(s *Service) {
		if m != nil {
			s.email = m
		}
	}
}

// WithMedia wires logo object storage.
func WithMedia(m logoStore) Option {
	return func(s *Service) {
		if m != nil {
			s.media = m
		}
	}
}

// WithPaymentDedup wires the fast-path payment-event idempotency store. The
// payment_events table remains the authoritative record either way.
func WithPaymentDedup(d paymentDedup) Option {
	return func(s *Service) {
		if d != nil {
			s.dedup = d
		}
	}
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts ...Option) *Service {
	s := &Service{cfg: cfg, store: dataStore}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SubmitListing creates the founder's adopter row, allocates a slug, issues
// the portal access token, and persists the listing. The plaintext token is
// returned exactly once here; only its digest is stored.
func (s *Service) SubmitListing(ctx context.Context, input SubmitListingInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	founderEmail := normalizeEmail(input.FounderEmail)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if founderEmail == "" || !strings.Contains(founderEmail, "@") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "founderEmail must be a valid email", nil)
	}

	if err := s.store.UpsertEarlyAdopter(ctx, store.EarlyAdopter{
		Email:     founderEmail,
		Interests: input.Interests,
		Verified:  true,
	}); err != nil {
		return nil, err
	}

	status := store.StatusVoting
	if input.Managed {
		status = store.StatusPending
	}

	accessToken := token.New()
	listing := store.Listing{
		ID:              util.NewID("lst"),
		Name:            name,
		Category:        strings.TrimSpace(input.Category),
		Stage:           strings.TrimSpace(input.Stage),
		LookingForCount: input.LookingForCount,
		Status:          status,
		AccessTokenHash: token.Hash(accessToken),
		FounderEmail:    founderEmail,
	}

	// The allocator's existence probe and the insert race against concurrent
	// submissions with the same name; the slug uniqueness constraint is the
	// authoritative guard, and a conflict means "re-probe and try again".
	var insertErr error
	for attempt := 0; attempt < maxSlugRetries; attempt++ {
		allocated, err := slug.Allocate(ctx, name, s.store.SlugExists)
		if err != nil {
			return nil, err
		}
		listing.Slug = allocated
		insertErr = s.store.InsertListing(ctx, listing)
		if !errors.Is(insertErr, store.ErrConflict) {
			break
		}
	}
	if insertErr != nil {
		return nil, insertErr
	}

	portalURL := s.portalURL(accessToken)
	if s.email != nil {
		go func() {
			if err := s.email.SendWelcomeEmail(founderEmail, listing.Name, portalURL); err != nil {
				log.Printf("email: welcome for listing %s: %v", listing.ID, err)
			}
		}()
	}
	if s.search != nil && status == store.StatusVoting {
		s.search.IndexListing(listingRecord(listing))
	}

	return map[string]any{
		"id":          listing.ID,
		"slug":        listing.Slug,
		"status":      listing.Status,
		"accessToken": accessToken,
		"portalUrl":   portalURL,
	}, nil
}

// RegisterAdopter records a voter identity. Repeat registration for the same
// email is a no-op; interests are not mutated after creation.
func (s *Service) RegisterAdopter(ctx context.Context, input RegisterAdopterInput) (map[string]any, error) {
	email := normalizeEmail(input.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email must be a valid email", nil)
	}
	if err := s.store.UpsertEarlyAdopter(ctx, store.EarlyAdopter{
		Email:     email,
		Interests: input.Interests,
		Verified:  true,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "email": email}, nil
}

// CastVote records one vote per (listing, voter) pair and re-evaluates the
// approval threshold against the authoritative ledger count. A repeat vote is
// an accepted no-op that still reports the current count.
func (s *Service) CastVote(ctx context.Context, listingID, voterEmail string) (map[string]any, error) {
	voterEmail = normalizeEmail(voterEmail)
	if voterEmail == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "voterEmail is required", nil)
	}

	listing, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}
	if err != nil {
		return nil, err
	}

	adopter, err := s.store.GetEarlyAdopter(ctx, voterEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusForbidden, "NOT_ELIGIBLE", "Voter is not a registered early adopter", nil)
	}
	if err != nil {
		return nil, err
	}
	if !adopter.Verified {
		return nil, domainError(http.StatusForbidden, "NOT_ELIGIBLE", "Voter is not a verified early adopter", nil)
	}

	if listing.Status != store.StatusVoting {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Voting is closed for this listing", map[string]any{
			"status": listing.Status,
		})
	}

	inserted, err := s.store.InsertVote(ctx, listing.ID, voterEmail)
	if err != nil {
		return nil, err
	}

	count, err := s.store.CountVotes(ctx, listing.ID)
	if err != nil {
		return nil, err
	}

	status := listing.Status
	if count >= s.cfg.VoteThreshold {
		flipped, err := s.store.MarkApproved(ctx, listing.ID)
		if err != nil {
			// The vote itself succeeded; the status flip is retried by the
			// next threshold-crossing vote.
			log.Printf("lifecycle: approve listing %s deferred: %v", listing.ID, err)
		}
		if flipped {
			status = store.StatusApproved
			log.Printf("lifecycle: listing %s approved at %d votes", listing.ID, count)
			if s.email != nil {
				founderEmail, listingName := listing.FounderEmail, listing.Name
				go func() {
					if err := s.email.SendApprovedEmail(founderEmail, listingName, count, s.cfg.PortalBaseURL); err != nil {
						log.Printf("email: approved for listing %s: %v", listingID, err)
					}
				}()
			}
			if s.search != nil {
				listing.Status = status
				s.search.IndexListing(listingRecord(listing))
			}
		} else if err == nil {
			// Another caller performed the transition; observe it.
			if current, err := s.store.GetListing(ctx, listing.ID); err == nil {
				status = current.Status
			}
		}
	}

	return map[string]any{
		"accepted":     inserted,
		"alreadyVoted": !inserted,
		"voteCount":    count,
		"status":       status,
	}, nil
}

// ConfirmPayment applies the instant-approval payment trigger. The event id
// is the idempotency key: replays are acknowledged as duplicates, but the
// activation CAS still runs on them so a flip deferred by a store error on an
// earlier delivery is recovered.
func (s *Service) ConfirmPayment(ctx context.Context, eventID, listingID string) (map[string]any, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "eventId is required", nil)
	}

	listing, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}
	if err != nil {
		return nil, err
	}

	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, eventID)
		if err != nil {
			// Redis outage must not block payments; the payment_events table
			// below still dedupes.
			log.Printf("dedup: %v", err)
		} else if seen {
			// The activation CAS runs on replays too, so a flip deferred by a
			// store error on the first delivery heals here.
			status := s.activateByPayment(ctx, listing, eventID)
			return map[string]any{"ok": true, "duplicate": true, "status": status}, nil
		}
	}

	first, err := s.store.RecordPaymentEvent(ctx, eventID, listingID)
	if err != nil {
		return nil, err
	}
	if first && s.dedup != nil {
		// The fast-path key is claimed only once the ledger row exists; a
		// crash between the two must not suppress the event until the key
		// expires.
		if _, err := s.dedup.FirstDelivery(ctx, eventID, listingID); err != nil {
			log.Printf("dedup: %v", err)
		}
	}

	status := s.activateByPayment(ctx, listing, eventID)
	return map[string]any{"ok": true, "duplicate": !first, "status": status}, nil
}

// activateByPayment applies the payment activation CAS and returns the
// resulting status. The CAS is idempotent, so it is safe to run on every
// delivery of an event; a store error defers the flip to the next one.
func (s *Service) activateByPayment(ctx context.Context, listing store.Listing, eventID string) string {
	activated, err := s.store.MarkActive(ctx, listing.ID)
	if err != nil {
		log.Printf("lifecycle: activate listing %s deferred: %v", listing.ID, err)
		return listing.Status
	}
	if !activated {
		return listing.Status
	}
	log.Printf("lifecycle: listing %s activated by payment event %s", listing.ID, eventID)
	if s.search != nil {
		listing.Status = store.StatusActive
		s.search.IndexListing(listingRecord(listing))
	}
	return store.StatusActive
}

// AuthorizePortal resolves a portal access token to the owning founder's
// listings. Lookup is by token digest, so no comparison oracle exists; any
// mismatch is the same generic denial.
func (s *Service) AuthorizePortal(ctx context.Context, rawToken string) (map[string]any, error) {
	listing, err := s.authorize(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	owned, err := s.store.ListListingsByFounder(ctx, listing.FounderEmail)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(owned))
	for _, item := range owned {
		count, err := s.store.CountVotes(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		payload := publicListing(item)
		payload["voteCount"] = count
		payload["current"] = item.ID == listing.ID
		items = append(items, payload)
	}

	return map[string]any{"listings": items}, nil
}

// PortalMatches returns the early adopters whose interests contain the
// listing category, computed fresh on every call. Listings that are not yet
// approved or active get an empty placeholder instead of the adopter list.
func (s *Service) PortalMatches(ctx context.Context, rawToken string) (map[string]any, error) {
	listing, err := s.authorize(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	if listing.Status != store.StatusApproved && listing.Status != store.StatusActive {
		return map[string]any{
			"visible": false,
			"status":  listing.Status,
			"matches": []map[string]any{},
		}, nil
	}

	adopters, err := s.store.ListAdoptersByInterest(ctx, listing.Category)
	if err != nil {
		return nil, err
	}

	matches := make([]map[string]any, 0, len(adopters))
	for _, adopter := range adopters {
		if adopter.Email == listing.FounderEmail {
			continue
		}
		matches = append(matches, map[string]any{
			"email":     adopter.Email,
			"interests": adopter.Interests,
		})
	}

	return map[string]any{
		"visible": true,
		"status":  listing.Status,
		"matches": matches,
	}, nil
}

// UploadLogo stores a logo for the token holder's listing.
func (s *Service) UploadLogo(ctx context.Context, rawToken, contentType string, r io.Reader, size int64) (map[string]any, error) {
	listing, err := s.authorize(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Logo storage is not configured", nil)
	}

	key, err := s.media.UploadLogo(ctx, listing.ID, contentType, r, size)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Logo upload failed: unsupported or unreadable image", nil)
	}
	if err := s.store.SetListingLogoKey(ctx, listing.ID, key); err != nil {
		return nil, err
	}
	return map[string]any{"logoKey": key}, nil
}

func (s *Service) authorize(ctx context.Context, rawToken string) (store.Listing, error) {
	denied := domainError(http.StatusForbidden, "DENIED", "Access denied", nil)
	if strings.TrimSpace(rawToken) == "" {
		return store.Listing{}, denied
	}
	listing, err := s.store.GetListingByTokenHash(ctx, token.Hash(rawToken))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Listing{}, denied
	}
	if err != nil {
		return store.Listing{}, err
	}
	return listing, nil
}

// PublicBoard returns voting listings ordered by vote count descending.
func (s *Service) PublicBoard(ctx context.Context) (map[string]any, error) {
	board, err := s.store.VotingBoard(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(board))
	for _, entry := range board {
		payload := publicListing(entry.Listing)
		payload["voteCount"] = entry.VoteCount
		items = append(items, payload)
	}
	return map[string]any{"listings": items}, nil
}

// PublicListing returns a single listing by slug. Pending and paused listings
// are not public.
func (s *Service) PublicListing(ctx context.Context, slugValue string) (map[string]any, error) {
	listing, err := s.store.GetListingBySlug(ctx, slugValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if listing.Status == store.StatusPending || listing.Status == store.StatusPaused {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}

	count, err := s.store.CountVotes(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	payload := publicListing(listing)
	payload["voteCount"] = count
	return map[string]any{"listing": payload}, nil
}

// PauseListing is the administrative override; it applies from any state.
func (s *Service) PauseListing(ctx context.Context, listingID string) (map[string]any, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}
	if err != nil {
		return nil, err
	}

	changed, err := s.store.MarkPaused(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if changed {
		log.Printf("lifecycle: listing %s paused (was %s)", listingID, listing.Status)
		if s.search != nil {
			s.search.DeleteListing(listingID)
		}
	}
	return map[string]any{"status": store.StatusPaused, "changed": changed}, nil
}

// DeleteListing removes a listing entirely. Vote rows go with it via the
// cascade; the search document and stored logo are cleaned up best-effort.
func (s *Service) DeleteListing(ctx context.Context, listingID string) (map[string]any, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Listing not found", nil)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteListing(ctx, listingID); err != nil {
		return nil, err
	}
	log.Printf("lifecycle: listing %s deleted (was %s)", listingID, listing.Status)

	if s.search != nil {
		s.search.DeleteListing(listingID)
	}
	if s.media != nil && listing.LogoKey != "" {
		if err := s.media.DeleteLogo(ctx, listing.LogoKey); err != nil {
			log.Printf("media: delete logo for listing %s: %v", listingID, err)
		}
	}
	return map[string]any{"ok": true}, nil
}

// SearchListings queries public listings.
func (s *Service) SearchListings(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) portalURL(accessToken string) string {
	return s.cfg.PortalBaseURL + "?token=" + url.QueryEscape(accessToken)
}

// publicListing shapes a listing for responses that cross the trust boundary.
// The token digest and founder contact never leave the service.
func publicListing(listing store.Listing) map[string]any {
	return map[string]any{
		"id":              listing.ID,
		"slug":            listing.Slug,
		"name":            listing.Name,
		"category":        listing.Category,
		"stage":           listing.Stage,
		"lookingForCount": listing.LookingForCount,
		"status":          listing.Status,
		"logoKey":         listing.LogoKey,
		"createdAt":       listing.CreatedAt,
	}
}

func listingRecord(listing store.Listing) search.ListingRecord {
	return search.ListingRecord{
		ID:       listing.ID,
		Slug:     listing.Slug,
		Name:     listing.Name,
		Category: listing.Category,
		Stage:    listing.Stage,
		Status:   listing.Status,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
