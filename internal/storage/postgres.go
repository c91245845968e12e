// PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for pets, location reports and notifications.
type postgres struct {
	db   *pgxpool.Pool // Connection pool to PostgreSQL database
	emit emitter
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//   - pub: Change feed for notification inserts (may be nil)
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string, pub feed.Publisher) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return instrument(&postgres{db: pool, emit: newEmitter(pub)}), nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Registered pets
		CREATE TABLE IF NOT EXISTS pets (
		    id TEXT PRIMARY KEY,
		    owner_id TEXT NOT NULL,
		    name TEXT NOT NULL,
		    species TEXT NOT NULL,
		    breed TEXT NOT NULL DEFAULT '',
		    description TEXT NOT NULL DEFAULT '',
		    photo_url TEXT NOT NULL DEFAULT '',
		    code TEXT NOT NULL UNIQUE,                 -- Scannable public code
		    status TEXT NOT NULL DEFAULT 'normal' CHECK (status IN ('normal', 'lost', 'found')),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_pets_owner ON pets(owner_id, created_at);

		-- Finder sightings
		CREATE TABLE IF NOT EXISTS location_reports (
		    id TEXT PRIMARY KEY,
		    pet_id TEXT NOT NULL REFERENCES pets(id) ON DELETE CASCADE,
		    latitude DOUBLE PRECISION NOT NULL,
		    longitude DOUBLE PRECISION NOT NULL,
		    accuracy DOUBLE PRECISION,
		    address TEXT,
		    reported_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'verified', 'dismissed'))
		);
		CREATE INDEX IF NOT EXISTS idx_reports_pet_reported_at ON location_reports(pet_id, reported_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_pet_status ON location_reports(pet_id, status);

		-- Per-user notifications
		CREATE TABLE IF NOT EXISTS notifications (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    type TEXT NOT NULL DEFAULT 'general',
		    title TEXT NOT NULL,
		    message TEXT NOT NULL,
		    read BOOLEAN NOT NULL DEFAULT FALSE,
		    location_report_id TEXT REFERENCES location_reports(id) ON DELETE SET NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_created_at ON notifications(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE NOT read;
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ownerOf returns the owner of a pet, or ErrNotFound.
func (p *postgres) ownerOf(ctx context.Context, q pgxQuerier, petID string) (string, error) {
	var ownerID string
	err := q.QueryRow(ctx, `SELECT owner_id FROM pets WHERE id = $1`, petID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get pet owner: %w", err)
	}
	return ownerID, nil
}

// checkOwner maps a pet's ownership to ErrNotFound / ErrForbidden.
func (p *postgres) checkOwner(ctx context.Context, q pgxQuerier, ownerID, petID string) error {
	actual, err := p.ownerOf(ctx, q, petID)
	if err != nil {
		return err
	}
	if actual != ownerID {
		return ErrForbidden
	}
	return nil
}

// pgxQuerier is satisfied by both the pool and a transaction.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const petColumns = `id, owner_id, name, species, breed, description, photo_url, code, status, created_at, updated_at`

func scanPet(row pgx.Row) (*model.Pet, error) {
	var pet model.Pet
	err := row.Scan(&pet.ID, &pet.OwnerID, &pet.Name, &pet.Species, &pet.Breed, &pet.Description,
		&pet.PhotoURL, &pet.Code, &pet.Status, &pet.CreatedAt, &pet.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pet, nil
}

// CreatePet inserts a new pet
func (p *postgres) CreatePet(ctx context.Context, pet model.Pet) error {
	query := `INSERT INTO pets (` + petColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := p.db.Exec(ctx, query, pet.ID, pet.OwnerID, pet.Name, pet.Species, pet.Breed,
		pet.Description, pet.PhotoURL, pet.Code, pet.Status, pet.CreatedAt, pet.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create pet: %w", err)
	}
	return nil
}

// GetPet retrieves a pet by ID
func (p *postgres) GetPet(ctx context.Context, petID string) (*model.Pet, error) {
	pet, err := scanPet(p.db.QueryRow(ctx, `SELECT `+petColumns+` FROM pets WHERE id = $1`, petID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get pet: %w", err)
	}
	return pet, err
}

// GetPetByCode resolves a scanned public code
func (p *postgres) GetPetByCode(ctx context.Context, code string) (*model.Pet, error) {
	pet, err := scanPet(p.db.QueryRow(ctx, `SELECT `+petColumns+` FROM pets WHERE code = $1`, code))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get pet by code: %w", err)
	}
	return pet, err
}

// ListPetsByOwner lists the pets a user owns, oldest first
func (p *postgres) ListPetsByOwner(ctx context.Context, ownerID string) ([]model.Pet, error) {
	rows, err := p.db.Query(ctx, `SELECT `+petColumns+` FROM pets WHERE owner_id = $1 ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pets: %w", err)
	}
	defer rows.Close()

	pets := make([]model.Pet, 0)
	for rows.Next() {
		pet, err := scanPet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pet: %w", err)
		}
		pets = append(pets, *pet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pets: %w", err)
	}
	return pets, nil
}

// UpdatePetStatus sets a pet's status when ownerID owns it
func (p *postgres) UpdatePetStatus(ctx context.Context, ownerID, petID string, status model.PetStatus) (*model.Pet, error) {
	query := `UPDATE pets SET status = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4 RETURNING ` + petColumns
	pet, err := scanPet(p.db.QueryRow(ctx, query, status, time.Now().UTC(), petID, ownerID))
	if err == nil {
		return pet, nil
	}
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing pet from someone else's
		if ownerErr := p.checkOwner(ctx, p.db, ownerID, petID); ownerErr != nil {
			return nil, ownerErr
		}
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("failed to update pet status: %w", err)
}

// SetPetPhoto records the public URL of an uploaded photo
func (p *postgres) SetPetPhoto(ctx context.Context, ownerID, petID, photoURL string) error {
	if err := p.checkOwner(ctx, p.db, ownerID, petID); err != nil {
		return err
	}
	_, err := p.db.Exec(ctx, `UPDATE pets SET photo_url = $1, updated_at = $2 WHERE id = $3`, photoURL, time.Now().UTC(), petID)
	if err != nil {
		return fmt.Errorf("failed to set pet photo: %w", err)
	}
	return nil
}

const reportColumns = `id, pet_id, latitude, longitude, accuracy, address, reported_at, status`

func scanReport(row pgx.Row) (*model.LocationReport, error) {
	var r model.LocationReport
	err := row.Scan(&r.ID, &r.PetID, &r.Latitude, &r.Longitude, &r.Accuracy, &r.Address, &r.ReportedAt, &r.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func collectReports(rows pgx.Rows) ([]model.LocationReport, error) {
	defer rows.Close()
	reports := make([]model.LocationReport, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

// CreateReport inserts a pending report and the owner's notification in one transaction
func (p *postgres) CreateReport(ctx context.Context, report model.LocationReport) (*model.LocationReport, error) {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}
	report.Status = model.ReportStatusPending

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pet, err := scanPet(tx.QueryRow(ctx, `SELECT `+petColumns+` FROM pets WHERE id = $1`, report.PetID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pet: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO location_reports (`+reportColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		report.ID, report.PetID, report.Latitude, report.Longitude, report.Accuracy, report.Address, report.ReportedAt, report.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	n := model.NewReportNotification(uuid.New().String(), *pet, report)
	if err := insertNotification(ctx, tx, n); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit report: %w", err)
	}

	p.emit.notificationInserted(ctx, n)
	return &report, nil
}

// ListReportsByPet lists a pet's reports newest first
func (p *postgres) ListReportsByPet(ctx context.Context, ownerID, petID string) ([]model.LocationReport, error) {
	if err := p.checkOwner(ctx, p.db, ownerID, petID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `SELECT `+reportColumns+` FROM location_reports WHERE pet_id = $1 ORDER BY reported_at DESC, id ASC`, petID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return collectReports(rows)
}

// ListReportsByPets lists the reports of several pets newest first
func (p *postgres) ListReportsByPets(ctx context.Context, petIDs []string) ([]model.LocationReport, error) {
	if len(petIDs) == 0 {
		return []model.LocationReport{}, nil
	}
	rows, err := p.db.Query(ctx, `SELECT `+reportColumns+` FROM location_reports WHERE pet_id = ANY($1) ORDER BY reported_at DESC, id ASC`, petIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return collectReports(rows)
}

// UpdateReportStatus sets a report's status when ownerID owns its pet
func (p *postgres) UpdateReportStatus(ctx context.Context, ownerID, reportID string, status model.ReportStatus) (*model.LocationReport, error) {
	query := `UPDATE location_reports r SET status = $1
	          FROM pets p
	          WHERE r.id = $2 AND p.id = r.pet_id AND p.owner_id = $3
	          RETURNING r.id, r.pet_id, r.latitude, r.longitude, r.accuracy, r.address, r.reported_at, r.status`
	report, err := scanReport(p.db.QueryRow(ctx, query, status, reportID, ownerID))
	if err == nil {
		return report, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, p.reportAccessError(ctx, ownerID, reportID)
	}
	return nil, fmt.Errorf("failed to update report status: %w", err)
}

// reportAccessError explains why an owner-scoped report mutation matched nothing.
func (p *postgres) reportAccessError(ctx context.Context, ownerID, reportID string) error {
	var petID string
	err := p.db.QueryRow(ctx, `SELECT pet_id FROM location_reports WHERE id = $1`, reportID).Scan(&petID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get report: %w", err)
	}
	if err := p.checkOwner(ctx, p.db, ownerID, petID); err != nil {
		return err
	}
	return ErrNotFound
}

// DismissPendingReports archives a pet's pending reports in a single statement
func (p *postgres) DismissPendingReports(ctx context.Context, ownerID, petID string) (int, error) {
	if err := p.checkOwner(ctx, p.db, ownerID, petID); err != nil {
		return 0, err
	}
	tag, err := p.db.Exec(ctx, `UPDATE location_reports SET status = $1 WHERE pet_id = $2 AND status = $3`,
		model.ReportStatusDismissed, petID, model.ReportStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to dismiss pending reports: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteReport hard-deletes a report when ownerID owns its pet
func (p *postgres) DeleteReport(ctx context.Context, ownerID, reportID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM location_reports r USING pets p
	                            WHERE r.id = $1 AND p.id = r.pet_id AND p.owner_id = $2`, reportID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deletedAlready(p.reportAccessError(ctx, ownerID, reportID))
	}
	return nil
}

// deletedAlready treats a missing row as a completed delete.
func deletedAlready(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CountReportsByStatus counts a pet's reports in one status
func (p *postgres) CountReportsByStatus(ctx context.Context, ownerID, petID string, status model.ReportStatus) (int, error) {
	if err := p.checkOwner(ctx, p.db, ownerID, petID); err != nil {
		return 0, err
	}
	var count int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM location_reports WHERE pet_id = $1 AND status = $2`, petID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return count, nil
}

const notificationColumns = `id, user_id, type, title, message, read, location_report_id, created_at`

// pgxExecer is satisfied by both the pool and a transaction.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertNotification(ctx context.Context, db pgxExecer, n model.Notification) error {
	_, err := db.Exec(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, n.LocationReportID, n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// CreateNotification inserts a notification and emits it on the feed
func (p *postgres) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := insertNotification(ctx, p.db, n); err != nil {
		return err
	}
	p.emit.notificationInserted(ctx, n)
	return nil
}

// ListNotifications lists a user's notifications newest first
func (p *postgres) ListNotifications(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if onlyUnread {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT $2`

	rows, err := p.db.Query(ctx, query, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	list := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.LocationReportID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return list, nil
}

// CountUnread counts a user's unread notifications
func (p *postgres) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// notificationAccessError explains why an owner-scoped notification mutation matched nothing.
func (p *postgres) notificationAccessError(ctx context.Context, userID, notificationID string) error {
	var recipient string
	err := p.db.QueryRow(ctx, `SELECT user_id FROM notifications WHERE id = $1`, notificationID).Scan(&recipient)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get notification: %w", err)
	}
	if recipient != userID {
		return ErrForbidden
	}
	return ErrNotFound
}

// MarkNotificationRead marks a notification read; already read rows still match
func (p *postgres) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	tag, err := p.db.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.notificationAccessError(ctx, userID, notificationID)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of a user read
func (p *postgres) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	tag, err := p.db.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteNotification deletes one of a user's notifications
func (p *postgres) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM notifications WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deletedAlready(p.notificationAccessError(ctx, userID, notificationID))
	}
	return nil
}

// DeleteReadNotifications deletes every read notification of a user
func (p *postgres) DeleteReadNotifications(ctx context.Context, userID string) (int, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1 AND read`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete read notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
