package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/ids"
)

// Store keeps attendance records in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ attendance.RecordStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const recordColumns = `id, user_email, user_name, user_role, task_id, task_name, check_in_time,
	latitude, longitude, address, face_image_url, face_match_confidence, location_accuracy,
	distance_from_task, status, verification_flags, device_info, reviewed_by, review_comments,
	reviewed_at, created_at, updated_at`

func (s *Store) Create(ctx context.Context, rec *attendance.Record) error {
	id := ids.NewAt(rec.CheckInTime)
	now := s.now().UTC()
	flags := rec.VerificationFlags
	if flags == nil {
		flags = []string{}
	}

	_, err := s.db.ExecContext(ctx, `
		insert into attendance_records (
			id, user_email, user_name, user_role, task_id, task_name, check_in_time,
			latitude, longitude, address, face_image_url, face_match_confidence, location_accuracy,
			distance_from_task, status, verification_flags, device_info, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
	`,
		id, rec.UserEmail, rec.UserName, string(rec.UserRole), nullString(rec.TaskID), nullString(rec.TaskName),
		rec.CheckInTime.UTC(), rec.Latitude, rec.Longitude, rec.Address, rec.FaceImageURL,
		rec.FaceMatchConfidence, rec.LocationAccuracy, nullInt(rec.DistanceFromTask), string(rec.Status),
		pq.StringArray(flags), rec.DeviceInfo, now,
	)
	if err != nil {
		return fmt.Errorf("insert attendance record: %w", err)
	}
	rec.ID = id
	rec.VerificationFlags = flags
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (attendance.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+recordColumns+` from attendance_records where id=$1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return rec, err
}

func (s *Store) List(ctx context.Context, f attendance.Filter) ([]attendance.Record, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	if f.UserEmail != "" {
		args = append(args, strings.ToLower(f.UserEmail))
		where = append(where, fmt.Sprintf("lower(user_email) = $%d", len(args)))
	}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `select ` + recordColumns + ` from attendance_records`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` order by check_in_time desc, id desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]attendance.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Review applies the decision only while the row is still pending, so two
// concurrent reviewers cannot both win.
func (s *Store) Review(ctx context.Context, id string, rv attendance.Review) (attendance.Record, error) {
	at := rv.ReviewedAt.UTC()
	row := s.db.QueryRowContext(ctx, `
		update attendance_records
		set status=$2, reviewed_by=$3, review_comments=$4, reviewed_at=$5, updated_at=$5
		where id=$1 and status='pending'
		returning `+recordColumns,
		id, string(rv.Status), rv.ReviewedBy, nullString(rv.Comments), at,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, err
	}

	var status string
	err = s.db.QueryRowContext(ctx, `select status from attendance_records where id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, err
	}
	return attendance.Record{}, attendance.ErrNotPending
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (attendance.Record, error) {
	var (
		rec                                   attendance.Record
		role, status                          string
		taskID, taskName, reviewedBy, comment sql.NullString
		distance                              sql.NullInt64
		reviewedAt                            sql.NullTime
		flags                                 pq.StringArray
	)
	err := row.Scan(
		&rec.ID, &rec.UserEmail, &rec.UserName, &role, &taskID, &taskName, &rec.CheckInTime,
		&rec.Latitude, &rec.Longitude, &rec.Address, &rec.FaceImageURL, &rec.FaceMatchConfidence,
		&rec.LocationAccuracy, &distance, &status, &flags, &rec.DeviceInfo, &reviewedBy, &comment,
		&reviewedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.UserRole = attendance.Role(role)
	rec.Status = attendance.Status(status)
	rec.TaskID = taskID.String
	rec.TaskName = taskName.String
	rec.ReviewedBy = reviewedBy.String
	rec.ReviewComments = comment.String
	if distance.Valid {
		d := distance.Int64
		rec.DistanceFromTask = &d
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time.UTC()
		rec.ReviewedAt = &t
	}
	rec.VerificationFlags = []string(flags)
	if rec.VerificationFlags == nil {
		rec.VerificationFlags = []string{}
	}
	rec.CheckInTime = rec.CheckInTime.UTC()
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
