// Package mongodb keeps attendance records in a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/obs"
)

const collectionName = "attendance_records"

// Store implements attendance.RecordStore over one collection.
type Store struct {
	client  *mongo.Client
	records *mongo.Collection
	now     func() time.Time
}

var _ attendance.RecordStore = (*Store)(nil)

// Connect dials uri, pings the primary and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	records := client.Database(database).Collection(collectionName)
	if _, err := records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_email", Value: 1}, {Key: "check_in_time", Value: -1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "check_in_time", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "check_in_time", Value: -1}}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create attendance indexes: %w", err)
	}

	obs.Log("info", "mongodb_connected", map[string]any{"database": database})
	return &Store{client: client, records: records, now: time.Now}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, readpref.Primary()) }

// document is the stored shape. Emails are lowercased for filtering and the
// original spelling kept alongside.
type document struct {
	ID                  bson.ObjectID `bson:"_id,omitempty"`
	UserEmail           string        `bson:"user_email"`
	UserEmailRaw        string        `bson:"user_email_raw"`
	UserName            string        `bson:"user_name"`
	UserRole            string        `bson:"user_role"`
	TaskID              string        `bson:"task_id,omitempty"`
	TaskName            string        `bson:"task_name,omitempty"`
	CheckInTime         time.Time     `bson:"check_in_time"`
	Latitude            float64       `bson:"latitude"`
	Longitude           float64       `bson:"longitude"`
	Address             string        `bson:"address"`
	FaceImageURL        string        `bson:"face_image_url"`
	FaceMatchConfidence float64       `bson:"face_match_confidence"`
	LocationAccuracy    float64       `bson:"location_accuracy"`
	DistanceFromTask    *int64        `bson:"distance_from_task"`
	Status              string        `bson:"status"`
	VerificationFlags   []string      `bson:"verification_flags"`
	DeviceInfo          string        `bson:"device_info,omitempty"`
	ReviewedBy          string        `bson:"reviewed_by,omitempty"`
	ReviewComments      string        `bson:"review_comments,omitempty"`
	ReviewedAt          *time.Time    `bson:"reviewed_at,omitempty"`
	CreatedAt           time.Time     `bson:"created_at"`
	UpdatedAt           time.Time     `bson:"updated_at"`
}

func toDocument(r attendance.Record) document {
	flags := r.VerificationFlags
	if flags == nil {
		flags = []string{}
	}
	return document{
		UserEmail:           strings.ToLower(r.UserEmail),
		UserEmailRaw:        r.UserEmail,
		UserName:            r.UserName,
		UserRole:            string(r.UserRole),
		TaskID:              r.TaskID,
		TaskName:            r.TaskName,
		CheckInTime:         r.CheckInTime.UTC(),
		Latitude:            r.Latitude,
		Longitude:           r.Longitude,
		Address:             r.Address,
		FaceImageURL:        r.FaceImageURL,
		FaceMatchConfidence: r.FaceMatchConfidence,
		LocationAccuracy:    r.LocationAccuracy,
		DistanceFromTask:    r.DistanceFromTask,
		Status:              string(r.Status),
		VerificationFlags:   flags,
		DeviceInfo:          r.DeviceInfo,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (d document) record() attendance.Record {
	email := d.UserEmailRaw
	if email == "" {
		email = d.UserEmail
	}
	flags := d.VerificationFlags
	if flags == nil {
		flags = []string{}
	}
	rec := attendance.Record{
		ID:                  d.ID.Hex(),
		UserEmail:           email,
		UserName:            d.UserName,
		UserRole:            attendance.Role(d.UserRole),
		TaskID:              d.TaskID,
		TaskName:            d.TaskName,
		CheckInTime:         d.CheckInTime.UTC(),
		Latitude:            d.Latitude,
		Longitude:           d.Longitude,
		Address:             d.Address,
		FaceImageURL:        d.FaceImageURL,
		FaceMatchConfidence: d.FaceMatchConfidence,
		LocationAccuracy:    d.LocationAccuracy,
		DistanceFromTask:    d.DistanceFromTask,
		Status:              attendance.Status(d.Status),
		VerificationFlags:   flags,
		DeviceInfo:          d.DeviceInfo,
		ReviewedBy:          d.ReviewedBy,
		ReviewComments:      d.ReviewComments,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
	if d.ReviewedAt != nil {
		t := d.ReviewedAt.UTC()
		rec.ReviewedAt = &t
	}
	return rec
}

// Create inserts rec and sets its ID to the generated ObjectID hex.
func (s *Store) Create(ctx context.Context, rec *attendance.Record) error {
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	res, err := s.records.InsertOne(ctx, toDocument(*rec))
	if err != nil {
		return fmt.Errorf("insert attendance record: %w", err)
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id %T", res.InsertedID)
	}
	rec.ID = oid.Hex()
	if rec.VerificationFlags == nil {
		rec.VerificationFlags = []string{}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (attendance.Record, error) {
	if !validID(id) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	oid, _ := bson.ObjectIDFromHex(id)
	var doc document
	err := s.records.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, fmt.Errorf("find attendance record: %w", err)
	}
	return doc.record(), nil
}

func (s *Store) List(ctx context.Context, f attendance.Filter) ([]attendance.Record, error) {
	f = f.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "check_in_time", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(f.Limit))
	cursor, err := s.records.Find(ctx, listFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("find attendance records: %w", err)
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode attendance records: %w", err)
	}
	out := make([]attendance.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

// Review updates the record only while it is pending.
func (s *Store) Review(ctx context.Context, id string, rv attendance.Review) (attendance.Record, error) {
	if !validID(id) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	oid, _ := bson.ObjectIDFromHex(id)
	at := rv.ReviewedAt.UTC()
	var doc document
	err := s.records.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "status": string(attendance.StatusPending)},
		reviewUpdate(rv, at),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.record(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return attendance.Record{}, fmt.Errorf("review attendance record: %w", err)
	}
	n, err := s.records.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return attendance.Record{}, fmt.Errorf("count attendance record: %w", err)
	}
	if n == 0 {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return attendance.Record{}, attendance.ErrNotPending
}

func listFilter(f attendance.Filter) bson.M {
	filter := bson.M{}
	if f.UserEmail != "" {
		filter["user_email"] = strings.ToLower(f.UserEmail)
	}
	if f.TaskID != "" {
		filter["task_id"] = f.TaskID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	return filter
}

func reviewUpdate(rv attendance.Review, at time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"status":          string(rv.Status),
		"reviewed_by":     rv.ReviewedBy,
		"review_comments": rv.Comments,
		"reviewed_at":     at,
		"updated_at":      at,
	}}
}

var hexID = regexp.MustCompile(`^[0-9a-f]{24}$`)

// validID reports whether id looks like a stored record id.
func validID(id string) bool { return hexID.MatchString(id) }
