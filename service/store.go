package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnenashev/ocr-shools-import/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrInvalidID marks a malformed student identifier (client error)
	ErrInvalidID = errors.New("invalid student id")
	// ErrNotFound marks a lookup that matched no document
	ErrNotFound = errors.New("student not found")
)

// MaxPageSize caps list and sync batch sizes regardless of caller input.
const MaxPageSize = 100

// DefaultPageSize is used when the caller does not request a limit.
const DefaultPageSize = 50

// StudentStore persists Student documents in a MongoDB collection.
type StudentStore struct {
	collection *mongo.Collection
}

func NewStudentStore(db *mongo.Database) *StudentStore {
	return &StudentStore{collection: db.Collection("students")}
}

// EnsureIndexes creates the secondary indexes used by list and sync queries
func (s *StudentStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "sent_to_amo", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// ListFilter narrows list and export queries.
type ListFilter struct {
	SentToAmo *bool
	Search    string
	Skip      int64
	Limit     int64
}

// clampLimit bounds a requested page size to [1, MaxPageSize]
func clampLimit(limit int64) int64 {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// buildListFilter translates a ListFilter into a Mongo query document
func buildListFilter(f ListFilter) bson.M {
	query := bson.M{}
	if f.SentToAmo != nil {
		query["sent_to_amo"] = *f.SentToAmo
	}
	if f.Search != "" {
		query["fio"] = bson.M{"$regex": f.Search, "$options": "i"}
	}
	return query
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, ErrInvalidID
	}
	return oid, nil
}

// Insert stores a new student document and returns its generated id
func (s *StudentStore) Insert(ctx context.Context, student *model.Student) (primitive.ObjectID, error) {
	result, err := s.collection.InsertOne(ctx, student)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to insert student: %w", err)
	}
	oid, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, fmt.Errorf("unexpected inserted id type %T", result.InsertedID)
	}
	return oid, nil
}

// List returns a page of students sorted by creation time descending, with
// the raw extraction payload stripped, plus the total matching count.
func (s *StudentStore) List(ctx context.Context, f ListFilter) ([]model.Student, int64, error) {
	query := buildListFilter(f)

	total, err := s.collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count students: %w", err)
	}

	skip := f.Skip
	if skip < 0 {
		skip = 0
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(skip).
		SetLimit(clampLimit(f.Limit)).
		SetProjection(bson.M{"ocr_raw": 0})

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query students: %w", err)
	}
	defer cursor.Close(ctx)

	students := []model.Student{}
	if err := cursor.All(ctx, &students); err != nil {
		return nil, 0, fmt.Errorf("failed to decode students: %w", err)
	}

	return students, total, nil
}

// ExportAll returns every student matching the filter, newest first. Unlike
// List, no pagination applies: an export is the full filtered set.
func (s *StudentStore) ExportAll(ctx context.Context, f ListFilter) ([]model.Student, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"ocr_raw": 0})

	cursor, err := s.collection.Find(ctx, buildListFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer cursor.Close(ctx)

	students := []model.Student{}
	if err := cursor.All(ctx, &students); err != nil {
		return nil, fmt.Errorf("failed to decode students: %w", err)
	}
	return students, nil
}

// Get returns one student by id, including the raw extraction payload
func (s *StudentStore) Get(ctx context.Context, id string) (*model.Student, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}

	var student model.Student
	err = s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&student)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return &student, nil
}

// Update applies a partial $set update to one student
func (s *StudentStore) Update(ctx context.Context, id string, fields bson.M) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update student: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes one student document
func (s *StudentStore) Delete(ctx context.Context, id string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindUnsent returns unsent students, optionally restricted to an id set,
// capped at MaxPageSize per call.
func (s *StudentStore) FindUnsent(ctx context.Context, ids []string) ([]model.Student, error) {
	query := bson.M{"sent_to_amo": false}
	if len(ids) > 0 {
		oids := make([]primitive.ObjectID, 0, len(ids))
		for _, id := range ids {
			oid, err := parseObjectID(id)
			if err != nil {
				return nil, err
			}
			oids = append(oids, oid)
		}
		query["_id"] = bson.M{"$in": oids}
	}

	cursor, err := s.collection.Find(ctx, query, options.Find().SetLimit(MaxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent students: %w", err)
	}
	defer cursor.Close(ctx)

	students := []model.Student{}
	if err := cursor.All(ctx, &students); err != nil {
		return nil, fmt.Errorf("failed to decode students: %w", err)
	}
	return students, nil
}

// FindSent returns every student flagged as synchronized with a recorded
// lead id. Unlike the sync batch, verification walks the whole sent set, so
// no page cap is applied here.
func (s *StudentStore) FindSent(ctx context.Context) ([]model.Student, error) {
	query := bson.M{"sent_to_amo": true, "amo_lead_id": bson.M{"$ne": nil}}

	cursor, err := s.collection.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sent students: %w", err)
	}
	defer cursor.Close(ctx)

	students := []model.Student{}
	if err := cursor.All(ctx, &students); err != nil {
		return nil, fmt.Errorf("failed to decode students: %w", err)
	}
	return students, nil
}

// MarkSent flips a student to the fully-sent state. The flag and both CRM
// ids are written in a single update so no partial state is persisted.
func (s *StudentStore) MarkSent(ctx context.Context, id primitive.ObjectID, contactID, leadID string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"sent_to_amo":    true,
		"amo_contact_id": contactID,
		"amo_lead_id":    leadID,
	}})
	if err != nil {
		return fmt.Errorf("failed to mark student sent: %w", err)
	}
	return nil
}

// ResetSent returns a student to the fully-unsent state, clearing both CRM ids
func (s *StudentStore) ResetSent(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"sent_to_amo":    false,
		"amo_contact_id": nil,
		"amo_lead_id":    nil,
	}})
	if err != nil {
		return fmt.Errorf("failed to reset student: %w", err)
	}
	return nil
}

// Stats reports total/sent/unsent counts for the admin dashboard
func (s *StudentStore) Stats(ctx context.Context) (total, sent, unsent int64, err error) {
	total, err = s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count students: %w", err)
	}
	sent, err = s.collection.CountDocuments(ctx, bson.M{"sent_to_amo": true})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count sent students: %w", err)
	}
	return total, sent, total - sent, nil
}
