package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// shareDocument is the MongoDB representation of a Record; _id is the code.
type shareDocument struct {
	Code        string    `bson:"_id"`
	Status      Status    `bson:"status"`
	Reservation string    `bson:"reservation,omitempty"`
	File        string    `bson:"file,omitempty"`
	FileName    string    `bson:"file_name,omitempty"`
	BlobKey     string    `bson:"blob_key,omitempty"`
	Size        int64     `bson:"size,omitempty"`
	JobID       string    `bson:"job_id,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at,omitempty"`
}

func (d *shareDocument) record() *Record {
	return &Record{
		Code:      d.Code,
		Status:    d.Status,
		FileName:  d.FileName,
		BlobKey:   d.BlobKey,
		FileURL:   d.File,
		Size:      d.Size,
		JobID:     d.JobID,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

// MongoRepository is the MongoDB Store. One document per code, keyed by the code.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a MongoRepository over collection.
func NewMongoRepository(collection *mongo.Collection) *MongoRepository {
	return &MongoRepository{collection: collection}
}

// EnsureIndexes creates the secondary indexes used by the sweeper.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Reserve inserts a pending document owned by token; the unique _id makes it insert-if-absent.
func (r *MongoRepository) Reserve(ctx context.Context, code, token string, at time.Time) error {
	_, err := r.collection.InsertOne(ctx, shareDocument{
		Code:        code,
		Status:      StatusPending,
		Reservation: token,
		CreatedAt:   at.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("reserve code: %w", err)
	}
	return nil
}

// Commit promotes the pending document held by rec.Reservation in a single update.
func (r *MongoRepository) Commit(ctx context.Context, rec *Record) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": rec.Code, "status": StatusPending, "reservation": rec.Reservation},
		bson.M{"$set": bson.M{
			"status":     StatusLive,
			"file":       rec.FileURL,
			"file_name":  rec.FileName,
			"blob_key":   rec.BlobKey,
			"size":       rec.Size,
			"job_id":     rec.JobID,
			"created_at": rec.CreatedAt.UTC(),
			"expires_at": rec.ExpiresAt.UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("commit share: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches the live document for code.
func (r *MongoRepository) Get(ctx context.Context, code string) (*Record, error) {
	var doc shareDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": code, "status": StatusLive}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return doc.record(), nil
}

// Exists reports whether any document exists for code.
func (r *MongoRepository) Exists(ctx context.Context, code string) (bool, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": code}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check share existence: %w", err)
	}
	return n > 0, nil
}

// Delete removes the document for code if present.
func (r *MongoRepository) Delete(ctx context.Context, code string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"_id": code}); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

// Release removes the pending document for code if token still owns it.
func (r *MongoRepository) Release(ctx context.Context, code, token string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": code, "status": StatusPending, "reservation": token})
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ListOverdue returns live codes that expired before t.
func (r *MongoRepository) ListOverdue(ctx context.Context, t time.Time, limit int) ([]string, error) {
	return r.listCodes(ctx,
		bson.M{"status": StatusLive, "expires_at": bson.M{"$lt": t.UTC()}},
		bson.D{{Key: "expires_at", Value: 1}},
		limit,
	)
}

// ListStalePending returns pending codes reserved before t.
func (r *MongoRepository) ListStalePending(ctx context.Context, t time.Time, limit int) ([]string, error) {
	return r.listCodes(ctx,
		bson.M{"status": StatusPending, "created_at": bson.M{"$lt": t.UTC()}},
		bson.D{{Key: "created_at", Value: 1}},
		limit,
	)
}

func (r *MongoRepository) listCodes(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]string, error) {
	opts := options.Find().
		SetSort(sort).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer cur.Close(ctx)

	var docs []struct {
		Code string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode shares: %w", err)
	}
	codes := make([]string, 0, len(docs))
	for _, d := range docs {
		codes = append(codes, d.Code)
	}
	return codes, nil
}
