package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const mongoCollection = "ingestion_jobs"

type mongoJobDocument struct {
	ID        string `bson:"_id"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
	Status    string `bson:"status"`
	Data      []byte `bson:"data"`
}

// MongoDBStore stores records in MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection(mongoCollection)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create ingestion_jobs indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

func toDocument(record *Record) (mongoJobDocument, error) {
	payload, err := serializeRecord(record)
	if err != nil {
		return mongoJobDocument{}, err
	}
	return mongoJobDocument{
		ID:        record.JobID,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		Status:    string(record.Status),
		Data:      payload,
	}, nil
}

// Create inserts a new record.
func (s *MongoDBStore) Create(ctx context.Context, record *Record) error {
	doc, err := toDocument(record)
	if err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a record by job id.
func (s *MongoDBStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var doc mongoJobDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}

	record, err := deserializeRecord(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return record, nil
}

// List returns records ordered by created_at desc, job_id desc.
func (s *MongoDBStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)
	filter := bson.M{}

	if after != "" {
		var cursorDoc mongoJobDocument
		err := s.collection.FindOne(ctx, bson.M{"_id": after}).Decode(&cursorDoc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}
		filter = bson.M{
			"$or": bson.A{
				bson.M{"created_at": bson.M{"$lt": cursorDoc.CreatedAt}},
				bson.M{
					"created_at": cursorDoc.CreatedAt,
					"_id":        bson.M{"$lt": cursorDoc.ID},
				},
			},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]*Record, 0, limit)
	for cursor.Next(ctx) {
		var doc mongoJobDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode job document: %w", err)
		}
		record, err := deserializeRecord(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
		items = append(items, record)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs cursor: %w", err)
	}
	return items, nil
}

// Update replaces a stored record.
func (s *MongoDBStore) Update(ctx context.Context, record *Record) error {
	doc, err := toDocument(record)
	if err != nil {
		return err
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$set": bson.M{
			"updated_at": doc.UpdatedAt,
			"status":     doc.Status,
			"data":       doc.Data,
		}},
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the client is owned by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
