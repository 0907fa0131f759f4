// internal/dispatcher/failure_store_mongo.go
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"payment-reconciler/internal/models"
)

const defaultFailureCollection = "dispatch_failures"

// MongoFailureStore keeps failures in a MongoDB collection, one document per
// failure keyed by its id.
type MongoFailureStore struct {
	coll *mongo.Collection
}

func NewMongoFailureStore(db *mongo.Database, collection string) *MongoFailureStore {
	if collection == "" {
		collection = defaultFailureCollection
	}
	return &MongoFailureStore{coll: db.Collection(collection)}
}

// ConnectMongo opens a client and verifies the server is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the index List sorts on.
func (s *MongoFailureStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create failure index: %w", err)
	}
	return nil
}

type failureDoc struct {
	ID             string    `bson:"_id"`
	Target         string    `bson:"target"`
	UserID         string    `bson:"user_id"`
	PlanID         string    `bson:"plan_id,omitempty"`
	Message        string    `bson:"message,omitempty"`
	Provider       string    `bson:"provider"`
	EventID        string    `bson:"event_id"`
	IdempotencyKey string    `bson:"idempotency_key"`
	Attempts       int       `bson:"attempts"`
	LastError      string    `bson:"last_error"`
	StatusCode     int       `bson:"status_code,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	LastAttemptAt  time.Time `bson:"last_attempt_at"`
}

func toFailureDoc(f *models.DispatchFailure) failureDoc {
	return failureDoc{
		ID:             f.ID,
		Target:         string(f.Intent.Target),
		UserID:         f.Intent.UserID,
		PlanID:         f.Intent.PlanID,
		Message:        f.Intent.Message,
		Provider:       string(f.Intent.Provider),
		EventID:        f.Intent.EventID,
		IdempotencyKey: f.Intent.IdempotencyKey,
		Attempts:       f.Attempts,
		LastError:      f.LastError,
		StatusCode:     f.StatusCode,
		CreatedAt:      f.CreatedAt.UTC(),
		LastAttemptAt:  f.LastAttemptAt.UTC(),
	}
}

func (d failureDoc) failure() *models.DispatchFailure {
	return &models.DispatchFailure{
		ID: d.ID,
		Intent: models.SideEffectIntent{
			Target:         models.IntentTarget(d.Target),
			UserID:         d.UserID,
			PlanID:         d.PlanID,
			Message:        d.Message,
			Provider:       models.Provider(d.Provider),
			EventID:        d.EventID,
			IdempotencyKey: d.IdempotencyKey,
		},
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		StatusCode:    d.StatusCode,
		CreatedAt:     d.CreatedAt,
		LastAttemptAt: d.LastAttemptAt,
	}
}

func (s *MongoFailureStore) Add(ctx context.Context, f *models.DispatchFailure) error {
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": f.ID}, toFailureDoc(f), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store dispatch failure: %w", err)
	}
	return nil
}

func (s *MongoFailureStore) Get(ctx context.Context, id string) (*models.DispatchFailure, error) {
	var doc failureDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrFailureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch failure: %w", err)
	}
	return doc.failure(), nil
}

func (s *MongoFailureStore) List(ctx context.Context, limit int) ([]*models.DispatchFailure, error) {
	if limit <= 0 {
		limit = 1000
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list dispatch failures: %w", err)
	}
	var docs []failureDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode dispatch failures: %w", err)
	}

	failures := make([]*models.DispatchFailure, 0, len(docs))
	for _, d := range docs {
		failures = append(failures, d.failure())
	}
	return failures, nil
}

func (s *MongoFailureStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete dispatch failure: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrFailureNotFound
	}
	return nil
}

type targetGroup struct {
	Target   string    `bson:"_id"`
	Count    int       `bson:"count"`
	Attempts int       `bson:"attempts"`
	Oldest   time.Time `bson:"oldest"`
	Newest   time.Time `bson:"newest"`
}

func (s *MongoFailureStore) Stats(ctx context.Context) (models.DispatchFailureStats, error) {
	stats := models.DispatchFailureStats{ByTarget: make(map[string]int)}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$target"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "attempts", Value: bson.D{{Key: "$sum", Value: "$attempts"}}},
			{Key: "oldest", Value: bson.D{{Key: "$min", Value: "$created_at"}}},
			{Key: "newest", Value: bson.D{{Key: "$max", Value: "$created_at"}}},
		}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return stats, fmt.Errorf("aggregate dispatch failures: %w", err)
	}
	var groups []targetGroup
	if err := cursor.All(ctx, &groups); err != nil {
		return stats, fmt.Errorf("decode dispatch failure stats: %w", err)
	}
	return mergeTargetGroups(stats, groups), nil
}

func mergeTargetGroups(stats models.DispatchFailureStats, groups []targetGroup) models.DispatchFailureStats {
	for _, g := range groups {
		stats.Total += g.Count
		stats.TotalAttempts += g.Attempts
		stats.ByTarget[g.Target] = g.Count
		if stats.OldestEntry == nil || g.Oldest.Before(*stats.OldestEntry) {
			t := g.Oldest
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || g.Newest.After(*stats.NewestEntry) {
			t := g.Newest
			stats.NewestEntry = &t
		}
	}
	return stats
}
