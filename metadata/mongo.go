package metadata

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docwatch.dev/kernel"
)

// Mongo is the production Store, backed by go.mongodb.org/mongo-driver.
// It keeps three collections: tracked (one doc per TrackedDocument), logs (a
// capped collection sized from log_maxsize, matching the original
// implementation's capped MongoHandler), and status (a single StatusRecord
// document).
type Mongo struct {
	client   *mongo.Client
	tracked  *mongo.Collection
	logs     *mongo.Collection
	statuses *mongo.Collection
}

// MongoConfig configures the connection and the capped log collection.
type MongoConfig struct {
	Host       string
	Port       int
	Database   string
	LogMaxSize int64 // bytes; the capped collection's byte ceiling
}

// statusDocID is the single status document's fixed id.
const statusDocID = "status"

// NewMongo connects to MongoDB, creates the capped logs collection and the
// random_key/url indexes on tracked if they don't already exist.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("metadata/mongo: ping: %w", err)
	}

	db := client.Database(cfg.Database)

	if err := ensureCappedLogs(ctx, db, cfg.LogMaxSize); err != nil {
		return nil, err
	}

	m := &Mongo{
		client:   client,
		tracked:  db.Collection("tracked"),
		logs:     db.Collection("logs"),
		statuses: db.Collection("status"),
	}

	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func ensureCappedLogs(ctx context.Context, db *mongo.Database, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024 // 100MB default cap
	}
	opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(maxSize)
	err := db.CreateCollection(ctx, "logs", opts)
	if err != nil {
		// Mongo returns NamespaceExists once the capped collection is created;
		// that's expected on every restart after the first.
		cmdErr, ok := err.(mongo.CommandError)
		if ok && cmdErr.Name == "NamespaceExists" {
			return nil
		}
		return fmt.Errorf("metadata/mongo: create capped logs collection: %w", err)
	}
	return nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.tracked.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "random_key", Value: 1}}},
		{Keys: bson.D{{Key: "url", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("metadata/mongo: create indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) UpsertTracked(ctx context.Context, doc *kernel.TrackedDocument) error {
	_, err := m.tracked.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("metadata/mongo: upsert tracked %s: %w", doc.ID, err)
	}
	return nil
}

func (m *Mongo) GetTracked(ctx context.Context, id string) (*kernel.TrackedDocument, error) {
	var doc kernel.TrackedDocument
	err := m.tracked.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, kernel.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: get tracked %s: %w", id, err)
	}
	return &doc, nil
}

func (m *Mongo) FindTrackedByURL(ctx context.Context, url string) (*kernel.TrackedDocument, error) {
	var doc kernel.TrackedDocument
	err := m.tracked.FindOne(ctx, bson.M{"url": url}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, kernel.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: find tracked by url: %w", err)
	}
	return &doc, nil
}

// QueueDocs mirrors the original get_update_queue: never-fetched documents
// (no last_update) first, then stale documents (next_update in the past),
// each group tiebroken by random_key so many workers sampling concurrently
// don't collide on the same head of the queue.
func (m *Mongo) QueueDocs(ctx context.Context, now time.Time) ([]kernel.TrackedDocument, error) {
	var out []kernel.TrackedDocument

	neverCur, err := m.tracked.Find(ctx,
		bson.M{"last_update": nil},
		options.Find().SetSort(bson.D{{Key: "random_key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: queue never-fetched: %w", err)
	}
	defer neverCur.Close(ctx)
	if err := neverCur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("metadata/mongo: decode never-fetched: %w", err)
	}

	var stale []kernel.TrackedDocument
	staleCur, err := m.tracked.Find(ctx,
		bson.M{
			"last_update":     bson.M{"$ne": nil},
			"next_update_set": true,
			"next_update":     bson.M{"$ne": nil, "$lt": now},
		},
		options.Find().SetSort(bson.D{{Key: "random_key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: queue stale: %w", err)
	}
	defer staleCur.Close(ctx)
	if err := staleCur.All(ctx, &stale); err != nil {
		return nil, fmt.Errorf("metadata/mongo: decode stale: %w", err)
	}

	return append(out, stale...), nil
}

func (m *Mongo) QueueSize(ctx context.Context, now time.Time) (int64, error) {
	docs, err := m.QueueDocs(ctx, now)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (m *Mongo) AppendLog(ctx context.Context, entry kernel.LogEntry) error {
	if _, err := m.logs.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("metadata/mongo: append log: %w", err)
	}
	return nil
}

func (m *Mongo) IncrUpdateQueue(ctx context.Context, delta int64) (int64, error) {
	var status kernel.StatusRecord
	err := m.statuses.FindOneAndUpdate(ctx,
		bson.M{"_id": statusDocID},
		bson.M{"$inc": bson.M{"update_queue": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&status)
	if err != nil {
		return 0, fmt.Errorf("metadata/mongo: incr update_queue: %w", err)
	}
	return status.UpdateQueue, nil
}

func (m *Mongo) GetStatus(ctx context.Context) (kernel.StatusRecord, error) {
	var status kernel.StatusRecord
	err := m.statuses.FindOne(ctx, bson.M{"_id": statusDocID}).Decode(&status)
	if err == mongo.ErrNoDocuments {
		return kernel.StatusRecord{}, nil
	}
	if err != nil {
		return kernel.StatusRecord{}, fmt.Errorf("metadata/mongo: get status: %w", err)
	}
	return status, nil
}

// ListTracked returns a page of tracked documents ordered by ID, for the
// HTTP inspection surface.
func (m *Mongo) ListTracked(ctx context.Context, offset, limit int) ([]kernel.TrackedDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.tracked.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: list tracked: %w", err)
	}
	defer cur.Close(ctx)
	out := []kernel.TrackedDocument{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("metadata/mongo: decode tracked: %w", err)
	}
	return out, nil
}

// ListLogs returns a page of the append-only log, newest first.
func (m *Mongo) ListLogs(ctx context.Context, offset, limit int) ([]kernel.LogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.logs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: list logs: %w", err)
	}
	defer cur.Close(ctx)
	out := []kernel.LogEntry{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("metadata/mongo: decode logs: %w", err)
	}
	return out, nil
}

// ListTrackedByClass returns every tracked document under docClass, for the
// signal CLI's one-shot enumeration.
func (m *Mongo) ListTrackedByClass(ctx context.Context, docClass string) ([]kernel.TrackedDocument, error) {
	cur, err := m.tracked.Find(ctx, bson.M{"doc_class": docClass})
	if err != nil {
		return nil, fmt.Errorf("metadata/mongo: list tracked by class: %w", err)
	}
	defer cur.Close(ctx)
	out := []kernel.TrackedDocument{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("metadata/mongo: decode tracked by class: %w", err)
	}
	return out, nil
}
