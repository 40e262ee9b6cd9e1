package store

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zhubert/relay/internal/errors"
)

const (
	mongoCollectionName = "snapshots"
	mongoDocumentID     = "relay"
)

// snapshotDocument wraps the encoded snapshot. The payload stays JSON so
// every backend shares one format.
type snapshotDocument struct {
	ID      string    `bson:"_id"`
	Version int       `bson:"version"`
	SavedAt time.Time `bson:"saved_at"`
	Payload string    `bson:"payload"`
}

// documentCollection is the part of a collection the store uses.
type documentCollection interface {
	findByID(ctx context.Context, id string, out *snapshotDocument) error
	replaceByID(ctx context.Context, id string, doc *snapshotDocument) error
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) findByID(ctx context.Context, id string, out *snapshotDocument) error {
	return c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(out)
}

func (c mongoCollection) replaceByID(ctx context.Context, id string, doc *snapshotDocument) error {
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

// MongoStore keeps the snapshot as one document.
type MongoStore struct {
	client *mongo.Client
	coll   documentCollection
}

// NewMongoStore connects to uri and uses the snapshots collection of
// database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.E(errors.Op("store.Open"), errors.KindConfig, "state.mongo_uri is required for the mongo backend")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.PersistenceFailed("mongo", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.PersistenceFailed("mongo", err)
	}
	coll := client.Database(database).Collection(mongoCollectionName)
	return &MongoStore{client: client, coll: mongoCollection{coll: coll}}, nil
}

// Load reads the snapshot document.
func (m *MongoStore) Load(ctx context.Context) (*Snapshot, error) {
	var doc snapshotDocument
	err := m.coll.findByID(ctx, mongoDocumentID, &doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.Op("store.Load"), errors.KindPersistence, "mongo backend", err)
	}
	return decode("mongo", []byte(doc.Payload))
}

// Save upserts the snapshot document.
func (m *MongoStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode("mongo", snap)
	if err != nil {
		return err
	}
	doc := &snapshotDocument{
		ID:      mongoDocumentID,
		Version: snap.Version,
		SavedAt: snap.SavedAt,
		Payload: string(data),
	}
	if err := m.coll.replaceByID(ctx, mongoDocumentID, doc); err != nil {
		return errors.PersistenceFailed("mongo", err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
