package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/rdeploy/pkg/config/configstore"
)

// Ensure MongoStore implements the ConfigStore interface
var _ configstore.ConfigStore = (*MongoStore)(nil)

var ErrNotFound = errors.New("document not found")

const connectTimeout = 10 * time.Second

// MongoStore reads and writes one document of a collection, selected by _id.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
}

// Connect dials uri and pings the server.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func New(ctx context.Context, uri, dbName, collName, id string) (*MongoStore, error) {
	client, err := Connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

// WithID returns a store for another document of the same collection.
func (m *MongoStore) WithID(id string) *MongoStore {
	return &MongoStore{Client: m.Client, Collection: m.Collection, ID: id}
}

func (m *MongoStore) Load(ctx context.Context, out any) error {
	if out == nil {
		return errors.New("Load: output parameter must not be nil")
	}
	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: _id %q in %s", ErrNotFound, m.ID, m.Collection.Name())
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(ctx context.Context, in any) error {
	if in == nil {
		return errors.New("Save: input parameter must not be nil")
	}
	_, err := m.Collection.ReplaceOne(
		ctx,
		bson.M{"_id": m.ID},
		in,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	if m.Client == nil {
		return nil
	}
	return m.Client.Disconnect(ctx)
}
