package user

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userDocument is the MongoDB shape of a user reference.
type userDocument struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	AvatarURL   string    `bson:"avatar_url,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// MongoRepository implements Repository on a MongoDB collection.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a user repository backed by the "users"
// collection of db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection("users")}
}

// Get returns the user reference for id.
func (r *MongoRepository) Get(ctx context.Context, id string) (Ref, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc userDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return Ref{}, ErrNotFound
		}
		return Ref{}, err
	}

	return Ref{ID: doc.ID, DisplayName: doc.DisplayName, AvatarURL: doc.AvatarURL}, nil
}

// Put stores or replaces a user reference.
func (r *MongoRepository) Put(ctx context.Context, u Ref) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := userDocument{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		UpdatedAt:   time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, opts)
	return err
}
