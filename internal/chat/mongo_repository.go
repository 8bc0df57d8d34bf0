package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository on MongoDB. Sequence numbers come
// from an atomic counter document per room, so ordering survives restarts.
type MongoRepository struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

// NewMongoRepository creates a message repository backed by the "messages"
// and "counters" collections of db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection("messages"),
		counters:   db.Collection("counters"),
	}
}

// Append assigns the next sequence number for the room and stores m.
func (r *MongoRepository) Append(ctx context.Context, m *Message) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	seq, err := r.nextSeq(ctx, m.RoomID)
	if err != nil {
		return fmt.Errorf("assign message seq: %w", err)
	}
	m.Seq = seq

	if _, err := r.collection.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns the last n messages of a room in ascending order.
func (r *MongoRepository) Recent(ctx context.Context, roomID string, n int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.M{"seq": -1}).
		SetLimit(int64(n))

	cursor, err := r.collection.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
	return messages, nil
}

func (r *MongoRepository) nextSeq(ctx context.Context, roomID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	err := r.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "messages:" + roomID},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, err
	}

	return doc.Seq, nil
}
