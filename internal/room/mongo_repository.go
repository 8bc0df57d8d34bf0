package room

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"listenalong/internal/song"
	"listenalong/internal/user"
)

// roomDocument is the MongoDB shape of a room. Members are embedded; the
// membership set is small and always read with the room.
type roomDocument struct {
	ID          string      `bson:"_id"`
	Name        string      `bson:"name"`
	CreatorID   string      `bson:"creator_id"`
	IsActive    bool        `bson:"is_active"`
	Members     []user.Ref  `bson:"members"`
	CurrentSong *song.State `bson:"current_song,omitempty"`
	CreatedAt   time.Time   `bson:"created_at"`
	UpdatedAt   time.Time   `bson:"updated_at"`
}

func (doc *roomDocument) toRoom() *Room {
	members := make(map[string]user.Ref, len(doc.Members))
	for _, m := range doc.Members {
		members[m.ID] = m
	}
	return &Room{
		ID:          doc.ID,
		Name:        doc.Name,
		CreatorID:   doc.CreatorID,
		IsActive:    doc.IsActive,
		Members:     members,
		CurrentSong: doc.CurrentSong,
		CreatedAt:   doc.CreatedAt,
	}
}

// MongoRepository implements Repository on the "rooms" collection.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a room repository backed by db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection("rooms")}
}

// Create stores a new room.
func (r *MongoRepository) Create(ctx context.Context, room *Room) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	members := make([]user.Ref, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, m)
	}

	doc := roomDocument{
		ID:          room.ID,
		Name:        room.Name,
		CreatorID:   room.CreatorID,
		IsActive:    room.IsActive,
		Members:     members,
		CurrentSong: room.CurrentSong,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   time.Now(),
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// Get returns the room with the given id.
func (r *MongoRepository) Get(ctx context.Context, id string) (*Room, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc roomDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find room: %w", err)
	}
	return doc.toRoom(), nil
}

// AddMember adds u to the room's membership set. $addToSet keeps the
// operation idempotent at the storage level too.
func (r *MongoRepository) AddMember(ctx context.Context, roomID string, u user.Ref) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Remove any stale entry for the same user id before adding, so a
	// changed display name cannot produce two set entries.
	if err := r.RemoveMember(ctx, roomID, u.ID); err != nil {
		return err
	}

	update := bson.M{
		"$addToSet": bson.M{"members": u},
		"$set":      bson.M{"updated_at": time.Now()},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": roomID}, update)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember removes userID from the room's membership set.
func (r *MongoRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$pull": bson.M{"members": bson.M{"id": userID}},
		"$set":  bson.M{"updated_at": time.Now()},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": roomID}, update)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the room's active flag. Deactivating clears membership.
func (r *MongoRepository) SetActive(ctx context.Context, roomID string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{"is_active": active, "updated_at": time.Now()}
	if !active {
		set["members"] = []user.Ref{}
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": roomID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set room active: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentSong replaces the room's song state; nil clears it.
func (r *MongoRepository) SetCurrentSong(ctx context.Context, roomID string, s *song.State) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var update bson.M
	if s == nil {
		update = bson.M{
			"$unset": bson.M{"current_song": ""},
			"$set":   bson.M{"updated_at": time.Now()},
		}
	} else {
		update = bson.M{
			"$set": bson.M{"current_song": s, "updated_at": time.Now()},
		}
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": roomID}, update)
	if err != nil {
		return fmt.Errorf("set current song: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
