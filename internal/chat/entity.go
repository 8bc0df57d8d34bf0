package chat

import "time"

// Message is one entry in a room's ordered message log. Seq and CreatedAt
// are assigned server-side on arrival; client timestamps are never trusted
// for ordering.
type Message struct {
	ID         string    `json:"id" bson:"_id"`
	RoomID     string    `json:"roomId" bson:"room_id"`
	AuthorID   string    `json:"authorId" bson:"author_id"`
	AuthorName string    `json:"authorName" bson:"author_name"`
	Content    string    `json:"content" bson:"content"`
	Seq        int64     `json:"seq" bson:"seq"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
}
