package dbmongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"converse/internal/chat"
)

// ProfileStorage serves the display metadata attached to conversation
// counterparts from the profiles collection.
type ProfileStorage struct {
	collection *mongo.Collection
}

func NewProfileStorage(mongoClient *MongoClient) *ProfileStorage {
	return &ProfileStorage{
		collection: mongoClient.Database.Collection("profiles"),
	}
}

type profileDoc struct {
	UserID      string    `bson:"user_id"`
	DisplayName string    `bson:"display_name"`
	AvatarURL   string    `bson:"avatar_url,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// Profile looks up one user's display metadata. Unknown users fall back to
// their raw identifier so the conversation list never blocks on a profile.
func (ps *ProfileStorage) Profile(ctx context.Context, userID string) (chat.Participant, error) {
	var doc profileDoc
	err := ps.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return chat.Participant{UserID: userID, DisplayName: userID}, nil
	}
	if err != nil {
		return chat.Participant{}, fmt.Errorf("profile lookup failed: %w", err)
	}

	return chat.Participant{
		UserID:      doc.UserID,
		DisplayName: doc.DisplayName,
		AvatarURL:   doc.AvatarURL,
	}, nil
}

// UpsertProfile writes a user's display metadata.
func (ps *ProfileStorage) UpsertProfile(ctx context.Context, p chat.Participant) error {
	update := bson.M{"$set": profileDoc{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		UpdatedAt:   time.Now().UTC(),
	}}
	opts := options.Update().SetUpsert(true)
	_, err := ps.collection.UpdateOne(ctx, bson.M{"user_id": p.UserID}, update, opts)
	if err != nil {
		return fmt.Errorf("profile upsert failed: %w", err)
	}
	return nil
}
