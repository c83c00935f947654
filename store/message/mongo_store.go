package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionName             = "messages"
	conversationCollectionName = "conversations"
)

// MongoStore implements Store on MongoDB. Append runs in a multi-document
// transaction, so the server must be a replica set member or mongos.
type MongoStore struct {
	client        *mongo.Client
	messages      *mongo.Collection
	conversations *mongo.Collection
}

// NewMongoStore creates a new MongoStore.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:        db.Client(),
		messages:      db.Collection(CollectionName),
		conversations: db.Collection(conversationCollectionName),
	}
}

// EnsureIndexes creates the per-conversation ordering index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("conversation_created"),
	})
	if err != nil {
		return fmt.Errorf("message.EnsureIndexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, msg *Message, recipientID string) error {
	if msg.ID == "" {
		msg.ID = primitive.NewObjectID().Hex()
	}
	// BSON dates carry millisecond precision.
	msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	update := bson.M{
		"$set": bson.M{
			"last_message": msg.Text,
			"updated_at":   msg.CreatedAt,
			"deleted_by":   []string{},
		},
		"$addToSet": bson.M{"unread_by": recipientID},
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("message.Append: %w", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	// Readers see the message and the conversation update together or
	// not at all.
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		if _, err := s.messages.InsertOne(sc, msg); err != nil {
			return nil, err
		}
		res, err := s.conversations.UpdateOne(sc, bson.M{"_id": msg.ConversationID}, update)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, ErrConversationNotFound
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("message.Append: %w", err)
	}
	return nil
}

func (s *MongoStore) ListByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("message.ListByConversation: %w", err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	msgs := []*Message{}
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("message.ListByConversation: %w", err)
	}
	return msgs, nil
}
