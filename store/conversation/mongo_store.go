package conversation

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

// CollectionName is the MongoDB collection holding conversations.
const CollectionName = "conversations"

// document is the stored shape: the conversation plus the unordered
// pair key backing the uniqueness index.
type document struct {
	Conversation `bson:",inline"`
	PairKey      string `bson:"pair_key"`
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a new MongoStore.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(CollectionName)}
}

// EnsureIndexes creates the pair/context uniqueness index and the
// listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pair_key", Value: 1}, {Key: "context_ref", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("pair_context"),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("participants_updated"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation.EnsureIndexes: %w", err)
	}
	return nil
}

func (s *MongoStore) FindBetween(ctx context.Context, a, b, contextRef string) (*Conversation, error) {
	return s.findOne(ctx, "conversation.FindBetween", bson.M{"pair_key": PairKey(a, b), "context_ref": contextRef})
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Conversation, error) {
	return s.findOne(ctx, "conversation.Get", bson.M{"_id": id})
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.M) (*Conversation, error) {
	var doc document
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return normalize(&doc.Conversation), nil
}

func (s *MongoStore) Create(ctx context.Context, convo *Conversation) error {
	if len(convo.Participants) != 2 {
		return fmt.Errorf("conversation.Create: need 2 participants, got %d", len(convo.Participants))
	}
	if convo.ID == "" {
		// ObjectIDs sort in creation order within a process, which the
		// listing uses to break updatedAt ties.
		convo.ID = primitive.NewObjectID().Hex()
	}
	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now().UTC()
	}
	convo.UpdatedAt = convo.CreatedAt
	convo.DeletedBy = []string{}
	convo.UnreadBy = []string{}

	doc := document{
		Conversation: *convo,
		PairKey:      PairKey(convo.Participants[0], convo.Participants[1]),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConversationExists
		}
		return fmt.Errorf("conversation.Create: %w", err)
	}
	return nil
}

func (s *MongoStore) ListVisible(ctx context.Context, subjectID string) ([]*Conversation, error) {
	filter := bson.M{
		"participants": subjectID,
		"deleted_by":   bson.M{"$ne": subjectID},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("conversation.ListVisible: %w", err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("conversation.ListVisible: %w", err)
	}

	convos := make([]*Conversation, 0, len(docs))
	for i := range docs {
		convos = append(convos, normalize(&docs[i].Conversation))
	}
	return convos, nil
}

func (s *MongoStore) Hide(ctx context.Context, id, subjectID string) error {
	return s.updateOne(ctx, "conversation.Hide", id, bson.M{"$addToSet": bson.M{"deleted_by": subjectID}}, true)
}

func (s *MongoStore) Unhide(ctx context.Context, id, subjectID string) error {
	return s.updateOne(ctx, "conversation.Unhide", id, bson.M{"$pull": bson.M{"deleted_by": subjectID}}, true)
}

func (s *MongoStore) MarkRead(ctx context.Context, id, subjectID string) error {
	return s.updateOne(ctx, "conversation.MarkRead", id, bson.M{"$pull": bson.M{"unread_by": subjectID}}, false)
}

func (s *MongoStore) updateOne(ctx context.Context, op, id string, update bson.M, mustExist bool) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if mustExist && res.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func normalize(convo *Conversation) *Conversation {
	if convo.DeletedBy == nil {
		convo.DeletedBy = []string{}
	}
	if convo.UnreadBy == nil {
		convo.UnreadBy = []string{}
	}
	return convo
}
