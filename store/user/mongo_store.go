package user

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Directory over the users and posts collections.
type MongoStore struct {
	users *mongo.Collection
	posts *mongo.Collection
}

// NewMongoStore creates a new MongoStore.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		users: db.Collection("users"),
		posts: db.Collection("posts"),
	}
}

func (s *MongoStore) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	var found []Profile
	opts := options.Find().SetProjection(bson.M{"name": 1, "avatar": 1})
	if err := findAll(ctx, s.users, bson.M{"_id": bson.M{"$in": ids}}, opts, &found); err != nil {
		return nil, fmt.Errorf("user.Profiles: %w", err)
	}
	for _, p := range found {
		profiles[p.ID] = p
	}
	return profiles, nil
}

func (s *MongoStore) Posts(ctx context.Context, ids []string) (map[string]Post, error) {
	posts := make(map[string]Post, len(ids))
	if len(ids) == 0 {
		return posts, nil
	}

	var found []Post
	opts := options.Find().SetProjection(bson.M{"title": 1})
	if err := findAll(ctx, s.posts, bson.M{"_id": bson.M{"$in": ids}}, opts, &found); err != nil {
		return nil, fmt.Errorf("user.Posts: %w", err)
	}
	for _, p := range found {
		posts[p.ID] = p
	}
	return posts, nil
}

func findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions, out any) error {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()
	return cursor.All(ctx, out)
}
