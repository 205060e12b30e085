// Package mongo backs the console with MongoDB. Live snapshots are driven
// by change streams: every relevant change event triggers a full re-query of
// the watched set, so subscribers always receive a complete, authoritative
// snapshot rather than a delta. Requires a replica set (change streams do
// not work on standalone servers).
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-console/internal/config"
	"github.com/chirino/chat-console/internal/model"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.Backend, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("mongo: CHAT_CONSOLE_DB_URL is required")
			}
			client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
			if err != nil {
				return nil, fmt.Errorf("mongo: connect: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("mongo: ping: %w", err)
			}
			dbName := cfg.DBName
			if dbName == "" {
				dbName = "chat_console"
			}
			b := &Backend{client: client, db: client.Database(dbName)}
			if err := b.ensureIndexes(ctx); err != nil {
				return nil, err
			}
			return b, nil
		},
	})
}

// Backend implements registrystore.Backend over MongoDB.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

func (b *Backend) conversations() *mongo.Collection { return b.db.Collection("conversations") }
func (b *Backend) messagesColl() *mongo.Collection  { return b.db.Collection("messages") }

func (b *Backend) Messages() registrystore.MessageStore { return (*messageStore)(b) }

func (b *Backend) Conversations() registrystore.ConversationIndex { return (*conversationIndex)(b) }

func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.messagesColl().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create message indexes: %w", err)
	}
	_, err = b.conversations().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create conversation indexes: %w", err)
	}
	return nil
}

// conversationDoc is the persisted conversation shape.
type conversationDoc struct {
	ID            string    `bson:"_id"`
	TenantID      string    `bson:"tenant_id"`
	DisplayName   string    `bson:"display_name"`
	RemotePartyID string    `bson:"remote_party_id"`
	LastActivity  time.Time `bson:"last_activity,omitempty"`
}

func (d conversationDoc) asModel() model.Conversation {
	return model.Conversation{
		ID:            d.ID,
		TenantID:      d.TenantID,
		DisplayName:   d.DisplayName,
		RemotePartyID: d.RemotePartyID,
		LastActivity:  d.LastActivity,
	}
}

// messageDoc is the persisted message shape. The _id carries both the
// conversation and the encoded compound key, which is what makes appends
// create-only: a second writer inserting the same key gets a duplicate-key
// error. Sequence number and author tag are also stored structured; docs
// written by legacy console clients have only the key.
type messageDoc struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	Key            string `bson:"key"`
	SequenceNumber int    `bson:"sequence_number,omitempty"`
	AuthorTag      string `bson:"author_tag,omitempty"`
	Kind           string `bson:"kind"`
	Content        string `bson:"content"`
	Delivered      bool   `bson:"delivered"`
}

func (d messageDoc) asModel() model.Message {
	return model.Message{
		ConversationID: d.ConversationID,
		EncodedKey:     d.Key,
		SequenceNumber: d.SequenceNumber,
		AuthorTag:      d.AuthorTag,
		Kind:           model.MessageKind(d.Kind),
		Content:        d.Content,
		Delivered:      d.Delivered,
	}
}

func messageDocID(conversationID, encodedKey string) string {
	return conversationID + "/" + encodedKey
}

type messageStore Backend

func (s *messageStore) Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error {
	b := (*Backend)(s)
	encoded := key.Encode()
	doc := messageDoc{
		ID:             messageDocID(conversationID, encoded),
		ConversationID: conversationID,
		Key:            encoded,
		SequenceNumber: key.SequenceNumber,
		AuthorTag:      key.AuthorTag,
		Kind:           string(msg.Kind),
		Content:        msg.Content,
		Delivered:      msg.Delivered,
	}
	if _, err := b.messagesColl().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{ConversationID: conversationID, Key: encoded}
		}
		return &registrystore.WriteError{Op: "append", Err: err}
	}
	return nil
}

func (s *messageStore) Subscribe(ctx context.Context, conversationID string) (*registrystore.MessageSubscription, error) {
	b := (*Backend)(s)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"fullDocument.conversation_id": conversationID}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := b.messagesColl().Watch(watchCtx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo: watch messages: %w", err)
	}

	sub := registrystore.NewSubscription[[]model.Message]()
	go func() {
		<-sub.Done()
		cancel()
	}()
	go func() {
		defer sub.FinishPushes()
		defer cs.Close(watchCtx)

		push := func() bool {
			snap, err := b.querySnapshot(watchCtx, conversationID)
			if err != nil {
				sub.Fail(err)
				return false
			}
			return sub.Push(snap)
		}
		if !push() {
			return
		}
		for cs.Next(watchCtx) {
			if !push() {
				return
			}
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			sub.Fail(err)
		}
	}()
	return sub, nil
}

func (b *Backend) querySnapshot(ctx context.Context, conversationID string) ([]model.Message, error) {
	cursor, err := b.messagesColl().Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, fmt.Errorf("mongo: query messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode messages: %w", err)
	}
	out := make([]model.Message, len(docs))
	for i, d := range docs {
		out[i] = d.asModel()
	}
	return out, nil
}

type conversationIndex Backend

func (s *conversationIndex) ListByTenant(ctx context.Context, tenantID string) (*registrystore.ConversationSubscription, error) {
	b := (*Backend)(s)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"fullDocument.tenant_id": tenantID}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := b.conversations().Watch(watchCtx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo: watch conversations: %w", err)
	}

	sub := registrystore.NewSubscription[[]model.Conversation]()
	go func() {
		<-sub.Done()
		cancel()
	}()
	go func() {
		defer sub.FinishPushes()
		defer cs.Close(watchCtx)

		push := func() bool {
			snap, err := b.queryConversations(watchCtx, tenantID)
			if err != nil {
				sub.Fail(err)
				return false
			}
			return sub.Push(snap)
		}
		if !push() {
			return
		}
		for cs.Next(watchCtx) {
			if !push() {
				return
			}
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			sub.Fail(err)
		}
	}()
	return sub, nil
}

func (b *Backend) queryConversations(ctx context.Context, tenantID string) ([]model.Conversation, error) {
	cursor, err := b.conversations().Find(ctx, bson.M{"tenant_id": tenantID})
	if err != nil {
		return nil, fmt.Errorf("mongo: query conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode conversations: %w", err)
	}
	out := make([]model.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.asModel()
	}
	return out, nil
}

func (s *conversationIndex) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	b := (*Backend)(s)
	// $set on the single field is the merge-write: no other conversation
	// field is read or rewritten.
	res, err := b.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"last_activity": ts}},
	)
	if err != nil {
		return &registrystore.WriteError{Op: "touch", Err: err}
	}
	if res.MatchedCount == 0 {
		return &registrystore.WriteError{
			Op:  "touch",
			Err: &registrystore.NotFoundError{Resource: "conversation", ID: conversationID},
		}
	}
	return nil
}
