// Package postgres backs the console with PostgreSQL. Writes go through
// GORM; live snapshots are driven by LISTEN/NOTIFY: every write posts a
// notification on a shared channel, and each subscriber whose scope matches
// re-queries its full set. All console instances sharing a database must use
// the same notify channel or they will not observe each other's writes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/config"
	"github.com/chirino/chat-console/internal/model"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.Backend, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres: CHAT_CONSOLE_DB_URL is required")
			}
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("postgres: connect: %w", err)
			}
			if err := db.WithContext(ctx).AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
				return nil, fmt.Errorf("postgres: migrate: %w", err)
			}
			channel := cfg.PGNotifyChannel
			if channel == "" {
				channel = "chat_console_changes"
			}
			b := &Backend{
				db:      db,
				dsn:     cfg.DBURL,
				channel: channel,
				subs:    map[string]map[*subscriber]struct{}{},
			}
			return b, nil
		},
	})
}

// conversationRow mirrors model.Conversation in the conversations table.
type conversationRow struct {
	ID            string     `gorm:"primaryKey"`
	TenantID      string     `gorm:"not null;index"`
	DisplayName   string     `gorm:"not null"`
	RemotePartyID string     `gorm:"not null"`
	LastActivity  *time.Time `gorm:"index"`
}

func (conversationRow) TableName() string { return "conversations" }

func (r conversationRow) asModel() model.Conversation {
	c := model.Conversation{
		ID:            r.ID,
		TenantID:      r.TenantID,
		DisplayName:   r.DisplayName,
		RemotePartyID: r.RemotePartyID,
	}
	if r.LastActivity != nil {
		c.LastActivity = *r.LastActivity
	}
	return c
}

// messageRow mirrors model.Message in the messages table. DocID is
// "<conversationID>/<encoded key>": the primary key is what makes appends
// create-only under concurrent writers.
type messageRow struct {
	DocID          string `gorm:"primaryKey;column:doc_id"`
	ConversationID string `gorm:"not null;index"`
	Key            string `gorm:"not null"`
	SequenceNumber int
	AuthorTag      string
	Kind           string `gorm:"not null"`
	Content        string `gorm:"not null"`
	Delivered      bool   `gorm:"not null;default:false"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) asModel() model.Message {
	return model.Message{
		ConversationID: r.ConversationID,
		EncodedKey:     r.Key,
		SequenceNumber: r.SequenceNumber,
		AuthorTag:      r.AuthorTag,
		Kind:           model.MessageKind(r.Kind),
		Content:        r.Content,
		Delivered:      r.Delivered,
	}
}

// Backend implements registrystore.Backend over PostgreSQL.
type Backend struct {
	db      *gorm.DB
	dsn     string
	channel string

	mu          sync.Mutex
	subs        map[string]map[*subscriber]struct{}
	listenerUp  bool
	listenerCtx context.CancelFunc
}

type subscriber struct {
	topic   string
	refresh func() bool // re-query and push; false once closed
	fail    func(error)
}

func (b *Backend) Messages() registrystore.MessageStore { return (*messageStore)(b) }

func (b *Backend) Conversations() registrystore.ConversationIndex { return (*conversationIndex)(b) }

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.listenerCtx != nil {
		b.listenerCtx()
	}
	b.mu.Unlock()
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func messageTopic(conversationID string) string { return "messages:" + conversationID }
func conversationTopic(tenantID string) string  { return "conversations:" + tenantID }

// notify posts a change notification inside the given transaction so it is
// only delivered if the write commits.
func notify(tx *gorm.DB, channel, topic string) error {
	return tx.Exec("SELECT pg_notify(?, ?)", channel, topic).Error
}

// register adds a subscriber and lazily starts the shared LISTEN connection.
func (b *Backend) register(s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[s.topic] == nil {
		b.subs[s.topic] = map[*subscriber]struct{}{}
	}
	b.subs[s.topic][s] = struct{}{}
	if !b.listenerUp {
		ctx, cancel := context.WithCancel(context.Background())
		b.listenerCtx = cancel
		b.listenerUp = true
		go b.listen(ctx)
	}
	return nil
}

func (b *Backend) unregister(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

// listen holds the dedicated notification connection. On connection loss
// every live subscriber is failed so its consumer resubscribes; the next
// Subscribe starts a fresh listener.
func (b *Backend) listen(ctx context.Context) {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err == nil {
		_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize())
	}
	if err == nil {
		for {
			var n *pgconn.Notification
			n, err = conn.WaitForNotification(ctx)
			if err != nil {
				break
			}
			b.dispatch(n.Payload)
		}
		_ = conn.Close(context.Background())
	}

	b.mu.Lock()
	b.listenerUp = false
	var failed []*subscriber
	for _, set := range b.subs {
		for s := range set {
			failed = append(failed, s)
		}
	}
	b.subs = map[string]map[*subscriber]struct{}{}
	b.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	log.Error("postgres: notification connection lost", "channel", b.channel, "err", err)
	for _, s := range failed {
		s.fail(fmt.Errorf("notification connection lost: %w", err))
	}
}

func (b *Backend) dispatch(topic string) {
	b.mu.Lock()
	var pending []*subscriber
	for s := range b.subs[topic] {
		pending = append(pending, s)
	}
	b.mu.Unlock()
	for _, s := range pending {
		s.refresh()
	}
}

type messageStore Backend

func (s *messageStore) Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error {
	b := (*Backend)(s)
	encoded := key.Encode()
	row := messageRow{
		DocID:          conversationID + "/" + encoded,
		ConversationID: conversationID,
		Key:            encoded,
		SequenceNumber: key.SequenceNumber,
		AuthorTag:      key.AuthorTag,
		Kind:           string(msg.Kind),
		Content:        msg.Content,
		Delivered:      msg.Delivered,
	}
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return notify(tx, b.channel, messageTopic(conversationID))
	})
	if err != nil {
		if isUniqueViolation(err) {
			return &registrystore.ConflictError{ConversationID: conversationID, Key: encoded}
		}
		return &registrystore.WriteError{Op: "append", Err: err}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *messageStore) Subscribe(ctx context.Context, conversationID string) (*registrystore.MessageSubscription, error) {
	b := (*Backend)(s)
	sub := registrystore.NewSubscription[[]model.Message]()

	// deliverMu serializes query+push so a refresh that read an older state
	// can never deliver after one that read a newer state.
	var deliverMu sync.Mutex
	refresh := func() bool {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		var rows []messageRow
		if err := b.db.Where("conversation_id = ?", conversationID).Find(&rows).Error; err != nil {
			sub.Fail(fmt.Errorf("query messages: %w", err))
			return false
		}
		snap := make([]model.Message, len(rows))
		for i, r := range rows {
			snap[i] = r.asModel()
		}
		return sub.Push(snap)
	}
	entry := &subscriber{topic: messageTopic(conversationID), refresh: refresh, fail: sub.Fail}
	if err := b.register(entry); err != nil {
		return nil, err
	}
	if !refresh() {
		b.unregister(entry)
		sub.FinishPushes()
		return nil, sub.Err()
	}
	go func() {
		<-sub.Done()
		b.unregister(entry)
		sub.FinishPushes()
	}()
	return sub, nil
}

type conversationIndex Backend

func (s *conversationIndex) ListByTenant(ctx context.Context, tenantID string) (*registrystore.ConversationSubscription, error) {
	b := (*Backend)(s)
	sub := registrystore.NewSubscription[[]model.Conversation]()

	var deliverMu sync.Mutex
	refresh := func() bool {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		var rows []conversationRow
		if err := b.db.Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
			sub.Fail(fmt.Errorf("query conversations: %w", err))
			return false
		}
		snap := make([]model.Conversation, len(rows))
		for i, r := range rows {
			snap[i] = r.asModel()
		}
		return sub.Push(snap)
	}
	entry := &subscriber{topic: conversationTopic(tenantID), refresh: refresh, fail: sub.Fail}
	if err := b.register(entry); err != nil {
		return nil, err
	}
	if !refresh() {
		b.unregister(entry)
		sub.FinishPushes()
		return nil, sub.Err()
	}
	go func() {
		<-sub.Done()
		b.unregister(entry)
		sub.FinishPushes()
	}()
	return sub, nil
}

func (s *conversationIndex) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	b := (*Backend)(s)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenantID string
		if err := tx.Model(&conversationRow{}).
			Where("id = ?", conversationID).
			Select("tenant_id").
			Scan(&tenantID).Error; err != nil {
			return err
		}
		if strings.TrimSpace(tenantID) == "" {
			return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID}
		}
		// Single-column UPDATE is the merge-write: nothing else is touched.
		if err := tx.Model(&conversationRow{}).
			Where("id = ?", conversationID).
			Update("last_activity", ts).Error; err != nil {
			return err
		}
		return notify(tx, b.channel, conversationTopic(tenantID))
	})
	if err != nil {
		return &registrystore.WriteError{Op: "touch", Err: err}
	}
	return nil
}
