package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/models"
)

const defaultOpTimeout = 5 * time.Second

// MongoStore persists messages in a messages collection and allocates
// per-conversation sequence numbers from a counters collection, so ids stay
// monotonic per conversation across instances.
type MongoStore struct {
	msgCol      *mongo.Collection
	counterCol  *mongo.Collection
	presenceCol *mongo.Collection
	opTimeout   time.Duration
	logger      *zap.SugaredLogger
}

func NewMongoStore(db *mongo.Database, opTimeout time.Duration, logger *zap.SugaredLogger) *MongoStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	s := &MongoStore{
		msgCol:      db.Collection("messages"),
		counterCol:  db.Collection("conversation_counters"),
		presenceCol: db.Collection("presence"),
		opTimeout:   opTimeout,
		logger:      logger,
	}
	s.ensureIndexes()
	return s
}

func (s *MongoStore) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("conversation_seq_idx"),
		},
		{
			// one durable message per (conversation, localID): internal
			// retries after a lost ack must not duplicate the append
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "local_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("conversation_local_idx").
				SetPartialFilterExpression(bson.M{"local_id": bson.M{"$type": "string"}}),
		},
	}
	if _, err := s.msgCol.Indexes().CreateMany(ctx, indexes); err != nil {
		s.logger.Warnw("create message indexes", "err", err)
	}
}

// nextSeq atomically increments and returns the conversation's sequence.
func (s *MongoStore) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	res := s.counterCol.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, m *models.Message) (string, error) {
	if err := validateMessage(m); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	seq, err := s.nextSeq(ctx, m.ConversationID)
	if err != nil {
		return "", s.wrapUnavailable("allocate sequence", err)
	}
	m.Seq = seq
	m.ID = models.MessageID(m.ConversationID, seq)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = models.StatusSent
	}
	m.Pending = false

	if _, err := s.msgCol.InsertOne(ctx, m); err != nil {
		// A duplicate key on (conversation, local_id) means the append
		// already landed on a previous attempt whose ack was lost.
		// Return the existing id so retries stay idempotent.
		if mongo.IsDuplicateKeyError(err) && m.LocalID != "" {
			var existing models.Message
			ferr := s.msgCol.FindOne(ctx, bson.M{
				"conversation_id": m.ConversationID,
				"local_id":        m.LocalID,
			}).Decode(&existing)
			if ferr == nil {
				*m = existing
				return existing.ID, nil
			}
			return "", s.wrapUnavailable("resolve duplicate append", ferr)
		}
		return "", s.wrapUnavailable("insert message", err)
	}
	return m.ID, nil
}

func (s *MongoStore) AdvanceStatus(ctx context.Context, conversationID, messageID string, status models.DeliveryStatus) error {
	if status.Rank() < 0 {
		return fmt.Errorf("%w: unknown delivery status %q", apperr.ErrValidation, status)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	// The $in filter keeps the transition monotonic: a read never regresses
	// to delivered, a regressing update simply matches nothing.
	var lower []models.DeliveryStatus
	for _, st := range []models.DeliveryStatus{models.StatusSent, models.StatusDelivered} {
		if st.Advances(status) {
			lower = append(lower, st)
		}
	}
	_, err := s.msgCol.UpdateOne(ctx,
		bson.M{"_id": messageID, "conversation_id": conversationID, "delivery_status": bson.M{"$in": lower}},
		bson.M{"$set": bson.M{"delivery_status": status}},
	)
	if err != nil {
		return s.wrapUnavailable("advance status", err)
	}
	return nil
}

func (s *MongoStore) SavePresence(ctx context.Context, p models.Presence) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err := s.presenceCol.UpdateOne(ctx,
		bson.M{"_id": p.UserID},
		bson.M{"$set": p},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return s.wrapUnavailable("save presence", err)
	}
	return nil
}

func (s *MongoStore) Since(ctx context.Context, conversationID, cursor string) ([]models.Message, error) {
	after, err := models.ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	filter := bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": after}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.msgCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.wrapUnavailable("find since", err)
	}
	defer cur.Close(ctx)

	var out []models.Message
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	if err := cur.Err(); err != nil {
		return nil, s.wrapUnavailable("iterate since", err)
	}
	return out, nil
}

// Subscribe tails the messages collection with a change stream so a second
// instance's writes reach this instance's subscribers too.
func (s *MongoStore) Subscribe(ctx context.Context, conversationID string, fn func(models.Message)) (func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"operationType":                "insert",
			"fullDocument.conversation_id": conversationID,
		}}},
	}
	stream, err := s.msgCol.Watch(ctx, pipeline)
	if err != nil {
		return nil, s.wrapUnavailable("watch messages", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(streamCtx) {
			var ev struct {
				FullDocument models.Message `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				s.logger.Warnw("decode change stream event", "err", err)
				continue
			}
			fn(ev.FullDocument)
		}
	}()
	return cancel, nil
}

func (s *MongoStore) wrapUnavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
	}
	// Server selection failures surface as generic errors; the store being
	// unreachable is the common cause, so classify them as transient too.
	if _, ok := err.(mongo.ServerError); !ok && err != nil {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
