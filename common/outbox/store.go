package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrEventNotFound = errors.New("outbox event not found")

const (
	collectionName = "outbox"
	stateCollName  = "outbox_relay_state"
	stateDocID     = "resume_token"
)

// Store persists outbox events in the owning service's database. Insert is
// meant to run inside the caller's session so the business write and the
// event commit atomically.
type Store struct {
	coll  *mongo.Collection
	state *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		coll:  db.Collection(collectionName),
		state: db.Collection(stateCollName),
	}
}

// Collection exposes the underlying collection for the relay's change feed.
func (s *Store) Collection() *mongo.Collection { return s.coll }

// Insert writes a PENDING event. Call it with a session context inside
// the same transaction as the owning entity's write.
func (s *Store) Insert(ctx context.Context, ev Event) error {
	if _, err := s.coll.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// Get loads an event by its event identifier.
func (s *Store) Get(ctx context.Context, eventID string) (*Event, error) {
	var ev Event
	err := s.coll.FindOne(ctx, bson.M{"eventId": eventID}).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkPublished transitions PENDING→PUBLISHED with a published-at timestamp.
func (s *Store) MarkPublished(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"eventId": eventID, "status": StatusPending},
		bson.M{"$set": bson.M{"status": StatusPublished, "publishedAt": now}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed transitions the event to FAILED with the error that killed it.
func (s *Store) MarkFailed(ctx context.Context, eventID, lastError string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"eventId": eventID},
		bson.M{"$set": bson.M{"status": StatusFailed, "lastError": lastError}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ScheduleRetry increments the retry counter and sets the next-retry
// timestamp to now + 2^retries seconds. Returns the new retry count.
func (s *Store) ScheduleRetry(ctx context.Context, eventID, lastError string) (int, error) {
	var ev Event
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"eventId": eventID, "status": StatusPending},
		[]bson.M{
			{"$set": bson.M{
				"retries":   bson.M{"$add": bson.A{"$retries", 1}},
				"lastError": lastError,
			}},
			{"$set": bson.M{
				"nextRetryAt": bson.M{"$dateAdd": bson.M{
					"startDate": "$$NOW",
					"unit":      "second",
					"amount":    bson.M{"$pow": bson.A{2, "$retries"}},
				}},
			}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrEventNotFound
	}
	if err != nil {
		return 0, err
	}
	return ev.Retries, nil
}

// PendingDue scans for PENDING events whose retry timestamp has passed (or
// was never set). It backs both the startup recovery scan and the periodic
// sweep that catches retry timers that fired while the relay was down.
func (s *Store) PendingDue(ctx context.Context, now time.Time, limit int64) ([]Event, error) {
	filter := bson.M{
		"status": StatusPending,
		"$or": []bson.M{
			{"nextRetryAt": bson.M{"$exists": false}},
			{"nextRetryAt": bson.M{"$lte": now}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(limit)
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CountPending reports the current PENDING backlog for metrics.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"status": StatusPending})
}

// ManualRetry is the operator action that returns a FAILED event to PENDING
// with a reset retry budget.
func (s *Store) ManualRetry(ctx context.Context, eventID string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"eventId": eventID, "status": StatusFailed},
		bson.M{
			"$set":   bson.M{"status": StatusPending, "retries": 0},
			"$unset": bson.M{"nextRetryAt": "", "lastError": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

// SaveResumeToken persists the change-feed resume token. Called on every
// notification so a restart re-opens the feed where it left off.
func (s *Store) SaveResumeToken(ctx context.Context, token bson.Raw) error {
	_, err := s.state.UpdateOne(ctx,
		bson.M{"_id": stateDocID},
		bson.M{"$set": bson.M{"token": token, "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

// LoadResumeToken returns the last saved token, or nil if none was saved.
func (s *Store) LoadResumeToken(ctx context.Context) (bson.Raw, error) {
	var doc struct {
		Token bson.Raw `bson:"token"`
	}
	err := s.state.FindOne(ctx, bson.M{"_id": stateDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Token, nil
}
