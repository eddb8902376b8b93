package outbox

import (
	"context"
	"errors"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoFeedOpener returns a FeedOpener backed by a change stream on the
// outbox collection, watching inserts only. The change feed preserves
// insertion order for events written by the same transaction.
func MongoFeedOpener(coll *mongo.Collection) FeedOpener {
	return func(ctx context.Context, resumeAfter bson.Raw) (ChangeFeed, error) {
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
		}
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeAfter != nil {
			opts.SetResumeAfter(resumeAfter)
		}
		stream, err := coll.Watch(ctx, pipeline, opts)
		if err != nil {
			return nil, err
		}
		return &mongoFeed{stream: stream}, nil
	}
}

type mongoFeed struct {
	stream *mongo.ChangeStream
}

func (f *mongoFeed) Next(ctx context.Context) (Notification, error) {
	if !f.stream.Next(ctx) {
		if err := f.stream.Err(); err != nil {
			return Notification{}, err
		}
		return Notification{}, io.EOF
	}

	var change struct {
		FullDocument Event `bson:"fullDocument"`
	}
	if err := f.stream.Decode(&change); err != nil {
		return Notification{}, err
	}
	if change.FullDocument.EventID == "" {
		return Notification{}, errors.New("change event missing full document")
	}

	return Notification{
		Event:       change.FullDocument,
		ResumeToken: f.stream.ResumeToken(),
	}, nil
}

func (f *mongoFeed) Close(ctx context.Context) error {
	return f.stream.Close(ctx)
}
