package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs a decoded entity with its identifier and server timestamp.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Encoder converts an entity into the value handed to Firestore.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder hydrates an entity from a document snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder shapes a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives repositories typed access to one Firestore collection.
// A nil encoder stores the value as-is; a nil decoder uses DataTo.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds a typed collection handle to the provider.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	if encode == nil {
		encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
			var value T
			err := snap.DataTo(&value)
			return value, err
		}
	}
	return &Collection[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		encode:   encode,
		decode:   decode,
	}
}

// Set upserts the value under the given document ID.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	payload, err := c.encode(ctx, value)
	if err != nil {
		return fmt.Errorf("firestore: encode document %s: %w", id, err)
	}
	_, err = doc.Set(ctx, payload, opts...)
	return WrapError(c.op("set"), err)
}

// Update applies field updates to the document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, opts ...firestore.Precondition) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	_, err = doc.Update(ctx, updates, opts...)
	return WrapError(c.op("update"), err)
}

// Get fetches and decodes the document with the given ID.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(ctx, snap)
}

// Query runs a collection query and decodes every matching document.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := c.decodeSnapshot(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, decoded)
	}
}

// DocumentRef exposes the raw reference for transactional reads and writes.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	return c.doc(ctx, id)
}

func (c *Collection[T]) decodeSnapshot(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := c.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, err
	}
	return Document[T]{ID: snap.Ref.ID, Data: entity, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	if c == nil || c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}
