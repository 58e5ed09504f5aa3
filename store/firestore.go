package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-block-editor/block"
)

// FirestoreRepository is a Firestore-backed implementation of DocumentRepository.
type FirestoreRepository struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreRepository creates a FirestoreRepository using the given Firestore client.
func NewFirestoreRepository(client *firestore.Client) *FirestoreRepository {
	return &FirestoreRepository{
		client:     client,
		collection: "documents",
	}
}

type firestoreElement struct {
	ID    string                 `firestore:"id"`
	Type  string                 `firestore:"type"`
	Attrs map[string]interface{} `firestore:"attrs"`
	Data  map[string]interface{} `firestore:"data"`
}

type firestoreRestriction struct {
	UserID string `firestore:"userId"`
	Role   string `firestore:"role"`
}

type firestoreDocument struct {
	OwnerID            string                 `firestore:"ownerId"`
	Name               string                 `firestore:"name"`
	StyleID            string                 `firestore:"styleId"`
	Public             bool                   `firestore:"public"`
	Content            []firestoreElement     `firestore:"content"`
	AccessRestrictions []firestoreRestriction `firestore:"accessRestrictions"`
	IsDeleted          bool                   `firestore:"isDeleted"`
	DeletedAt          *time.Time             `firestore:"deletedAt"`
	CreatedAt          time.Time              `firestore:"createdAt"`
	EditedAt           time.Time              `firestore:"editedAt"`
}

func toFirestore(doc *block.Document) firestoreDocument {
	fd := firestoreDocument{
		OwnerID:            doc.OwnerID,
		Name:               doc.Name,
		StyleID:            doc.StyleID,
		Public:             doc.Public,
		Content:            make([]firestoreElement, len(doc.Content)),
		AccessRestrictions: make([]firestoreRestriction, len(doc.AccessRestrictions)),
		IsDeleted:          doc.IsDeleted,
		DeletedAt:          doc.DeletedAt,
		CreatedAt:          doc.CreatedAt,
		EditedAt:           doc.EditedAt,
	}
	for i, el := range doc.Content {
		fd.Content[i] = firestoreElement{ID: el.ID, Type: string(el.Type), Attrs: el.Attrs, Data: el.Data}
	}
	for i, r := range doc.AccessRestrictions {
		fd.AccessRestrictions[i] = firestoreRestriction{UserID: r.UserID, Role: string(r.Role)}
	}
	return fd
}

func (fd firestoreDocument) toDocument(id string) *block.Document {
	doc := &block.Document{
		ID:                 id,
		OwnerID:            fd.OwnerID,
		Name:               fd.Name,
		StyleID:            fd.StyleID,
		Public:             fd.Public,
		Content:            make([]block.DocElement, len(fd.Content)),
		AccessRestrictions: make([]block.AccessRestriction, len(fd.AccessRestrictions)),
		IsDeleted:          fd.IsDeleted,
		DeletedAt:          fd.DeletedAt,
		CreatedAt:          fd.CreatedAt,
		EditedAt:           fd.EditedAt,
	}
	for i, el := range fd.Content {
		attrs, data := el.Attrs, el.Data
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		if data == nil {
			data = map[string]interface{}{}
		}
		doc.Content[i] = block.DocElement{ID: el.ID, Type: block.ElementType(el.Type), Attrs: attrs, Data: data}
	}
	for i, r := range fd.AccessRestrictions {
		doc.AccessRestrictions[i] = block.AccessRestriction{UserID: r.UserID, Role: block.Role(r.Role)}
	}
	return doc
}

func (s *FirestoreRepository) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreRepository) Create(ctx context.Context, doc *block.Document) error {
	_, err := s.docRef(doc.ID).Create(ctx, toFirestore(doc))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentExists)
	}
	return err
}

func (s *FirestoreRepository) Get(ctx context.Context, id, ownerID string) (*block.Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc, err := snapshotToDocument(snap)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return nil, fmt.Errorf("document %q: %w", id, ErrDocumentNotFound)
	}
	return doc, nil
}

func snapshotToDocument(snap *firestore.DocumentSnapshot) (*block.Document, error) {
	var fd firestoreDocument
	if err := snap.DataTo(&fd); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
	}
	return fd.toDocument(snap.Ref.ID), nil
}

func (s *FirestoreRepository) List(ctx context.Context, ownerID string) ([]block.Document, error) {
	q := s.client.Collection(s.collection).Query
	if ownerID != "" {
		q = q.Where("ownerId", "==", ownerID)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var result []block.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		doc, err := snapshotToDocument(snap)
		if err != nil {
			return nil, err
		}
		result = append(result, *doc)
	}
	return result, nil
}

func (s *FirestoreRepository) Replace(ctx context.Context, doc *block.Document) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.docRef(doc.ID)
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, toFirestore(doc))
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentNotFound)
	}
	return err
}
