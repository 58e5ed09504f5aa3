package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/alimasry/go-block-editor/block"
)

const createDocumentsTable = `
CREATE TABLE IF NOT EXISTS documents (
	id VARCHAR(64) PRIMARY KEY,
	owner_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	style_id VARCHAR(64) NOT NULL DEFAULT '',
	public BOOLEAN NOT NULL DEFAULT FALSE,
	content JSONB NOT NULL DEFAULT '[]',
	access_restrictions JSONB NOT NULL DEFAULT '[]',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMP WITH TIME ZONE,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	edited_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_owner_id ON documents(owner_id);
`

const documentColumns = `id, owner_id, name, style_id, public, content, access_restrictions, is_deleted, deleted_at, created_at, edited_at`

// PostgresRepository implements DocumentRepository using PostgreSQL.
// Content and access restrictions are stored as JSONB.
type PostgresRepository struct {
	db *sql.DB
}

// OpenPostgresRepository connects to connStr and ensures the schema exists.
func OpenPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	repo := NewPostgresRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the documents table if it doesn't exist.
func (s *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createDocumentsTable); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *PostgresRepository) Close() error {
	return s.db.Close()
}

func marshalColumns(doc *block.Document) (content, restrictions []byte, err error) {
	elems := doc.Content
	if elems == nil {
		elems = []block.DocElement{}
	}
	if content, err = json.Marshal(elems); err != nil {
		return nil, nil, err
	}
	rs := doc.AccessRestrictions
	if rs == nil {
		rs = []block.AccessRestriction{}
	}
	if restrictions, err = json.Marshal(rs); err != nil {
		return nil, nil, err
	}
	return content, restrictions, nil
}

func (s *PostgresRepository) Create(ctx context.Context, doc *block.Document) error {
	content, restrictions, err := marshalColumns(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.OwnerID, doc.Name, doc.StyleID, doc.Public, content, restrictions,
		doc.IsDeleted, doc.DeletedAt, doc.CreatedAt, doc.EditedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentExists)
	}
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*block.Document, error) {
	var (
		doc          block.Document
		content      []byte
		restrictions []byte
		deletedAt    sql.NullTime
	)
	err := row.Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.Name,
		&doc.StyleID,
		&doc.Public,
		&content,
		&restrictions,
		&doc.IsDeleted,
		&deletedAt,
		&doc.CreatedAt,
		&doc.EditedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &doc.Content); err != nil {
		return nil, fmt.Errorf("decode content of %q: %w", doc.ID, err)
	}
	if err := json.Unmarshal(restrictions, &doc.AccessRestrictions); err != nil {
		return nil, fmt.Errorf("decode access restrictions of %q: %w", doc.ID, err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	return &doc, nil
}

func (s *PostgresRepository) Get(ctx context.Context, id, ownerID string) (*block.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	args := []interface{}{id}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresRepository) List(ctx context.Context, ownerID string) ([]block.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY edited_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []block.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresRepository) Replace(ctx context.Context, doc *block.Document) error {
	content, restrictions, err := marshalColumns(doc)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET owner_id = $2, name = $3, style_id = $4, public = $5, content = $6,
			access_restrictions = $7, is_deleted = $8, deleted_at = $9, edited_at = $10
		WHERE id = $1`,
		doc.ID, doc.OwnerID, doc.Name, doc.StyleID, doc.Public, content, restrictions,
		doc.IsDeleted, doc.DeletedAt, doc.EditedAt,
	)
	if err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentNotFound)
	}
	return nil
}

var _ DocumentRepository = (*PostgresRepository)(nil)
var _ DocumentRepository = (*FirestoreRepository)(nil)
var _ DocumentRepository = (*MemoryRepository)(nil)
var _ KV = (*MemoryKV)(nil)
var _ KV = (*RedisKV)(nil)
