package block

import (
	"fmt"
	"time"
)

// ElementType is the closed set of block kinds a document may contain.
type ElementType string

const (
	Paragraph ElementType = "paragraph"
	Header    ElementType = "header"
	List      ElementType = "list"
	Quote     ElementType = "quote"
	Code      ElementType = "code"
)

// Valid reports whether t is one of the known element types.
func (t ElementType) Valid() bool {
	switch t {
	case Paragraph, Header, List, Quote, Code:
		return true
	}
	return false
}

// UnmarshalText rejects element types outside the closed set.
func (t *ElementType) UnmarshalText(b []byte) error {
	v := ElementType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown element type %q", string(b))
	}
	*t = v
	return nil
}

// DocElement is one block of a document. The shape of Data is not
// checked against Type.
type DocElement struct {
	ID    string                 `json:"id,omitempty"`
	Type  ElementType            `json:"type"`
	Attrs map[string]interface{} `json:"attrs"`
	Data  map[string]interface{} `json:"data"`
}

// Role is the access level a user holds on a document.
type Role string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
)

// AccessRestriction grants a non-owner user a role on a document.
type AccessRestriction struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Document is a named, ordered list of blocks. Content order is the
// rendering order and the order every index in an event refers to.
type Document struct {
	ID                 string              `json:"id"`
	OwnerID            string              `json:"owner_id"`
	Name               string              `json:"name"`
	StyleID            string              `json:"style_id,omitempty"`
	Public             bool                `json:"public"`
	Content            []DocElement        `json:"content"`
	AccessRestrictions []AccessRestriction `json:"access_restrictions"`
	IsDeleted          bool                `json:"is_deleted"`
	DeletedAt          *time.Time          `json:"deleted_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	EditedAt           time.Time           `json:"edited_at"`
}

// NewDocument creates an empty, live document owned by ownerID.
func NewDocument(id, ownerID, name string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:                 id,
		OwnerID:            ownerID,
		Name:               name,
		Content:            []DocElement{},
		AccessRestrictions: []AccessRestriction{},
		CreatedAt:          now,
		EditedAt:           now,
	}
}

// RoleOf returns the role userID holds on the document. The owner is
// always an editor; anyone without a restriction entry has no access.
func (d *Document) RoleOf(userID string) (Role, bool) {
	if d.OwnerID == userID {
		return RoleEditor, true
	}
	for _, r := range d.AccessRestrictions {
		if r.UserID == userID {
			return r.Role, true
		}
	}
	return "", false
}

// MarkDeleted sets or clears the soft-delete flag.
func (d *Document) MarkDeleted(deleted bool) {
	d.IsDeleted = deleted
	if deleted {
		now := time.Now().UTC()
		d.DeletedAt = &now
	} else {
		d.DeletedAt = nil
	}
}
