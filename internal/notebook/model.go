package notebook

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// AppKind identifies the host application a notebook runs inside.
type AppKind string

const (
	AppKindRoam     AppKind = "roam"
	AppKindObsidian AppKind = "obsidian"
	AppKindLogseq   AppKind = "logseq"
	AppKindSamepage AppKind = "samepage"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNotebookUUID indicates an empty or oversized notebook identifier.
	ErrInvalidNotebookUUID = errors.New("notebook: invalid notebook uuid")
	// ErrInvalidWorkspace indicates an empty or oversized workspace name.
	ErrInvalidWorkspace = errors.New("notebook: invalid workspace")
)

// NotebookUUID represents a validated notebook identifier.
type NotebookUUID string

// NewNotebookUUID validates raw input and returns a NotebookUUID.
func NewNotebookUUID(rawInput string) (NotebookUUID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNotebookUUID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNotebookUUID, maxIdentifierLength)
	}
	return NotebookUUID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NotebookUUID) String() string {
	return string(id)
}

// Notebook is one installation/workspace of a note-taking application
// participating in the protocol. Immutable once created except for
// soft-deletion.
type Notebook struct {
	UUID             string         `gorm:"column:uuid;primaryKey;size:36;not null"`
	AppKind          string         `gorm:"column:app_kind;size:32;not null"`
	Workspace        string         `gorm:"column:workspace;size:190;not null;index:idx_notebooks_app_workspace"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	DeletedAt        gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Notebook) TableName() string {
	return "notebooks"
}

// Token is a credential owned by a user account. The secret value is what
// links authenticate against.
type Token struct {
	UUID             string `gorm:"column:uuid;primaryKey;size:36;not null"`
	Value            string `gorm:"column:value;size:190;not null"`
	OwnerUserID      string `gorm:"column:owner_user_id;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Token) TableName() string {
	return "tokens"
}

// NotebookTokenLink joins notebooks to tokens. Historical re-links leave
// multiple rows; any row whose token value matches authenticates.
type NotebookTokenLink struct {
	UUID         string `gorm:"column:uuid;primaryKey;size:36;not null"`
	NotebookUUID string `gorm:"column:notebook_uuid;size:36;not null;index:idx_token_links_notebook"`
	TokenUUID    string `gorm:"column:token_uuid;size:36;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NotebookTokenLink) TableName() string {
	return "notebook_token_links"
}
