package snapshot

// Page is a logical shared document. It carries no content of its own;
// content lives in the per-notebook links.
type Page struct {
	UUID             string `gorm:"column:uuid;primaryKey;size:36;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// PageNotebookLink records one notebook's participation in one shared page.
// It is the unit of synchronized state: version is derived from CRDT history
// length and never decreases, and the cid pointer only ever moves through the
// store's guarded put.
type PageNotebookLink struct {
	UUID             string `gorm:"column:uuid;primaryKey;size:36;not null"`
	PageUUID         string `gorm:"column:page_uuid;size:36;not null;uniqueIndex:idx_page_notebook,priority:1"`
	NotebookUUID     string `gorm:"column:notebook_uuid;size:36;not null;uniqueIndex:idx_page_notebook,priority:2;index:idx_links_notebook"`
	NotebookPageID   string `gorm:"column:notebook_page_id;size:512;not null"`
	Open             bool   `gorm:"column:open;not null;default:true"`
	CID              string `gorm:"column:cid;size:64;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	InvitedBy        string `gorm:"column:invited_by;size:36;not null;default:''"`
	InvitedAtSeconds int64  `gorm:"column:invited_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PageNotebookLink) TableName() string {
	return "page_notebook_links"
}
