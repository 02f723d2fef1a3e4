package relay

// Message is the durable audit record of one relay attempt. A row is created
// once per attempt regardless of delivery outcome and never mutated except
// for the marked flag.
type Message struct {
	UUID             string `gorm:"column:uuid;primaryKey;size:36;not null"`
	SourceUUID       string `gorm:"column:source_uuid;size:36;not null"`
	TargetUUID       string `gorm:"column:target_uuid;size:36;not null;index:idx_messages_target_marked,priority:1"`
	Operation        string `gorm:"column:operation;size:64;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	Marked           bool   `gorm:"column:marked;not null;default:false;index:idx_messages_target_marked,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// OnlineClient is one active transport connection. Rows are ephemeral:
// created on connect, deleted on disconnect or on a failed push. The newest
// row per notebook is the authoritative delivery target.
type OnlineClient struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	NotebookUUID     string `gorm:"column:notebook_uuid;size:36;not null;index:idx_online_clients_notebook"`
	ActorUUID        string `gorm:"column:actor_uuid;size:36;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OnlineClient) TableName() string {
	return "online_clients"
}

// ClientSession is the audit row that supersedes an OnlineClient when its
// connection ends, tagged with why it ended.
type ClientSession struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	NotebookUUID     string `gorm:"column:notebook_uuid;size:36;not null;index:idx_client_sessions_notebook"`
	ActorUUID        string `gorm:"column:actor_uuid;size:36;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	EndDateSeconds   int64  `gorm:"column:end_date_s;not null"`
	DisconnectedBy   string `gorm:"column:disconnected_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientSession) TableName() string {
	return "client_sessions"
}
