package domain

// ChatRecord is a single persisted conversation turn.
type ChatRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// Session is one user-model conversation thread. A user may hold any number
// of sessions but at most one with IsActive set; the session manager enforces
// that, not the store.
type Session struct {
	UserID        int64
	SK            string // MODEL#<model>#SESSION#<id>
	ModelName     string
	SessionID     string
	Conversation  []ChatRecord
	IsActive      bool
	LastMessageTS int64
	PendingSince  int64
	TTL           int64

	// ModelRetired is computed against the current catalog when listing;
	// it is never stored.
	ModelRetired bool
}

// Archive is the immutable export shape written to the archive store.
type Archive struct {
	UserID        int64        `json:"user_id"`
	SessionID     string       `json:"session_id"`
	ModelName     string       `json:"model_name"`
	Conversation  []ChatRecord `json:"conversation"`
	OriginalSK    string       `json:"original_sk,omitempty"`
	LastMessageTS int64        `json:"last_message_ts"`
	ArchivedAt    string       `json:"archived_at"`
	Version       string       `json:"archive_version"`
}

// ArchiveInfo describes one stored archive object without its content.
type ArchiveInfo struct {
	SessionID    string
	Key          string
	Size         int64
	LastModified string
}
