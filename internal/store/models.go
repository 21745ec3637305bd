package store

type AllowedServer struct {
	ServerID   string `gorm:"column:server_id;primaryKey"`
	ServerName string `gorm:"column:server_name;not null;default:''"`
	ApprovedBy string `gorm:"column:approved_by;not null;default:''"`
	ApprovedAt int64  `gorm:"column:approved_at;not null;default:0"`
}

func (AllowedServer) TableName() string { return "allowed_servers" }

type Admin struct {
	UserID  string `gorm:"column:user_id;primaryKey"`
	AddedAt int64  `gorm:"column:added_at;not null;default:0"`
}

func (Admin) TableName() string { return "admins" }

// Game is one monitored place bound to a server and a notification channel.
// Health fields (LastSyncAt, LastError*, ErrorCount) are owned by the sync
// loop; liveness of the loop itself is the scheduler's, not the store's.
type Game struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServerID        string `gorm:"column:server_id;not null;uniqueIndex:idx_games_server_place"`
	PlaceID         int64  `gorm:"column:place_id;not null;uniqueIndex:idx_games_server_place"`
	ChannelID       string `gorm:"column:channel_id;not null;default:''"`
	APIKeyEncrypted []byte `gorm:"column:api_key_encrypted;not null"`
	AddedBy         string `gorm:"column:added_by;not null;default:''"`
	WorkingDir      string `gorm:"column:working_dir;not null;default:''"`
	LastSyncAt      int64  `gorm:"column:last_sync_at;not null;default:0"`
	LastError       string `gorm:"column:last_error;not null;default:''"`
	LastErrorAt     int64  `gorm:"column:last_error_at;not null;default:0"`
	ErrorCount      int    `gorm:"column:error_count;not null;default:0"`
	CreatedAt       int64  `gorm:"column:created_at;not null;default:0"`
}

func (Game) TableName() string { return "games" }

type Issue struct {
	ID             uint   `gorm:"column:id;primaryKey;autoIncrement"`
	GameID         uint   `gorm:"column:game_id;not null;index"`
	MessageRef     string `gorm:"column:message_ref;not null;default:''"`
	FilePath       string `gorm:"column:file_path;not null;default:''"`
	LineStart      int    `gorm:"column:line_start;not null;default:0"`
	LineEnd        int    `gorm:"column:line_end;not null;default:0"`
	Severity       string `gorm:"column:severity;not null;default:'Medium'"`
	Title          string `gorm:"column:title;not null;default:''"`
	Explanation    string `gorm:"column:explanation;not null;default:''"`
	Suggestion     string `gorm:"column:suggestion;not null;default:''"`
	Resolved       bool   `gorm:"column:resolved;not null;default:false"`
	ResolvedBy     string `gorm:"column:resolved_by;not null;default:''"`
	ResolvedReason string `gorm:"column:resolved_reason;not null;default:''"`
	ResolvedAt     int64  `gorm:"column:resolved_at;not null;default:0"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0"`
}

func (Issue) TableName() string { return "issues" }
