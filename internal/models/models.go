package models

import "time"

// User is owned by the user service; this process only reads it.
type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Role      string    `gorm:"type:varchar(16);not null;default:patient" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

type ChatMessage struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(255);index:idx_chat_msg_conv_time,priority:1;not null" json:"conversation_id"`
	Sender         string    `gorm:"type:varchar(64);not null" json:"sender"`
	SenderID       uint64    `gorm:"index" json:"user_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Timestamp      time.Time `gorm:"index:idx_chat_msg_conv_time,priority:2;not null" json:"timestamp"`

	AttachmentName string `gorm:"type:varchar(255)" json:"attachment_name,omitempty"`
	AttachmentType string `gorm:"type:varchar(128)" json:"attachment_type,omitempty"`
	AttachmentSize int64  `json:"attachment_size,omitempty"`
	AttachmentData []byte `gorm:"type:longblob" json:"-"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

type NotificationRecord struct {
	ID        uint64               `gorm:"primaryKey;autoIncrement" json:"-"`
	PublicID  string               `gorm:"type:char(36);uniqueIndex;not null" json:"id"`
	Title     string               `gorm:"type:varchar(255);not null" json:"title"`
	Content   string               `gorm:"type:text;not null" json:"content"`
	Type      string               `gorm:"type:varchar(32);not null" json:"type"`
	CreatedAt time.Time            `gorm:"index" json:"created_at"`
	Targets   []NotificationTarget `gorm:"foreignKey:NotificationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (NotificationRecord) TableName() string { return "notifications" }

type NotificationTarget struct {
	NotificationID uint64 `gorm:"primaryKey"`
	UserID         uint64 `gorm:"primaryKey;index"`
}

func (NotificationTarget) TableName() string { return "notification_targets" }

type DeviceToken struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID     uint64    `gorm:"index;not null" json:"user_id"`
	Token      string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"token"`
	Platform   string    `gorm:"type:varchar(16);not null" json:"platform"`
	Revoked    bool      `gorm:"not null" json:"revoked"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

// All lists every table this service migrates.
func All() []any {
	return []any{&User{}, &ChatMessage{}, &NotificationRecord{}, &NotificationTarget{}, &DeviceToken{}}
}
