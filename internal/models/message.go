package models

import "time"

// Message content types.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeFile     = "file"
	MessageTypeLocation = "location"
	MessageTypeSticker  = "sticker"
)

// Delivery status lifecycle. A message only ever advances:
// sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio,
		MessageTypeFile, MessageTypeLocation, MessageTypeSticker:
		return true
	}
	return false
}

// StatusRank orders delivery statuses so advancement checks can compare them.
// Unknown statuses rank below sent.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

type Message struct {
	ID         string `json:"id"` // envelope id, globally unique
	SenderID   string `json:"sender"`
	ReceiverID string `json:"receiver"`
	Type       string `json:"type"`
	Content    string `json:"content"`

	Attachments []Attachment `json:"attachments,omitempty"`

	Status      string     `json:"status"`
	SentAt      time.Time  `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`

	IsEdited  bool       `json:"isEdited"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"-"`

	ReplyTo   *string    `json:"replyTo,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName,omitempty"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	Duration     int    `json:"duration,omitempty"` // audio/video, seconds
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"user"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tombstone returns the listing representation of a soft-deleted message:
// the body is hidden but the record's place in the conversation remains.
func (m *Message) Tombstone() *Message {
	t := *m
	t.Content = ""
	t.Attachments = nil
	t.Reactions = nil
	return &t
}
