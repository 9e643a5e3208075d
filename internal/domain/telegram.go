package domain

// Update is the inbound transport envelope, one per webhook delivery or
// polled batch entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the inbound message payload. Exactly one of Text or Document
// carries the user's input.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from"`
	Chat      *Chat     `json:"chat"`
	Text      string    `json:"text"`
	Document  *Document `json:"document,omitempty"`
}

type User struct {
	ID int64 `json:"id"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// Document is a file attachment reference; the content is fetched separately
// through the transport.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}
