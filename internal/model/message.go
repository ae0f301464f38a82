package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Message is the normalized local record of one provider message.
// (AccountID, ProviderMessageID) is unique for the lifetime of the account.
type Message struct {
	ID                string     `db:"id"`
	AccountID         string     `db:"account_id"`
	ProviderMessageID string     `db:"provider_message_id"`
	ThreadID          string     `db:"thread_id"`
	InternetMessageID string     `db:"internet_message_id"`
	Subject           string     `db:"subject"`
	Sender            string     `db:"sender"`
	SenderName        string     `db:"sender_name"`
	Recipients        StringList `db:"recipients"`
	Cc                StringList `db:"cc"`
	Snippet           string     `db:"snippet"`
	BodyText          string     `db:"body_text"`
	BodyHTML          string     `db:"body_html"`
	IsRead            bool       `db:"is_read"`
	IsImportant       bool       `db:"is_important"`
	Labels            StringList `db:"labels"`
	Folder            string     `db:"folder"`
	ReceivedAt        time.Time  `db:"received_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

// StringList is stored as a JSON array column
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("string list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}
