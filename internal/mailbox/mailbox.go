// Package mailbox defines the contract between the RFQ engine and the hosting
// mail store. Implementations live in sub-packages (memory, imapgw).
package mailbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Well-known folder identifiers every Gateway resolves to its own ids.
const (
	FolderInbox     = "inbox"
	FolderSentItems = "sentitems"
)

var (
	// ErrNotFound is returned when a message or folder does not exist.
	ErrNotFound = errors.New("mailbox: not found")
	// ErrAlreadyExists is returned when a folder or master category with the
	// same name is already present.
	ErrAlreadyExists = errors.New("mailbox: already exists")
	// ErrUnauthenticated is returned when the session has no valid credentials.
	ErrUnauthenticated = errors.New("mailbox: unauthenticated")
)

// Address is a display name plus SMTP address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Domain returns the lower-cased domain part of the address.
func (a Address) Domain() string {
	at := strings.LastIndexByte(a.Address, '@')
	if at < 0 || at == len(a.Address)-1 {
		return ""
	}
	return strings.ToLower(a.Address[at+1:])
}

// String renders the address the way mail clients show it.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// Body content types.
const (
	BodyText = "text"
	BodyHTML = "html"
)

// Message is the logical view of one mail item.
type Message struct {
	ID                string
	InternetMessageID string
	ConversationID    string
	InReplyTo         string
	References        []string
	Subject           string
	From              Address
	To                []Address
	Body              string
	BodyType          string
	ReceivedAt        time.Time
	SentAt            time.Time
	ParentFolderID    string
	Categories        []string
	IsRead            bool
}

// HasRecipient reports whether addr is among the To recipients, ignoring case.
func (m Message) HasRecipient(addr string) bool {
	addr = strings.TrimSpace(addr)
	for _, to := range m.To {
		if strings.EqualFold(strings.TrimSpace(to.Address), addr) {
			return true
		}
	}
	return false
}

// Folder is a mail folder. ParentID is empty for top-level folders.
type Folder struct {
	ID         string
	Name       string
	ParentID   string
	ChildCount int
}

// MasterCategory is a mailbox-wide category definition.
type MasterCategory struct {
	ID    string
	Name  string
	Color string
}

// SortOrder controls listing order by received time.
type SortOrder int

const (
	NewestFirst SortOrder = iota
	OldestFirst
)

// ListOptions bounds a message listing.
type ListOptions struct {
	Limit      int
	Skip       int
	Order      SortOrder
	UnreadOnly bool
}

// MessagePatch carries the mutable message properties. Nil fields are left
// untouched.
type MessagePatch struct {
	Categories *[]string
	IsRead     *bool
}

// SetCategories returns a patch that replaces the category list.
func SetCategories(categories []string) MessagePatch {
	cp := append([]string{}, categories...)
	return MessagePatch{Categories: &cp}
}

// MarkRead returns a patch that sets the read flag.
func MarkRead(read bool) MessagePatch {
	return MessagePatch{IsRead: &read}
}

// Gateway is the abstract interface to the hosting mail system.
type Gateway interface {
	ListMessages(ctx context.Context, folderID string, opts ListOptions) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	SearchByConversation(ctx context.Context, conversationID string) ([]Message, error)
	SearchBySubject(ctx context.Context, folderID, subject string, limit int) ([]Message, error)
	MoveMessage(ctx context.Context, id, destinationFolderID string) (string, error)
	PatchMessage(ctx context.Context, id string, patch MessagePatch) error
	DeleteMessage(ctx context.Context, id string) error

	ListChildFolders(ctx context.Context, parentID string) ([]Folder, error)
	CreateFolder(ctx context.Context, parentID, name string) (*Folder, error)
	GetFolder(ctx context.Context, id string) (*Folder, error)

	ListMasterCategories(ctx context.Context) ([]MasterCategory, error)
	CreateMasterCategory(ctx context.Context, name, color string) (*MasterCategory, error)
	PatchMasterCategoryColor(ctx context.Context, id, color string) error
}

// CategoryRegistry stores master categories for backends that have no native
// category list (IMAP). Implementations must return ErrAlreadyExists when a
// category with the same name, compared case-insensitively, is present.
type CategoryRegistry interface {
	ListCategories(ctx context.Context) ([]MasterCategory, error)
	CreateCategory(ctx context.Context, name, color string) (*MasterCategory, error)
	UpdateCategoryColor(ctx context.Context, id, color string) error
}
