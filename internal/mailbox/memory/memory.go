// Package memory provides an in-process mailbox.Gateway. It backs the
// component tests and `mailbox.type: memory` dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Root folder ids created by New.
const (
	InboxID     = "folder-inbox"
	SentItemsID = "folder-sentitems"
)

// Store is a thread-safe in-memory mailbox.
type Store struct {
	mu         sync.Mutex
	messages   map[string]*mailbox.Message
	folders    map[string]*mailbox.Folder
	categories map[string]*mailbox.MasterCategory
	calls      map[string]int
	failures   map[string][]error
	seq        int
	now        func() time.Time

	// sentVisibleAfter hides sent messages from searches until the
	// search has been issued that many times.
	sentVisibleAfter int
	sentSearches     int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSentVisibilityDelay makes Sent Items search results appear only on
// the n-th search call, simulating an eventually consistent store.
func WithSentVisibilityDelay(n int) Option {
	return func(s *Store) {
		s.sentVisibleAfter = n
	}
}

// New returns an empty mailbox with Inbox and Sent Items folders.
func New(opts ...Option) *Store {
	s := &Store{
		messages:   make(map[string]*mailbox.Message),
		folders:    make(map[string]*mailbox.Folder),
		categories: make(map[string]*mailbox.MasterCategory),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.folders[InboxID] = &mailbox.Folder{ID: InboxID, Name: "Inbox"}
	s.folders[SentItemsID] = &mailbox.Folder{ID: SentItemsID, Name: "Sent Items"}
	return s
}

// Calls returns how many times the named Gateway method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// ResetCalls zeroes all call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// FailNext queues err to be returned by the next call of method.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// AddMessage stores a copy of msg, assigning an id when empty. A message
// without ParentFolderID lands in the Inbox.
func (s *Store) AddMessage(msg mailbox.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneMessage(msg)
	if cp.ID == "" {
		cp.ID = s.nextID("msg")
	}
	if cp.ParentFolderID == "" {
		cp.ParentFolderID = InboxID
	}
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = s.now()
	}
	s.messages[cp.ID] = &cp
	return cp.ID
}

// AddFolder creates a folder directly, bypassing call accounting.
func (s *Store) AddFolder(parentID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("folder")
	s.folders[id] = &mailbox.Folder{ID: id, Name: name, ParentID: s.resolveFolderLocked(parentID)}
	return id
}

// Message returns a copy of a stored message.
func (s *Store) Message(id string) (mailbox.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return mailbox.Message{}, false
	}
	return cloneMessage(*msg), true
}

// FolderPath returns the slash-joined names from the top level down to id.
func (s *Store) FolderPath(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for cur := s.folders[id]; cur != nil; cur = s.folders[cur.ParentID] {
		parts = append([]string{cur.Name}, parts...)
		if cur.ParentID == "" {
			break
		}
	}
	return strings.Join(parts, "/")
}

func (s *Store) enter(method string) error {
	s.mu.Lock()
	s.calls[method]++
	if queue := s.failures[method]; len(queue) > 0 {
		err := queue[0]
		s.failures[method] = queue[1:]
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d-%s", prefix, s.seq, uuid.NewString()[:8])
}

func (s *Store) resolveFolderLocked(id string) string {
	switch id {
	case mailbox.FolderInbox:
		return InboxID
	case mailbox.FolderSentItems:
		return SentItemsID
	}
	return id
}

// ListMessages implements mailbox.Gateway.
func (s *Store) ListMessages(_ context.Context, folderID string, opts mailbox.ListOptions) ([]mailbox.Message, error) {
	if err := s.enter("ListMessages"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	folderID = s.resolveFolderLocked(folderID)
	if _, ok := s.folders[folderID]; !ok {
		return nil, mailbox.ErrNotFound
	}
	var out []mailbox.Message
	for _, msg := range s.messages {
		if msg.ParentFolderID != folderID {
			continue
		}
		if opts.UnreadOnly && msg.IsRead {
			continue
		}
		out = append(out, cloneMessage(*msg))
	}
	sortMessages(out, opts.Order)
	return page(out, opts.Skip, opts.Limit), nil
}

// GetMessage implements mailbox.Gateway.
func (s *Store) GetMessage(_ context.Context, id string) (*mailbox.Message, error) {
	if err := s.enter("GetMessage"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, mailbox.ErrNotFound
	}
	cp := cloneMessage(*msg)
	return &cp, nil
}

// SearchByConversation implements mailbox.Gateway.
func (s *Store) SearchByConversation(_ context.Context, conversationID string) ([]mailbox.Message, error) {
	if err := s.enter("SearchByConversation"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []mailbox.Message
	for _, msg := range s.messages {
		if conversationID != "" && msg.ConversationID == conversationID {
			out = append(out, cloneMessage(*msg))
		}
	}
	sortMessages(out, mailbox.OldestFirst)
	return out, nil
}

// SearchBySubject implements mailbox.Gateway.
func (s *Store) SearchBySubject(_ context.Context, folderID, subject string, limit int) ([]mailbox.Message, error) {
	if err := s.enter("SearchBySubject"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	folderID = s.resolveFolderLocked(folderID)
	if folderID == SentItemsID {
		s.sentSearches++
		if s.sentSearches < s.sentVisibleAfter {
			return nil, nil
		}
	}
	var out []mailbox.Message
	for _, msg := range s.messages {
		if msg.ParentFolderID == folderID && strings.EqualFold(strings.TrimSpace(msg.Subject), strings.TrimSpace(subject)) {
			out = append(out, cloneMessage(*msg))
		}
	}
	sortMessages(out, mailbox.NewestFirst)
	return page(out, 0, limit), nil
}

// MoveMessage implements mailbox.Gateway. Like Graph, a move yields a new id.
func (s *Store) MoveMessage(_ context.Context, id, destinationFolderID string) (string, error) {
	if err := s.enter("MoveMessage"); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return "", mailbox.ErrNotFound
	}
	dest := s.resolveFolderLocked(destinationFolderID)
	if _, ok := s.folders[dest]; !ok {
		return "", mailbox.ErrNotFound
	}
	delete(s.messages, id)
	moved := cloneMessage(*msg)
	moved.ID = s.nextID("msg")
	moved.ParentFolderID = dest
	s.messages[moved.ID] = &moved
	return moved.ID, nil
}

// PatchMessage implements mailbox.Gateway.
func (s *Store) PatchMessage(_ context.Context, id string, patch mailbox.MessagePatch) error {
	if err := s.enter("PatchMessage"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return mailbox.ErrNotFound
	}
	if patch.Categories != nil {
		msg.Categories = append([]string{}, (*patch.Categories)...)
	}
	if patch.IsRead != nil {
		msg.IsRead = *patch.IsRead
	}
	return nil
}

// DeleteMessage implements mailbox.Gateway.
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	if err := s.enter("DeleteMessage"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return mailbox.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// ListChildFolders implements mailbox.Gateway.
func (s *Store) ListChildFolders(_ context.Context, parentID string) ([]mailbox.Folder, error) {
	if err := s.enter("ListChildFolders"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	parentID = s.resolveFolderLocked(parentID)
	if parentID != "" {
		if _, ok := s.folders[parentID]; !ok {
			return nil, mailbox.ErrNotFound
		}
	}
	var out []mailbox.Folder
	for _, f := range s.folders {
		if f.ParentID == parentID {
			out = append(out, s.withChildCountLocked(*f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateFolder implements mailbox.Gateway.
func (s *Store) CreateFolder(_ context.Context, parentID, name string) (*mailbox.Folder, error) {
	if err := s.enter("CreateFolder"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	parentID = s.resolveFolderLocked(parentID)
	if parentID != "" {
		if _, ok := s.folders[parentID]; !ok {
			return nil, mailbox.ErrNotFound
		}
	}
	for _, f := range s.folders {
		if f.ParentID == parentID && strings.EqualFold(f.Name, name) {
			return nil, fmt.Errorf("folder %q: %w", name, mailbox.ErrAlreadyExists)
		}
	}
	f := &mailbox.Folder{ID: s.nextID("folder"), Name: name, ParentID: parentID}
	s.folders[f.ID] = f
	cp := *f
	return &cp, nil
}

// GetFolder implements mailbox.Gateway.
func (s *Store) GetFolder(_ context.Context, id string) (*mailbox.Folder, error) {
	if err := s.enter("GetFolder"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	f, ok := s.folders[s.resolveFolderLocked(id)]
	if !ok {
		return nil, mailbox.ErrNotFound
	}
	cp := s.withChildCountLocked(*f)
	return &cp, nil
}

func (s *Store) withChildCountLocked(f mailbox.Folder) mailbox.Folder {
	f.ChildCount = 0
	for _, other := range s.folders {
		if other.ParentID == f.ID {
			f.ChildCount++
		}
	}
	return f
}

// ListMasterCategories implements mailbox.Gateway.
func (s *Store) ListMasterCategories(_ context.Context) ([]mailbox.MasterCategory, error) {
	if err := s.enter("ListMasterCategories"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]mailbox.MasterCategory, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateMasterCategory implements mailbox.Gateway.
func (s *Store) CreateMasterCategory(_ context.Context, name, color string) (*mailbox.MasterCategory, error) {
	if err := s.enter("CreateMasterCategory"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if strings.EqualFold(c.Name, name) {
			return nil, fmt.Errorf("category %q: %w", name, mailbox.ErrAlreadyExists)
		}
	}
	c := &mailbox.MasterCategory{ID: uuid.NewString(), Name: name, Color: color}
	s.categories[c.ID] = c
	cp := *c
	return &cp, nil
}

// PatchMasterCategoryColor implements mailbox.Gateway.
func (s *Store) PatchMasterCategoryColor(_ context.Context, id, color string) error {
	if err := s.enter("PatchMasterCategoryColor"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return mailbox.ErrNotFound
	}
	c.Color = color
	return nil
}

func cloneMessage(m mailbox.Message) mailbox.Message {
	m.To = append([]mailbox.Address(nil), m.To...)
	m.References = append([]string(nil), m.References...)
	m.Categories = append([]string(nil), m.Categories...)
	return m
}

func sortMessages(msgs []mailbox.Message, order mailbox.SortOrder) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		if order == mailbox.OldestFirst {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
	})
}

func page(msgs []mailbox.Message, skip, limit int) []mailbox.Message {
	if skip > 0 {
		if skip >= len(msgs) {
			return nil
		}
		msgs = msgs[skip:]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}
