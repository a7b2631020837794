// Package categories keeps mailbox categories in step with folder placement.
package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Outlook colour presets used by the mapping.
const (
	PresetOrange = "preset1"
	PresetYellow = "preset3"
	PresetGreen  = "preset4"
	PresetTeal   = "preset5"
	PresetBlue   = "preset7"
	PresetPurple = "preset8"
)

// Category is a display name plus colour preset.
type Category struct {
	Name  string
	Color string
}

var mapping = map[string]Category{
	strings.ToLower(folders.SentRFQs):              {Name: "Sent RFQ", Color: PresetBlue},
	strings.ToLower(folders.Quotes):                {Name: "Quote", Color: PresetGreen},
	strings.ToLower(folders.ClarificationRequests): {Name: "Clarification Request", Color: PresetOrange},
	strings.ToLower(folders.AwaitingClarification): {Name: "Awaiting Clarification", Color: PresetYellow},
	strings.ToLower(folders.AwaitingEngineer):      {Name: "Awaiting Engineer", Color: PresetPurple},
	strings.ToLower(folders.EngineerResponse):      {Name: "Engineer Response", Color: PresetTeal},
}

// ForFolder returns the category mapped to a folder name or path leaf.
func ForFolder(folderName string) (Category, bool) {
	c, ok := mapping[strings.ToLower(strings.TrimSpace(folders.Leaf(folderName)))]
	return c, ok
}

// All returns every mapped category in taxonomy order.
func All() []Category {
	out := make([]Category, 0, len(folders.Taxonomy))
	for _, leaf := range folders.Taxonomy {
		out = append(out, mapping[strings.ToLower(leaf)])
	}
	return out
}

// ByName returns the mapped category with the given display name.
func ByName(name string) (Category, bool) {
	for _, c := range mapping {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, true
		}
	}
	return Category{}, false
}

// IsLocationCategory reports whether name is one of the mapped categories.
func IsLocationCategory(name string) bool {
	_, ok := ByName(name)
	return ok
}

// Synchronizer upserts master categories and applies at most one location
// category per message. Its caches live as long as the instance.
type Synchronizer struct {
	gw     mailbox.Gateway
	logger zerolog.Logger

	mu      sync.Mutex
	ensured map[string]bool
	applied map[string]string
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// NewSynchronizer returns a Synchronizer backed by gw.
func NewSynchronizer(gw mailbox.Gateway, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		gw:      gw,
		logger:  zerolog.Nop(),
		ensured: make(map[string]bool),
		applied: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureMasterCategories upserts every mapped category.
func (s *Synchronizer) EnsureMasterCategories(ctx context.Context) error {
	for _, c := range All() {
		if err := s.ensure(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// SetFolderCategory tags a message with the category mapped to folderName,
// replacing any other location category and keeping user categories.
// Unmapped folders are ignored.
func (s *Synchronizer) SetFolderCategory(ctx context.Context, messageID, folderName string) error {
	cat, ok := ForFolder(folderName)
	if !ok {
		return nil
	}
	s.mu.Lock()
	last := s.applied[messageID]
	s.mu.Unlock()
	if last == cat.Name {
		return nil
	}

	if err := s.ensure(ctx, cat); err != nil {
		return err
	}
	msg, err := s.gw.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("read categories of %s: %w", messageID, err)
	}
	next := append(stripLocation(msg.Categories), cat.Name)
	if !sameSet(msg.Categories, next) {
		if err := s.gw.PatchMessage(ctx, messageID, mailbox.SetCategories(next)); err != nil {
			return fmt.Errorf("write categories of %s: %w", messageID, err)
		}
	}

	s.mu.Lock()
	s.applied[messageID] = cat.Name
	s.mu.Unlock()
	return nil
}

// RemoveFolderCategories strips every location category from the message.
func (s *Synchronizer) RemoveFolderCategories(ctx context.Context, messageID string) error {
	msg, err := s.gw.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("read categories of %s: %w", messageID, err)
	}
	next := stripLocation(msg.Categories)
	if len(next) != len(msg.Categories) {
		if err := s.gw.PatchMessage(ctx, messageID, mailbox.SetCategories(next)); err != nil {
			return fmt.Errorf("write categories of %s: %w", messageID, err)
		}
	}
	s.mu.Lock()
	delete(s.applied, messageID)
	s.mu.Unlock()
	return nil
}

// ensure creates the master category or fixes its colour. A concurrent
// creator winning the race is treated as success.
func (s *Synchronizer) ensure(ctx context.Context, cat Category) error {
	key := strings.ToLower(cat.Name)
	s.mu.Lock()
	done := s.ensured[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	existing, err := s.findMaster(ctx, cat.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		created, cerr := s.gw.CreateMasterCategory(ctx, cat.Name, cat.Color)
		switch {
		case cerr == nil:
			existing = created
		case errors.Is(cerr, mailbox.ErrAlreadyExists):
			if existing, err = s.findMaster(ctx, cat.Name); err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("category %q: %w", cat.Name, cerr)
			}
		default:
			return fmt.Errorf("create category %q: %w", cat.Name, cerr)
		}
	}
	if !strings.EqualFold(existing.Color, cat.Color) {
		if err := s.gw.PatchMasterCategoryColor(ctx, existing.ID, cat.Color); err != nil {
			return fmt.Errorf("recolor category %q: %w", cat.Name, err)
		}
		s.logger.Debug().Str("category", cat.Name).Str("from", existing.Color).Str("to", cat.Color).Msg("category recolored")
	}

	s.mu.Lock()
	s.ensured[key] = true
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) findMaster(ctx context.Context, name string) (*mailbox.MasterCategory, error) {
	masters, err := s.gw.ListMasterCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	for i := range masters {
		if strings.EqualFold(masters[i].Name, name) {
			return &masters[i], nil
		}
	}
	return nil, nil
}

func stripLocation(current []string) []string {
	out := make([]string, 0, len(current)+1)
	for _, c := range current {
		if !IsLocationCategory(c) {
			out = append(out, c)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[strings.ToLower(v)]++
	}
	for _, v := range b {
		k := strings.ToLower(v)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
