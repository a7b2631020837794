// Package folders creates and resolves the per-material folder taxonomy.
package folders

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Taxonomy leaf folder names. Every material root carries all six.
const (
	SentRFQs              = "SentRFQs"
	Quotes                = "Quotes"
	ClarificationRequests = "ClarificationRequests"
	AwaitingClarification = "AwaitingClarification"
	AwaitingEngineer      = "AwaitingEngineer"
	EngineerResponse      = "EngineerResponse"
)

// Taxonomy lists the leaf folders in creation order.
var Taxonomy = []string{
	SentRFQs,
	Quotes,
	ClarificationRequests,
	AwaitingClarification,
	AwaitingEngineer,
	EngineerResponse,
}

// ErrFolderNotFound is returned when a path segment does not resolve.
var ErrFolderNotFound = errors.New("folder not found")

var materialCodePattern = regexp.MustCompile(`(?i)^MAT-\d+$`)

// IsMaterialCode reports whether name is exactly a material code.
func IsMaterialCode(name string) bool {
	return materialCodePattern.MatchString(strings.TrimSpace(name))
}

// Path joins a material code and optional leaf into a taxonomy path.
func Path(materialCode, leaf string) string {
	if leaf == "" {
		return materialCode
	}
	return materialCode + "/" + leaf
}

// Leaf returns the last segment of a path.
func Leaf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

type cacheKey struct {
	parentID string
	name     string
}

func keyFor(parentID, name string) cacheKey {
	return cacheKey{parentID: parentID, name: strings.ToLower(strings.TrimSpace(name))}
}

// Directory resolves folder paths through a memoized id cache. Paths are
// anchored at the configured root parent (top level by default).
type Directory struct {
	gw         mailbox.Gateway
	rootParent string
	logger     zerolog.Logger

	mu    sync.Mutex
	cache map[cacheKey]mailbox.Folder
}

// Option customizes a Directory.
type Option func(*Directory)

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithRootParent anchors material roots under the given folder id.
func WithRootParent(folderID string) Option {
	return func(d *Directory) {
		d.rootParent = folderID
	}
}

// NewDirectory returns a Directory backed by gw.
func NewDirectory(gw mailbox.Gateway, opts ...Option) *Directory {
	d := &Directory{
		gw:     gw,
		logger: zerolog.Nop(),
		cache:  make(map[cacheKey]mailbox.Folder),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InitializeMaterialFolders ensures the material root and its six taxonomy
// children exist. It is safe to call repeatedly and tolerates partially
// created trees.
func (d *Directory) InitializeMaterialFolders(ctx context.Context, materialCode string) (*mailbox.Folder, error) {
	materialCode = strings.TrimSpace(materialCode)
	if materialCode == "" {
		return nil, errors.New("material code required")
	}
	root, err := d.ensureChild(ctx, d.rootParent, materialCode)
	if err != nil {
		return nil, fmt.Errorf("ensure %s: %w", materialCode, err)
	}
	for _, leaf := range Taxonomy {
		if _, err := d.ensureChild(ctx, root.ID, leaf); err != nil {
			return nil, fmt.Errorf("ensure %s: %w", Path(materialCode, leaf), err)
		}
	}
	return &root, nil
}

// GetFolderIDByPath resolves a slash-separated path such as "MAT-1/Quotes".
// Missing segments yield ErrFolderNotFound; nothing is created.
func (d *Directory) GetFolderIDByPath(ctx context.Context, path string) (string, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrFolderNotFound)
	}
	parent := d.rootParent
	for _, seg := range segments {
		f, ok, err := d.lookup(ctx, parent, seg)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrFolderNotFound, path)
		}
		parent = f.ID
	}
	return parent, nil
}

// MoveMessageToFolder moves a message to path and returns its new id. The
// destination must already exist; call InitializeMaterialFolders first.
func (d *Directory) MoveMessageToFolder(ctx context.Context, messageID, path string) (string, error) {
	destID, err := d.GetFolderIDByPath(ctx, path)
	if err != nil {
		return "", err
	}
	newID, err := d.gw.MoveMessage(ctx, messageID, destID)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			d.Evict(path)
			d.logger.Warn().Str("path", path).Msg("move target vanished, evicted cached path")
		}
		return "", fmt.Errorf("move to %s: %w", path, err)
	}
	if newID == "" {
		newID = messageID
	}
	return newID, nil
}

// Evict drops every cached segment of path so the next lookup refetches it.
func (d *Directory) Evict(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent := d.rootParent
	for _, seg := range splitPath(path) {
		k := keyFor(parent, seg)
		f, ok := d.cache[k]
		delete(d.cache, k)
		if !ok {
			return
		}
		parent = f.ID
	}
}

// CachedFolders reports the number of memoized folder records.
func (d *Directory) CachedFolders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

func (d *Directory) ensureChild(ctx context.Context, parentID, name string) (mailbox.Folder, error) {
	if f, ok, err := d.lookup(ctx, parentID, name); err != nil || ok {
		return f, err
	}
	created, err := d.gw.CreateFolder(ctx, parentID, name)
	if err == nil {
		d.store(parentID, *created)
		d.logger.Debug().Str("folder", name).Str("parent", parentID).Msg("folder created")
		return *created, nil
	}
	if !errors.Is(err, mailbox.ErrAlreadyExists) {
		return mailbox.Folder{}, err
	}
	// Lost a race with another creator; the folder is there now.
	f, ok, lerr := d.fetch(ctx, parentID, name)
	if lerr != nil {
		return mailbox.Folder{}, lerr
	}
	if !ok {
		return mailbox.Folder{}, fmt.Errorf("folder %q reported existing but not listed: %w", name, err)
	}
	return f, nil
}

func (d *Directory) lookup(ctx context.Context, parentID, name string) (mailbox.Folder, bool, error) {
	d.mu.Lock()
	f, ok := d.cache[keyFor(parentID, name)]
	d.mu.Unlock()
	if ok {
		return f, true, nil
	}
	return d.fetch(ctx, parentID, name)
}

// fetch lists parentID's children, caching all of them.
func (d *Directory) fetch(ctx context.Context, parentID, name string) (mailbox.Folder, bool, error) {
	children, err := d.gw.ListChildFolders(ctx, parentID)
	if err != nil {
		return mailbox.Folder{}, false, fmt.Errorf("list folders under %q: %w", parentID, err)
	}
	var (
		found mailbox.Folder
		ok    bool
	)
	for _, child := range children {
		d.store(parentID, child)
		if !ok && strings.EqualFold(strings.TrimSpace(child.Name), strings.TrimSpace(name)) {
			found, ok = child, true
		}
	}
	return found, ok, nil
}

func (d *Directory) store(parentID string, f mailbox.Folder) {
	d.mu.Lock()
	d.cache[keyFor(parentID, f.Name)] = f
	d.mu.Unlock()
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
