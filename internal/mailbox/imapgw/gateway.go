// Package imapgw implements mailbox.Gateway over IMAP4rev1/rev2. Message ids
// are "<uid>@<mailbox>", folder ids are full mailbox paths and categories are
// stored as IMAP keywords. Master categories live in a CategoryRegistry since
// IMAP has no mailbox-wide category list.
package imapgw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Gateway talks to one IMAP account, opening a session per operation.
type Gateway struct {
	account     Account
	inbox       string
	sent        string
	delimiter   string
	dialTimeout time.Duration
	registry    mailbox.CategoryRegistry
	logger      zerolog.Logger
	newClient   func(Account) (imapClient, error)

	delimOnce sync.Once
}

var _ mailbox.Gateway = (*Gateway)(nil)

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithFolders overrides the mailbox names behind the well-known ids.
func WithFolders(inbox, sent string) Option {
	return func(g *Gateway) {
		if inbox != "" {
			g.inbox = inbox
		}
		if sent != "" {
			g.sent = sent
		}
	}
}

// WithDelimiter fixes the hierarchy delimiter instead of asking the server.
func WithDelimiter(delim string) Option {
	return func(g *Gateway) {
		if delim != "" {
			g.delimiter = delim
		}
	}
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.dialTimeout = timeout
		}
	}
}

// WithCategoryRegistry sets where master categories are kept.
func WithCategoryRegistry(r mailbox.CategoryRegistry) Option {
	return func(g *Gateway) {
		g.registry = r
	}
}

func withClientFactory(factory func(Account) (imapClient, error)) Option {
	return func(g *Gateway) {
		g.newClient = factory
	}
}

// New returns a Gateway for account.
func New(account Account, opts ...Option) (*Gateway, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	g := &Gateway{
		account:     account,
		inbox:       "INBOX",
		sent:        "Sent",
		dialTimeout: 10 * time.Second,
		logger:      zerolog.Nop(),
	}
	g.newClient = func(a Account) (imapClient, error) { return dial(a, g.dialTimeout) }
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Ping logs in and out, reporting mailbox.ErrUnauthenticated on bad
// credentials.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.session(ctx, func(imapClient) error { return nil })
}

func (g *Gateway) session(ctx context.Context, fn func(c imapClient) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := g.newClient(g.account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer g.safeClose(c)

	if err := c.Login(g.account.Username, g.account.Password).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w: %v", mailbox.ErrUnauthenticated, err)
	}
	if err := fn(c); err != nil {
		return err
	}
	if err := c.Logout().Wait(); err != nil {
		g.logger.Debug().Err(err).Msg("imap logout failed")
	}
	return nil
}

func (g *Gateway) safeClose(c imapClient) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		g.logger.Debug().Err(err).Msg("imap close failed")
	}
}

func (g *Gateway) resolve(folderID string) string {
	switch strings.ToLower(folderID) {
	case mailbox.FolderInbox:
		return g.inbox
	case mailbox.FolderSentItems:
		return g.sent
	}
	return folderID
}

func (g *Gateway) delim(c imapClient) string {
	g.delimOnce.Do(func() {
		if g.delimiter != "" {
			return
		}
		g.delimiter = "/"
		list, err := c.List("", "", nil).Collect()
		if err == nil && len(list) > 0 && list[0].Delim != 0 {
			g.delimiter = string(list[0].Delim)
		}
	})
	return g.delimiter
}

func selectMailbox(c imapClient, mbox string) error {
	if _, err := c.Select(mbox, &imap.SelectOptions{ReadOnly: false}).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", mbox, mapError(err))
	}
	return nil
}

func fetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
}

func (g *Gateway) fetchUIDs(c imapClient, mbox string, uids []imap.UID) ([]mailbox.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	bufs, err := c.Fetch(imap.UIDSetNum(uids...), fetchOptions()).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	out := make([]mailbox.Message, 0, len(bufs))
	for _, buf := range bufs {
		msg, err := decode(buf, mbox)
		if err != nil {
			g.logger.Warn().Err(err).Uint32("uid", uint32(buf.UID)).Str("mailbox", mbox).Msg("skipping undecodable message")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func search(c imapClient, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// ListMessages implements mailbox.Gateway. The page is cut on UID order,
// which tracks arrival order on IMAP servers.
func (g *Gateway) ListMessages(ctx context.Context, folderID string, opts mailbox.ListOptions) ([]mailbox.Message, error) {
	mbox := g.resolve(folderID)
	var out []mailbox.Message
	err := g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, mbox); err != nil {
			return err
		}
		criteria := &imap.SearchCriteria{}
		if opts.UnreadOnly {
			criteria.NotFlag = []imap.Flag{imap.FlagSeen}
		}
		uids, err := search(c, criteria)
		if err != nil {
			return err
		}
		if opts.Order == mailbox.NewestFirst {
			for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
				uids[i], uids[j] = uids[j], uids[i]
			}
		}
		uids = pageUIDs(uids, opts.Skip, opts.Limit)
		out, err = g.fetchUIDs(c, mbox, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortByReceived(out, opts.Order)
	return out, nil
}

// GetMessage implements mailbox.Gateway.
func (g *Gateway) GetMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	uid, mbox, err := parseMessageID(id)
	if err != nil {
		return nil, err
	}
	var found *mailbox.Message
	err = g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, mbox); err != nil {
			return err
		}
		msgs, err := g.fetchUIDs(c, mbox, []imap.UID{uid})
		if err != nil {
			return err
		}
		for i := range msgs {
			if msgs[i].ID == id {
				found = &msgs[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("message %s: %w", id, mailbox.ErrNotFound)
	}
	return found, nil
}

// SearchByConversation implements mailbox.Gateway by searching every
// selectable mailbox for messages threaded onto conversationID.
func (g *Gateway) SearchByConversation(ctx context.Context, conversationID string) ([]mailbox.Message, error) {
	if conversationID == "" {
		return nil, nil
	}
	var out []mailbox.Message
	err := g.session(ctx, func(c imapClient) error {
		list, err := c.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("imap list: %w", err)
		}
		criteria := &imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: conversationID}}},
			{Or: [][2]imap.SearchCriteria{{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "References", Value: conversationID}}},
				{Header: []imap.SearchCriteriaHeaderField{{Key: "In-Reply-To", Value: conversationID}}},
			}}},
		}}}
		for _, mb := range list {
			if !selectable(mb) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := selectMailbox(c, mb.Mailbox); err != nil {
				g.logger.Debug().Err(err).Str("mailbox", mb.Mailbox).Msg("conversation search skipped mailbox")
				continue
			}
			uids, err := search(c, criteria)
			if err != nil {
				return err
			}
			msgs, err := g.fetchUIDs(c, mb.Mailbox, uids)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if m.ConversationID == conversationID {
					out = append(out, m)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByReceived(out, mailbox.OldestFirst)
	return out, nil
}

// SearchBySubject implements mailbox.Gateway. IMAP matches substrings, so
// results are narrowed to exact, case-insensitive subject equality.
func (g *Gateway) SearchBySubject(ctx context.Context, folderID, subject string, limit int) ([]mailbox.Message, error) {
	mbox := g.resolve(folderID)
	want := strings.TrimSpace(subject)
	var out []mailbox.Message
	err := g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, mbox); err != nil {
			return err
		}
		uids, err := search(c, &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: want}},
		})
		if err != nil {
			return err
		}
		msgs, err := g.fetchUIDs(c, mbox, uids)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if strings.EqualFold(strings.TrimSpace(m.Subject), want) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByReceived(out, mailbox.NewestFirst)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MoveMessage implements mailbox.Gateway. The new id comes from COPYUID when
// the server sends one and from a search of the destination otherwise.
func (g *Gateway) MoveMessage(ctx context.Context, id, destinationFolderID string) (string, error) {
	uid, src, err := parseMessageID(id)
	if err != nil {
		return "", err
	}
	dest := g.resolve(destinationFolderID)
	var newID string
	err = g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, src); err != nil {
			return err
		}
		msgs, err := g.fetchUIDs(c, src, []imap.UID{uid})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message %s: %w", id, mailbox.ErrNotFound)
		}
		destUID, err := c.Move(imap.UIDSetNum(uid), dest).Wait()
		if err != nil {
			return fmt.Errorf("imap move to %s: %w", dest, mapError(err))
		}
		if destUID != 0 {
			newID = messageID(destUID, dest)
			return nil
		}
		if err := selectMailbox(c, dest); err != nil {
			return err
		}
		uids, err := search(c, movedCriteria(&msgs[0]))
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return fmt.Errorf("moved message not visible in %s: %w", dest, mailbox.ErrNotFound)
		}
		if len(uids) > 1 {
			g.logger.Debug().Str("mailbox", dest).Int("candidates", len(uids)).Msg("ambiguous move re-lookup, taking newest")
		}
		newID = messageID(uids[len(uids)-1], dest)
		return nil
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// movedCriteria finds a message again after a move without COPYUID. The
// Message-Id is unique; without one, subject and internal date narrow it.
func movedCriteria(m *mailbox.Message) *imap.SearchCriteria {
	if m.InternetMessageID != "" {
		return &imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: m.InternetMessageID}}}
	}
	day := m.ReceivedAt.UTC().Truncate(24 * time.Hour)
	c := &imap.SearchCriteria{Since: day, Before: day.Add(24 * time.Hour)}
	if m.Subject != "" {
		c.Header = []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: m.Subject}}
	}
	return c
}

// PatchMessage implements mailbox.Gateway. The flag set is rewritten in a
// single STORE that keeps system flags.
func (g *Gateway) PatchMessage(ctx context.Context, id string, patch mailbox.MessagePatch) error {
	if patch.Categories == nil && patch.IsRead == nil {
		return nil
	}
	uid, mbox, err := parseMessageID(id)
	if err != nil {
		return err
	}
	return g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, mbox); err != nil {
			return err
		}
		bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return fmt.Errorf("imap fetch flags: %w", err)
		}
		if len(bufs) == 0 {
			return fmt.Errorf("message %s: %w", id, mailbox.ErrNotFound)
		}
		flags := patchedFlags(bufs[0].Flags, patch)
		store := &imap.StoreFlags{Op: imap.StoreFlagsSet, Silent: true, Flags: flags}
		if err := c.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
			return fmt.Errorf("imap store: %w", err)
		}
		return nil
	})
}

func patchedFlags(current []imap.Flag, patch mailbox.MessagePatch) []imap.Flag {
	var out []imap.Flag
	seen := false
	for _, f := range current {
		switch {
		case f == imap.FlagSeen:
			seen = true
		case isSystemFlag(f):
			out = append(out, f)
		case patch.Categories == nil:
			out = append(out, f)
		}
	}
	if patch.Categories != nil {
		for _, cat := range *patch.Categories {
			if strings.TrimSpace(cat) != "" {
				out = append(out, categoryToKeyword(cat))
			}
		}
	}
	if patch.IsRead != nil {
		seen = *patch.IsRead
	}
	if seen {
		out = append(out, imap.FlagSeen)
	}
	return out
}

// DeleteMessage implements mailbox.Gateway.
func (g *Gateway) DeleteMessage(ctx context.Context, id string) error {
	uid, mbox, err := parseMessageID(id)
	if err != nil {
		return err
	}
	return g.session(ctx, func(c imapClient) error {
		if err := selectMailbox(c, mbox); err != nil {
			return err
		}
		set := imap.UIDSetNum(uid)
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
		if err := c.Store(set, store, nil).Close(); err != nil {
			return fmt.Errorf("imap store delete: %w", err)
		}
		expunge := c.UIDExpunge
		if !hasUIDPlus(c) {
			// Plain EXPUNGE also removes other \Deleted messages in the mailbox.
			expunge = func(imap.UIDSet) expungeWaiter { return c.Expunge() }
		}
		if err := expunge(set).Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
		return nil
	})
}

// ListChildFolders implements mailbox.Gateway.
func (g *Gateway) ListChildFolders(ctx context.Context, parentID string) ([]mailbox.Folder, error) {
	parent := g.resolve(parentID)
	var out []mailbox.Folder
	err := g.session(ctx, func(c imapClient) error {
		d := g.delim(c)
		pattern := "%"
		if parent != "" {
			pattern = parent + d + "%"
		}
		list, err := c.List("", pattern, nil).Collect()
		if err != nil {
			return fmt.Errorf("imap list %s: %w", pattern, err)
		}
		for _, mb := range list {
			out = append(out, g.folder(mb, d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateFolder implements mailbox.Gateway.
func (g *Gateway) CreateFolder(ctx context.Context, parentID, name string) (*mailbox.Folder, error) {
	parent := g.resolve(parentID)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("folder name required")
	}
	var created *mailbox.Folder
	err := g.session(ctx, func(c imapClient) error {
		d := g.delim(c)
		if strings.Contains(name, d) {
			return fmt.Errorf("folder name %q contains hierarchy delimiter %q", name, d)
		}
		full := name
		if parent != "" {
			full = parent + d + name
		}
		if err := c.Create(full, nil).Wait(); err != nil {
			return fmt.Errorf("imap create %s: %w", full, mapError(err))
		}
		created = &mailbox.Folder{ID: full, Name: name, ParentID: parent}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetFolder implements mailbox.Gateway.
func (g *Gateway) GetFolder(ctx context.Context, id string) (*mailbox.Folder, error) {
	mbox := g.resolve(id)
	var found *mailbox.Folder
	err := g.session(ctx, func(c imapClient) error {
		d := g.delim(c)
		list, err := c.List("", mbox, nil).Collect()
		if err != nil {
			return fmt.Errorf("imap list %s: %w", mbox, err)
		}
		for _, mb := range list {
			if strings.EqualFold(mb.Mailbox, mbox) {
				f := g.folder(mb, d)
				found = &f
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("folder %s: %w", id, mailbox.ErrNotFound)
	}
	return found, nil
}

func (g *Gateway) folder(mb *imap.ListData, d string) mailbox.Folder {
	f := mailbox.Folder{ID: mb.Mailbox, Name: mb.Mailbox}
	if mb.Delim != 0 {
		d = string(mb.Delim)
	}
	if i := strings.LastIndex(mb.Mailbox, d); i >= 0 {
		f.ParentID = mb.Mailbox[:i]
		f.Name = mb.Mailbox[i+len(d):]
	}
	for _, attr := range mb.Attrs {
		if attr == imap.MailboxAttrHasChildren {
			f.ChildCount = 1
		}
	}
	return f
}

func selectable(mb *imap.ListData) bool {
	for _, attr := range mb.Attrs {
		if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
			return false
		}
	}
	return true
}

// ListMasterCategories implements mailbox.Gateway.
func (g *Gateway) ListMasterCategories(ctx context.Context) ([]mailbox.MasterCategory, error) {
	if g.registry == nil {
		return nil, errors.New("imap gateway has no category registry")
	}
	return g.registry.ListCategories(ctx)
}

// CreateMasterCategory implements mailbox.Gateway.
func (g *Gateway) CreateMasterCategory(ctx context.Context, name, color string) (*mailbox.MasterCategory, error) {
	if g.registry == nil {
		return nil, errors.New("imap gateway has no category registry")
	}
	return g.registry.CreateCategory(ctx, name, color)
}

// PatchMasterCategoryColor implements mailbox.Gateway.
func (g *Gateway) PatchMasterCategoryColor(ctx context.Context, id, color string) error {
	if g.registry == nil {
		return errors.New("imap gateway has no category registry")
	}
	return g.registry.UpdateCategoryColor(ctx, id, color)
}

// mapError translates IMAP response codes into mailbox sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAlreadyExists:
			return fmt.Errorf("%w: %v", mailbox.ErrAlreadyExists, err)
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return fmt.Errorf("%w: %v", mailbox.ErrNotFound, err)
		}
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "ALREADYEXISTS"), strings.Contains(msg, "ALREADY EXISTS"):
		return fmt.Errorf("%w: %v", mailbox.ErrAlreadyExists, err)
	case strings.Contains(msg, "NONEXISTENT"), strings.Contains(msg, "TRYCREATE"), strings.Contains(msg, "DOESN'T EXIST"):
		return fmt.Errorf("%w: %v", mailbox.ErrNotFound, err)
	}
	return err
}

func pageUIDs(uids []imap.UID, skip, limit int) []imap.UID {
	if skip > 0 {
		if skip >= len(uids) {
			return nil
		}
		uids = uids[skip:]
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids
}

func sortByReceived(msgs []mailbox.Message, order mailbox.SortOrder) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if order == mailbox.OldestFirst {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
	})
}

// compile-time check that the wrapper satisfies the narrow interface.
var _ imapClient = (*imapClientWrapper)(nil)
