package imapgw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

func rawMessage(id, subject, from, to string, extra ...string) []byte {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "Message-Id: <%s>\r\n", id)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	b.WriteString("Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n")
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\nBody of " + subject + "\r\n")
	return []byte(b.String())
}

func newTestGateway(t *testing.T, srv *fakeServer, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{withClientFactory(func(Account) (imapClient, error) { return srv.client(), nil })}, opts...)
	g, err := New(Account{Host: "mail.example", Username: "buyer", Password: "secret", TLS: true}, opts...)
	require.NoError(t, err)
	return g
}

func TestGatewayListMessagesNewestFirst(t *testing.T) {
	srv := newFakeServer("INBOX", "Sent")
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	srv.add("INBOX", rawMessage("a@x", "First", "Acme <sales@acme.com>", "buyer@example.com"), base, nil)
	srv.add("INBOX", rawMessage("b@x", "Second", "Acme <sales@acme.com>", "buyer@example.com"), base.Add(time.Minute), []imap.Flag{imap.FlagSeen})
	srv.add("INBOX", rawMessage("c@x", "Third", "Acme <sales@acme.com>", "buyer@example.com"), base.Add(2*time.Minute), nil)
	g := newTestGateway(t, srv)

	msgs, err := g.ListMessages(context.Background(), mailbox.FolderInbox, mailbox.ListOptions{Limit: 2, Order: mailbox.NewestFirst})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Third", msgs[0].Subject)
	require.Equal(t, "Second", msgs[1].Subject)
	require.True(t, msgs[1].IsRead)
	require.Equal(t, "sales@acme.com", msgs[0].From.Address)
	require.Equal(t, "c@x", msgs[0].ConversationID)
	require.Equal(t, "INBOX", msgs[0].ParentFolderID)
	require.Contains(t, msgs[0].Body, "Body of Third")

	unread, err := g.ListMessages(context.Background(), mailbox.FolderInbox, mailbox.ListOptions{UnreadOnly: true, Order: mailbox.OldestFirst})
	require.NoError(t, err)
	require.Len(t, unread, 2)
	require.Equal(t, "First", unread[0].Subject)
	require.Equal(t, "Third", unread[1].Subject)
	require.Equal(t, srv.logins, srv.logouts)
}

func TestGatewayMoveMessageReturnsNewID(t *testing.T) {
	srv := newFakeServer("INBOX", "MAT-1", "MAT-1/Quotes")
	id := srv.add("INBOX", rawMessage("q@x", "RE: RFQ for MAT-1", "s@acme.com", "buyer@example.com"), time.Now(), nil)
	g := newTestGateway(t, srv)

	newID, err := g.MoveMessage(context.Background(), id, "MAT-1/Quotes")
	require.NoError(t, err)
	require.NotEqual(t, id, newID)
	require.True(t, strings.HasSuffix(newID, "@MAT-1/Quotes"))

	_, err = g.GetMessage(context.Background(), id)
	require.ErrorIs(t, err, mailbox.ErrNotFound)
	moved, err := g.GetMessage(context.Background(), newID)
	require.NoError(t, err)
	require.Equal(t, "RE: RFQ for MAT-1", moved.Subject)

	_, err = g.MoveMessage(context.Background(), newID, "MAT-404/Quotes")
	require.ErrorIs(t, err, mailbox.ErrNotFound)
}

func TestGatewayMoveMessageUsesCopyUID(t *testing.T) {
	srv := newFakeServer("INBOX", "MAT-2/Quotes")
	srv.uidPlus = true
	id := srv.add("INBOX", rawMessage("", "RE: RFQ for MAT-2", "s@acme.com", "buyer@example.com"), time.Now(), nil)
	srv.afterMove = func() {
		srv.afterMove = nil
		srv.add("MAT-2/Quotes", rawMessage("", "RE: RFQ for MAT-2", "other@acme.com", "buyer@example.com"), time.Now(), nil)
	}
	g := newTestGateway(t, srv)

	newID, err := g.MoveMessage(context.Background(), id, "MAT-2/Quotes")
	require.NoError(t, err)
	moved, err := g.GetMessage(context.Background(), newID)
	require.NoError(t, err)
	require.Equal(t, "s@acme.com", moved.From.Address)
}

func TestGatewayMoveMessageWithoutMessageIDNarrowsSearch(t *testing.T) {
	srv := newFakeServer("INBOX", "MAT-3/Quotes")
	received := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	id := srv.add("INBOX", rawMessage("", "RE: RFQ for MAT-3", "s@acme.com", "buyer@example.com"), received, nil)
	srv.afterMove = func() {
		srv.afterMove = nil
		srv.add("MAT-3/Quotes", rawMessage("", "Unrelated newsletter", "news@acme.com", "buyer@example.com"), received, nil)
		srv.add("MAT-3/Quotes", rawMessage("", "RE: RFQ for MAT-3", "late@acme.com", "buyer@example.com"), received.AddDate(0, 0, 3), nil)
	}
	g := newTestGateway(t, srv)

	newID, err := g.MoveMessage(context.Background(), id, "MAT-3/Quotes")
	require.NoError(t, err)
	moved, err := g.GetMessage(context.Background(), newID)
	require.NoError(t, err)
	require.Equal(t, "s@acme.com", moved.From.Address)
}

func TestGatewayPatchMessageRewritesKeywords(t *testing.T) {
	srv := newFakeServer("INBOX")
	id := srv.add("INBOX", rawMessage("p@x", "Hello", "s@acme.com", "b@example.com"), time.Now(), []imap.Flag{imap.FlagFlagged, "Sent_RFQ"})
	g := newTestGateway(t, srv)

	require.NoError(t, g.PatchMessage(context.Background(), id, mailbox.SetCategories([]string{"Quote"})))
	require.NoError(t, g.PatchMessage(context.Background(), id, mailbox.MarkRead(true)))

	got, err := g.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"Quote"}, got.Categories)
	require.True(t, got.IsRead)
	require.Contains(t, srv.flags(id), imap.FlagFlagged)
}

func TestPatchedFlagsKeepsKeywordsWithoutCategoryPatch(t *testing.T) {
	read := false
	flags := patchedFlags([]imap.Flag{imap.FlagSeen, "Quote", imap.FlagAnswered}, mailbox.MessagePatch{IsRead: &read})
	require.ElementsMatch(t, []imap.Flag{"Quote", imap.FlagAnswered}, flags)
}

func TestGatewayFolders(t *testing.T) {
	srv := newFakeServer("INBOX", "INBOX/Archive")
	g := newTestGateway(t, srv)
	ctx := context.Background()

	created, err := g.CreateFolder(ctx, "", "MAT-7")
	require.NoError(t, err)
	require.Equal(t, "MAT-7", created.ID)
	child, err := g.CreateFolder(ctx, created.ID, "Quotes")
	require.NoError(t, err)
	require.Equal(t, "MAT-7/Quotes", child.ID)
	require.Equal(t, "MAT-7", child.ParentID)

	_, err = g.CreateFolder(ctx, created.ID, "Quotes")
	require.ErrorIs(t, err, mailbox.ErrAlreadyExists)
	_, err = g.CreateFolder(ctx, created.ID, "a/b")
	require.Error(t, err)

	kids, err := g.ListChildFolders(ctx, "MAT-7")
	require.NoError(t, err)
	require.Equal(t, []mailbox.Folder{{ID: "MAT-7/Quotes", Name: "Quotes", ParentID: "MAT-7"}}, kids)

	roots, err := g.ListChildFolders(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 2)

	f, err := g.GetFolder(ctx, "INBOX/Archive")
	require.NoError(t, err)
	require.Equal(t, "Archive", f.Name)
	require.Equal(t, "INBOX", f.ParentID)

	inbox, err := g.GetFolder(ctx, mailbox.FolderInbox)
	require.NoError(t, err)
	require.Equal(t, "INBOX", inbox.Name)
	require.Equal(t, 1, inbox.ChildCount)

	_, err = g.GetFolder(ctx, "Nope")
	require.ErrorIs(t, err, mailbox.ErrNotFound)
}

func TestGatewaySearchBySubjectIsExact(t *testing.T) {
	srv := newFakeServer("INBOX", "Sent")
	now := time.Now()
	srv.add("Sent", rawMessage("s1@x", "RFQ for MAT-9", "b@example.com", "s@acme.com"), now, nil)
	srv.add("Sent", rawMessage("s2@x", "RFQ for MAT-99", "b@example.com", "s@acme.com"), now.Add(time.Second), nil)
	g := newTestGateway(t, srv)

	msgs, err := g.SearchBySubject(context.Background(), mailbox.FolderSentItems, "rfq for mat-9", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "s1@x", msgs[0].InternetMessageID)
}

func TestGatewaySearchByConversationSpansMailboxes(t *testing.T) {
	srv := newFakeServer("INBOX", "Sent", "MAT-1", "MAT-1/Sent RFQs")
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	srv.add("MAT-1/Sent RFQs", rawMessage("root@x", "RFQ for MAT-1", "b@example.com", "s@acme.com"), base, nil)
	srv.add("INBOX", rawMessage("r1@x", "RE: RFQ for MAT-1", "s@acme.com", "b@example.com",
		"In-Reply-To: <root@x>", "References: <root@x>"), base.Add(time.Hour), nil)
	srv.add("INBOX", rawMessage("other@x", "Unrelated", "x@y.com", "b@example.com"), base, nil)
	g := newTestGateway(t, srv)

	msgs, err := g.SearchByConversation(context.Background(), "root@x")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "root@x", msgs[0].InternetMessageID)
	require.Equal(t, "MAT-1/Sent RFQs", msgs[0].ParentFolderID)
	require.Equal(t, "r1@x", msgs[1].InternetMessageID)

	none, err := g.SearchByConversation(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGatewayDeleteMessage(t *testing.T) {
	srv := newFakeServer("INBOX")
	id := srv.add("INBOX", rawMessage("d@x", "Bye", "s@acme.com", "b@example.com"), time.Now(), nil)
	g := newTestGateway(t, srv)

	require.NoError(t, g.DeleteMessage(context.Background(), id))
	_, err := g.GetMessage(context.Background(), id)
	require.ErrorIs(t, err, mailbox.ErrNotFound)
	require.Equal(t, 1, srv.expunges)
	require.Zero(t, srv.uidExpunges)
}

func TestGatewayDeleteMessageUsesUIDExpungeWithUIDPlus(t *testing.T) {
	srv := newFakeServer("INBOX")
	srv.uidPlus = true
	id := srv.add("INBOX", rawMessage("d@x", "Bye", "s@acme.com", "b@example.com"), time.Now(), nil)
	keep := srv.add("INBOX", rawMessage("k@x", "Keep", "s@acme.com", "b@example.com"), time.Now(), []imap.Flag{imap.FlagDeleted})
	g := newTestGateway(t, srv)

	require.NoError(t, g.DeleteMessage(context.Background(), id))
	_, err := g.GetMessage(context.Background(), id)
	require.ErrorIs(t, err, mailbox.ErrNotFound)
	_, err = g.GetMessage(context.Background(), keep)
	require.NoError(t, err)
	require.Equal(t, 1, srv.uidExpunges)
	require.Zero(t, srv.expunges)
}

func TestGatewayLoginFailureIsUnauthenticated(t *testing.T) {
	srv := newFakeServer("INBOX")
	srv.loginErr = errors.New("AUTHENTICATIONFAILED")
	g := newTestGateway(t, srv)

	err := g.Ping(context.Background())
	require.ErrorIs(t, err, mailbox.ErrUnauthenticated)
	require.ErrorContains(t, err, "imap auth")
}

func TestGatewayConnectErrorWrapped(t *testing.T) {
	g, err := New(Account{Host: "h", Username: "u", Password: "p"},
		withClientFactory(func(Account) (imapClient, error) { return nil, errors.New("dial failed") }))
	require.NoError(t, err)
	require.ErrorContains(t, g.Ping(context.Background()), "imap connect")
}

func TestGatewayCategoriesUseRegistry(t *testing.T) {
	srv := newFakeServer("INBOX")
	g := newTestGateway(t, srv)
	ctx := context.Background()

	_, err := g.ListMasterCategories(ctx)
	require.Error(t, err)

	reg := &fakeRegistry{}
	g = newTestGateway(t, srv, WithCategoryRegistry(reg))
	c, err := g.CreateMasterCategory(ctx, "Quote", "preset4")
	require.NoError(t, err)
	require.NoError(t, g.PatchMasterCategoryColor(ctx, c.ID, "preset1"))
	list, err := g.ListMasterCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, []mailbox.MasterCategory{{ID: "cat-1", Name: "Quote", Color: "preset1"}}, list)
}

func TestNewValidatesAccount(t *testing.T) {
	for _, acc := range []Account{
		{Username: "u", Password: "p"},
		{Host: "h", Password: "p"},
		{Host: "h", Username: "u"},
	} {
		_, err := New(acc)
		require.Error(t, err, "%+v", acc)
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	uid, mbox, err := parseMessageID(messageID(42, "MAT-1/Quotes"))
	require.NoError(t, err)
	require.Equal(t, imap.UID(42), uid)
	require.Equal(t, "MAT-1/Quotes", mbox)

	for _, bad := range []string{"", "42", "@INBOX", "x@INBOX", "0@INBOX", "7@"} {
		_, _, err := parseMessageID(bad)
		require.ErrorIs(t, err, mailbox.ErrNotFound, bad)
	}
}

func TestKeywordMapping(t *testing.T) {
	require.Equal(t, imap.Flag("Clarification_Request"), categoryToKeyword("Clarification Request"))
	c, ok := keywordToCategory("Engineer_Response")
	require.True(t, ok)
	require.Equal(t, "Engineer Response", c)
	_, ok = keywordToCategory(imap.FlagSeen)
	require.False(t, ok)
	_, ok = keywordToCategory("$Junk")
	require.False(t, ok)
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAlreadyExists}), mailbox.ErrAlreadyExists)
	require.ErrorIs(t, mapError(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate}), mailbox.ErrNotFound)
	require.ErrorIs(t, mapError(errors.New("NO Mailbox doesn't exist")), mailbox.ErrNotFound)
	other := errors.New("boom")
	require.Equal(t, other, mapError(other))
	require.NoError(t, mapError(nil))
}

type fakeRegistry struct {
	cats []mailbox.MasterCategory
}

func (r *fakeRegistry) ListCategories(context.Context) ([]mailbox.MasterCategory, error) {
	return append([]mailbox.MasterCategory(nil), r.cats...), nil
}

func (r *fakeRegistry) CreateCategory(_ context.Context, name, color string) (*mailbox.MasterCategory, error) {
	c := mailbox.MasterCategory{ID: fmt.Sprintf("cat-%d", len(r.cats)+1), Name: name, Color: color}
	r.cats = append(r.cats, c)
	return &c, nil
}

func (r *fakeRegistry) UpdateCategoryColor(_ context.Context, id, color string) error {
	for i := range r.cats {
		if r.cats[i].ID == id {
			r.cats[i].Color = color
			return nil
		}
	}
	return mailbox.ErrNotFound
}

// fakeServer keeps mailbox state across sessions so each Gateway call sees
// the effects of the previous one.
type fakeServer struct {
	mu        sync.Mutex
	mailboxes map[string][]*fakeMessage
	nextUID   imap.UID
	loginErr  error
	logins    int
	logouts   int

	uidPlus     bool
	afterMove   func()
	expunges    int
	uidExpunges int
}

type fakeMessage struct {
	uid   imap.UID
	raw   []byte
	date  time.Time
	flags []imap.Flag
}

func newFakeServer(names ...string) *fakeServer {
	s := &fakeServer{mailboxes: make(map[string][]*fakeMessage)}
	for _, n := range names {
		s.mailboxes[n] = nil
	}
	return s
}

func (s *fakeServer) add(mbox string, raw []byte, date time.Time, flags []imap.Flag) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUID++
	s.mailboxes[mbox] = append(s.mailboxes[mbox], &fakeMessage{uid: s.nextUID, raw: raw, date: date, flags: flags})
	return messageID(s.nextUID, mbox)
}

func (s *fakeServer) flags(id string) []imap.Flag {
	uid, mbox, _ := parseMessageID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes[mbox] {
		if m.uid == uid {
			return m.flags
		}
	}
	return nil
}

func (s *fakeServer) client() *fakeIMAPClient { return &fakeIMAPClient{srv: s} }

type fakeIMAPClient struct {
	srv      *fakeServer
	selected string
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.logins++
	return &fakeCommand{err: c.srv.loginErr}
}

func (c *fakeIMAPClient) Logout() commandWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.logouts++
	return &fakeCommand{}
}

func (c *fakeIMAPClient) Close() error { return nil }

func (c *fakeIMAPClient) Select(name string, _ *imap.SelectOptions) selectWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.mailboxes[name]; !ok {
		return &fakeSelect{err: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "no such mailbox"}}
	}
	c.selected = name
	return &fakeSelect{data: &imap.SelectData{NumMessages: uint32(len(c.srv.mailboxes[name]))}}
}

func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var uids []imap.UID
	for _, m := range c.srv.mailboxes[c.selected] {
		if matches(criteria, m) {
			uids = append(uids, m.uid)
		}
	}
	return &fakeSearch{data: &imap.SearchData{All: imap.UIDSetNum(uids...)}}
}

func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	set, _ := numSet.(imap.UIDSet)
	var bufs []*imapclient.FetchMessageBuffer
	for _, m := range c.srv.mailboxes[c.selected] {
		if !set.Contains(m.uid) {
			continue
		}
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			UID:          m.uid,
			Flags:        append([]imap.Flag(nil), m.flags...),
			InternalDate: m.date,
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: &imap.FetchItemBodySection{},
				Bytes:   append([]byte(nil), m.raw...),
			}},
		})
	}
	return &fakeFetch{bufs: bufs}
}

func (c *fakeIMAPClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	set, _ := numSet.(imap.UIDSet)
	for _, m := range c.srv.mailboxes[c.selected] {
		if !set.Contains(m.uid) {
			continue
		}
		switch store.Op {
		case imap.StoreFlagsSet:
			m.flags = append([]imap.Flag(nil), store.Flags...)
		case imap.StoreFlagsAdd:
			m.flags = append(m.flags, store.Flags...)
		}
	}
	return &fakeFetch{}
}

func (c *fakeIMAPClient) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.uidExpunges++
	kept := c.srv.mailboxes[c.selected][:0]
	for _, m := range c.srv.mailboxes[c.selected] {
		if uids.Contains(m.uid) && hasFlag(m.flags, imap.FlagDeleted) {
			continue
		}
		kept = append(kept, m)
	}
	c.srv.mailboxes[c.selected] = kept
	return &fakeExpunge{}
}

func (c *fakeIMAPClient) List(_, pattern string, _ *imap.ListOptions) listWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if pattern == "" {
		return &fakeList{data: []*imap.ListData{{Delim: '/'}}}
	}
	var names []string
	for name := range c.srv.mailboxes {
		if listMatch(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var out []*imap.ListData
	for _, name := range names {
		ld := &imap.ListData{Mailbox: name, Delim: '/'}
		for other := range c.srv.mailboxes {
			if strings.HasPrefix(other, name+"/") {
				ld.Attrs = []imap.MailboxAttr{imap.MailboxAttrHasChildren}
				break
			}
		}
		out = append(out, ld)
	}
	return &fakeList{data: out}
}

func (c *fakeIMAPClient) Create(name string, _ *imap.CreateOptions) commandWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.mailboxes[name]; ok {
		return &fakeCommand{err: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAlreadyExists, Text: "exists"}}
	}
	c.srv.mailboxes[name] = nil
	return &fakeCommand{}
}

func (c *fakeIMAPClient) Move(numSet imap.NumSet, dest string) moveWaiter {
	c.srv.mu.Lock()
	if _, ok := c.srv.mailboxes[dest]; !ok {
		c.srv.mu.Unlock()
		return &fakeMove{err: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "no such mailbox"}}
	}
	set, _ := numSet.(imap.UIDSet)
	var destUID imap.UID
	kept := c.srv.mailboxes[c.selected][:0]
	for _, m := range c.srv.mailboxes[c.selected] {
		if set.Contains(m.uid) {
			c.srv.nextUID++
			m.uid = c.srv.nextUID
			destUID = m.uid
			c.srv.mailboxes[dest] = append(c.srv.mailboxes[dest], m)
			continue
		}
		kept = append(kept, m)
	}
	c.srv.mailboxes[c.selected] = kept
	if !c.srv.uidPlus {
		destUID = 0
	}
	hook := c.srv.afterMove
	c.srv.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &fakeMove{uid: destUID}
}

func (c *fakeIMAPClient) Expunge() expungeWaiter {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.expunges++
	kept := c.srv.mailboxes[c.selected][:0]
	for _, m := range c.srv.mailboxes[c.selected] {
		if !hasFlag(m.flags, imap.FlagDeleted) {
			kept = append(kept, m)
		}
	}
	c.srv.mailboxes[c.selected] = kept
	return &fakeExpunge{}
}

func (c *fakeIMAPClient) Caps() imap.CapSet {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	caps := imap.CapSet{imap.CapIMAP4rev1: {}}
	if c.srv.uidPlus {
		caps[imap.CapUIDPlus] = struct{}{}
	}
	return caps
}

// listMatch handles the patterns the gateway issues: "*", "%", "<parent>/%"
// and exact names.
func listMatch(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == "%":
		return !strings.Contains(name, "/")
	case strings.HasSuffix(pattern, "/%"):
		parent := strings.TrimSuffix(pattern, "%")
		rest := strings.TrimPrefix(name, parent)
		return strings.HasPrefix(name, parent) && rest != "" && !strings.Contains(rest, "/")
	}
	return strings.EqualFold(pattern, name)
}

func matches(c *imap.SearchCriteria, m *fakeMessage) bool {
	if c == nil {
		return true
	}
	for _, f := range c.NotFlag {
		if hasFlag(m.flags, f) {
			return false
		}
	}
	if !c.Since.IsZero() && m.date.Before(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !m.date.Before(c.Before) {
		return false
	}
	for _, h := range c.Header {
		if !headerContains(m.raw, h.Key, h.Value) {
			return false
		}
	}
	for _, pair := range c.Or {
		if !matches(&pair[0], m) && !matches(&pair[1], m) {
			return false
		}
	}
	return true
}

func headerContains(raw []byte, key, value string) bool {
	head := strings.SplitN(string(raw), "\r\n\r\n", 2)[0]
	for _, line := range strings.Split(head, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) && strings.Contains(strings.ToLower(v), strings.ToLower(value)) {
			return true
		}
	}
	return false
}

func hasFlag(flags []imap.Flag, f imap.Flag) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeMove struct {
	uid imap.UID
	err error
}

func (m *fakeMove) Wait() (imap.UID, error) { return m.uid, m.err }

type fakeSelect struct {
	err  error
	data *imap.SelectData
}

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return s.data, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }

type fakeList struct {
	err  error
	data []*imap.ListData
}

func (l *fakeList) Collect() ([]*imap.ListData, error) { return l.data, l.err }
