package imapgw

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
	Expunge() expungeWaiter
	Caps() imap.CapSet
	List(ref, pattern string, options *imap.ListOptions) listWaiter
	Create(mailbox string, options *imap.CreateOptions) commandWaiter
	Move(numSet imap.NumSet, mailbox string) moveWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// moveWaiter reports the destination UID from COPYUID, or 0 when the server
// did not send one.
type moveWaiter interface {
	Wait() (imap.UID, error)
}
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}

// Account holds IMAP connection settings.
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

func validateAccount(a Account) error {
	if strings.TrimSpace(a.Host) == "" {
		return errors.New("imap account missing host")
	}
	if a.Username == "" {
		return errors.New("imap account missing username")
	}
	if a.Password == "" {
		return errors.New("imap account missing password")
	}
	return nil
}

func dial(a Account, timeout time.Duration) (imapClient, error) {
	port := a.Port
	if port == 0 {
		if a.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: timeout}}
	addr := fmt.Sprintf("%s:%d", a.Host, port)
	var (
		client *imapclient.Client
		err    error
	)
	if a.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}
func (w *imapClientWrapper) Create(mailbox string, options *imap.CreateOptions) commandWaiter {
	return w.Client.Create(mailbox, options)
}
func (w *imapClientWrapper) Expunge() expungeWaiter {
	return w.Client.Expunge()
}
func (w *imapClientWrapper) Move(numSet imap.NumSet, mailbox string) moveWaiter {
	return moveCommand{cmd: w.Client.Move(numSet, mailbox)}
}

type moveCommand struct{ cmd *imapclient.MoveCommand }

func (m moveCommand) Wait() (imap.UID, error) {
	data, err := m.cmd.Wait()
	if err != nil || data == nil {
		return 0, err
	}
	if uids, ok := data.DestUIDs.(imap.UIDSet); ok {
		if nums, ok := uids.Nums(); ok && len(nums) == 1 {
			return nums[0], nil
		}
	}
	return 0, nil
}

// hasUIDPlus reports whether UID EXPUNGE and COPYUID are available.
func hasUIDPlus(c imapClient) bool {
	caps := c.Caps()
	return caps.Has(imap.CapUIDPlus) || caps.Has(imap.CapIMAP4rev2)
}
