package remote

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"
)

// IMAPConfig holds the connection settings for one account.
type IMAPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// IMAPClient implements Client over go-imap v2. The connection is
// established lazily on first use and reused until Close.
type IMAPClient struct {
	cfg    IMAPConfig
	client *imapclient.Client
	logger *logrus.Entry

	// selected caches the currently selected folder so consecutive
	// operations on the same folder skip the SELECT round-trip.
	selected string
}

// NewIMAPClient creates an IMAP client. It does not connect.
func NewIMAPClient(cfg IMAPConfig, logger *logrus.Entry) *IMAPClient {
	return &IMAPClient{cfg: cfg, logger: logger}
}

func (c *IMAPClient) ensure() error {
	if c.client != nil {
		return nil
	}

	addr := c.cfg.Host + ":" + c.cfg.Port

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return Classify("dial "+addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return &PermanentError{Op: "login " + c.cfg.Username, Err: err}
	}

	c.logger.WithField("host", c.cfg.Host).Info("connected to IMAP server")
	c.client = client
	return nil
}

func (c *IMAPClient) selectFolder(folder string) (*imap.SelectData, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		c.selected = ""
		return nil, Classify("select "+folder, err)
	}
	c.selected = folder
	return data, nil
}

// ListMailboxes returns every mailbox the server reports. go-imap lists
// flat full paths, so the returned boxes carry no children; the reconciler
// flattens nested trees and flat lists identically.
func (c *IMAPClient) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}

	list, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, Classify("list mailboxes", err)
	}

	boxes := make([]Mailbox, 0, len(list))
	for _, data := range list {
		attrs := make([]string, 0, len(data.Attrs))
		for _, a := range data.Attrs {
			attrs = append(attrs, string(a))
		}
		boxes = append(boxes, Mailbox{
			Name:      data.Mailbox,
			Delimiter: string(data.Delim),
			Attrs:     attrs,
		})
	}
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Name < boxes[j].Name })
	return boxes, nil
}

// FetchUIDAttrs selects the folder and fetches UID + flags for its entire
// UID range.
func (c *IMAPClient) FetchUIDAttrs(ctx context.Context, folder string) (uint32, []UIDAttr, error) {
	if err := c.ensure(); err != nil {
		return 0, nil, err
	}

	data, err := c.selectFolder(folder)
	if err != nil {
		return 0, nil, err
	}
	if data.NumMessages == 0 {
		return data.UIDValidity, nil, nil
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(1, 0) // 1:*

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:   true,
		Flags: true,
	})
	defer fetchCmd.Close()

	var attrs []UIDAttr
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		attrs = append(attrs, UIDAttr{
			UID:   uint32(buf.UID),
			Flags: flagStrings(buf.Flags),
		})
	}
	if err := fetchCmd.Close(); err != nil {
		return 0, nil, Classify("fetch uid attrs "+folder, err)
	}

	return data.UIDValidity, attrs, nil
}

// FetchMessages fetches full bodies for the given UIDs.
func (c *IMAPClient) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]FetchedMessage, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	if c.selected != folder {
		if _, err := c.selectFolder(folder); err != nil {
			return nil, err
		}
	}

	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}
	uidSet := imap.UIDSetNum(imapUIDs...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var fetched []FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			c.logger.WithField("uid", buf.UID).Warn("fetched message has no body section")
			continue
		}
		fetched = append(fetched, FetchedMessage{
			UID:          uint32(buf.UID),
			Flags:        flagStrings(buf.Flags),
			Raw:          raw,
			InternalDate: buf.InternalDate,
		})
	}
	if err := fetchCmd.Close(); err != nil {
		return fetched, Classify(fmt.Sprintf("fetch %d messages in %s", len(uids), folder), err)
	}

	return fetched, nil
}

// AddFlags adds flags to the given UIDs.
func (c *IMAPClient) AddFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	return c.storeFlags(folder, uids, flags, imap.StoreFlagsAdd)
}

// RemoveFlags removes flags from the given UIDs.
func (c *IMAPClient) RemoveFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	return c.storeFlags(folder, uids, flags, imap.StoreFlagsDel)
}

func (c *IMAPClient) storeFlags(folder string, uids []uint32, flags []string, op imap.StoreFlagsOp) error {
	if err := c.ensure(); err != nil {
		return err
	}
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}

	if c.selected != folder {
		if _, err := c.selectFolder(folder); err != nil {
			return err
		}
	}

	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}

	imapFlags := make([]imap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = imap.Flag(f)
	}

	storeCmd := c.client.Store(imap.UIDSetNum(imapUIDs...), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return Classify(fmt.Sprintf("store flags in %s", folder), err)
	}
	return nil
}

// MoveMessage moves one UID to the dest folder.
func (c *IMAPClient) MoveMessage(ctx context.Context, folder string, uid uint32, dest string) error {
	if err := c.ensure(); err != nil {
		return err
	}

	if c.selected != folder {
		if _, err := c.selectFolder(folder); err != nil {
			return err
		}
	}

	if _, err := c.client.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return Classify(fmt.Sprintf("move uid %d to %s", uid, dest), err)
	}
	return nil
}

// Close logs out and drops the connection.
func (c *IMAPClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	c.client = nil
	c.selected = ""
	return err
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
