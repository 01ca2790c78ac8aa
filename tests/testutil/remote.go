package testutil

import (
	"context"
	"sync"

	"github.com/nhle/mailmirror/internal/remote"
)

// FakeFolder is the server-side state of one folder in a FakeClient.
type FakeFolder struct {
	UIDValidity uint32
	Attrs       []string
	Messages    map[uint32]FakeMessage
}

// FakeMessage is one message held by a FakeFolder.
type FakeMessage struct {
	Flags []string
	Raw   []byte
}

// FakeClient is an in-memory remote.Client for tests. Mutations through
// the flag and move methods update its state so reconciliation tests can
// observe the round trip. Err, when set, is returned by every call.
type FakeClient struct {
	mu      sync.Mutex
	Folders map[string]*FakeFolder

	// Err fails every call when non-nil.
	Err error

	// Calls records method names in invocation order.
	Calls []string
}

var _ remote.Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{Folders: make(map[string]*FakeFolder)}
}

// AddFolder creates a folder with the given UIDVALIDITY and attributes.
func (f *FakeClient) AddFolder(name string, uidValidity uint32, attrs ...string) *FakeFolder {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder := &FakeFolder{
		UIDValidity: uidValidity,
		Attrs:       attrs,
		Messages:    make(map[uint32]FakeMessage),
	}
	f.Folders[name] = folder
	return folder
}

// PutMessage stores a message under a UID in an existing folder.
func (f *FakeClient) PutMessage(folder string, uid uint32, raw []byte, flags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Folders[folder].Messages[uid] = FakeMessage{Flags: flags, Raw: raw}
}

func (f *FakeClient) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	return f.Err
}

func (f *FakeClient) ListMailboxes(ctx context.Context) ([]remote.Mailbox, error) {
	if err := f.record("ListMailboxes"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var boxes []remote.Mailbox
	for name, folder := range f.Folders {
		boxes = append(boxes, remote.Mailbox{Name: name, Delimiter: "/", Attrs: folder.Attrs})
	}
	return boxes, nil
}

func (f *FakeClient) FetchUIDAttrs(ctx context.Context, folder string) (uint32, []remote.UIDAttr, error) {
	if err := f.record("FetchUIDAttrs " + folder); err != nil {
		return 0, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.Folders[folder]
	if !ok {
		return 0, nil, &remote.PermanentError{Op: "select", Err: errFolderMissing(folder)}
	}
	var attrs []remote.UIDAttr
	for uid, msg := range fl.Messages {
		attrs = append(attrs, remote.UIDAttr{UID: uid, Flags: msg.Flags})
	}
	return fl.UIDValidity, attrs, nil
}

func (f *FakeClient) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]remote.FetchedMessage, error) {
	if err := f.record("FetchMessages"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.Folders[folder]
	if !ok {
		return nil, &remote.PermanentError{Op: "select", Err: errFolderMissing(folder)}
	}
	var out []remote.FetchedMessage
	for _, uid := range uids {
		msg, ok := fl.Messages[uid]
		if !ok {
			continue
		}
		out = append(out, remote.FetchedMessage{UID: uid, Flags: msg.Flags, Raw: msg.Raw})
	}
	return out, nil
}

func (f *FakeClient) AddFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	if err := f.record("AddFlags"); err != nil {
		return err
	}
	return f.mutateFlags(folder, uids, func(have []string) []string {
		for _, flag := range flags {
			found := false
			for _, h := range have {
				if h == flag {
					found = true
					break
				}
			}
			if !found {
				have = append(have, flag)
			}
		}
		return have
	})
}

func (f *FakeClient) RemoveFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	if err := f.record("RemoveFlags"); err != nil {
		return err
	}
	return f.mutateFlags(folder, uids, func(have []string) []string {
		var out []string
		for _, h := range have {
			drop := false
			for _, flag := range flags {
				if h == flag {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, h)
			}
		}
		return out
	})
}

func (f *FakeClient) mutateFlags(folder string, uids []uint32, fn func([]string) []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.Folders[folder]
	if !ok {
		return &remote.PermanentError{Op: "store", Err: errFolderMissing(folder)}
	}
	for _, uid := range uids {
		msg, ok := fl.Messages[uid]
		if !ok {
			continue
		}
		msg.Flags = fn(msg.Flags)
		fl.Messages[uid] = msg
	}
	return nil
}

func (f *FakeClient) MoveMessage(ctx context.Context, folder string, uid uint32, dest string) error {
	if err := f.record("MoveMessage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.Folders[folder]
	if !ok {
		return &remote.PermanentError{Op: "move", Err: errFolderMissing(folder)}
	}
	dst, ok := f.Folders[dest]
	if !ok {
		return &remote.PermanentError{Op: "move", Err: errFolderMissing(dest)}
	}
	msg, ok := src.Messages[uid]
	if !ok {
		return &remote.PermanentError{Op: "move", Err: errUIDMissing(uid)}
	}
	delete(src.Messages, uid)

	var next uint32 = 1
	for u := range dst.Messages {
		if u >= next {
			next = u + 1
		}
	}
	dst.Messages[next] = msg
	return nil
}

func (f *FakeClient) Close() error { return nil }

type errFolderMissing string

func (e errFolderMissing) Error() string { return "no such folder: " + string(e) }

type errUIDMissing uint32

func (e errUIDMissing) Error() string { return "no such uid" }
