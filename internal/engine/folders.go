package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

// roles that reconciliation tries to keep assigned to some folder.
var backfillRoles = []model.CategoryRole{
	model.RoleInbox,
	model.RoleSent,
	model.RoleDrafts,
	model.RoleSpam,
	model.RoleTrash,
	model.RoleAll,
}

var attrRoles = map[string]model.CategoryRole{
	"\\Inbox":   model.RoleInbox,
	"\\Sent":    model.RoleSent,
	"\\Drafts":  model.RoleDrafts,
	"\\Junk":    model.RoleSpam,
	"\\Spam":    model.RoleSpam,
	"\\Trash":   model.RoleTrash,
	"\\All":     model.RoleAll,
	"\\Archive": model.RoleAll,
	"\\Flagged": model.RoleFlagged,
}

var nameRoles = map[string]model.CategoryRole{
	"inbox":         model.RoleInbox,
	"sent":          model.RoleSent,
	"sent mail":     model.RoleSent,
	"sent items":    model.RoleSent,
	"sent messages": model.RoleSent,
	"drafts":        model.RoleDrafts,
	"draft":         model.RoleDrafts,
	"spam":          model.RoleSpam,
	"junk":          model.RoleSpam,
	"junk mail":     model.RoleSpam,
	"trash":         model.RoleTrash,
	"deleted items": model.RoleTrash,
	"deleted messages": model.RoleTrash,
	"archive":       model.RoleAll,
	"all mail":      model.RoleAll,
	"all":           model.RoleAll,
	"starred":       model.RoleFlagged,
	"flagged":       model.RoleFlagged,
}

// flatMailbox is one selectable remote folder after tree flattening.
type flatMailbox struct {
	Name  string
	Attrs []string
}

// flattenMailboxes walks the remote tree iteratively and returns every
// selectable mailbox sorted by name. Servers that report a flat list of
// full paths and servers that nest both come out the same way: a nested
// child carrying a bare name is joined onto its parent's path with the
// hierarchy delimiter, while full paths pass through untouched.
func flattenMailboxes(tree []remote.Mailbox) []flatMailbox {
	type frame struct {
		mb     remote.Mailbox
		parent string
		delim  string
	}

	var out []flatMailbox
	stack := make([]frame, 0, len(tree))
	for _, mb := range tree {
		stack = append(stack, frame{mb: mb})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		name := f.mb.Name
		delim := f.mb.Delimiter
		if delim == "" {
			delim = f.delim
		}
		if f.parent != "" && delim != "" && !strings.HasPrefix(name, f.parent+delim) {
			name = f.parent + delim + name
		}

		for _, child := range f.mb.Children {
			stack = append(stack, frame{mb: child, parent: name, delim: delim})
		}

		if hasAttr(f.mb.Attrs, "\\Noselect") || hasAttr(f.mb.Attrs, "\\NonExistent") {
			continue
		}
		out = append(out, flatMailbox{Name: name, Attrs: f.mb.Attrs})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// roleForMailbox derives a role from special-use attributes first, then
// from well-known folder names. The name heuristic looks at the last path
// segment so "[Gmail]/Sent Mail" still matches.
func roleForMailbox(mb flatMailbox) model.CategoryRole {
	for _, attr := range mb.Attrs {
		if role, ok := attrRoles[attr]; ok {
			return role
		}
	}
	name := mb.Name
	if idx := strings.LastIndexAny(name, "/."); idx >= 0 {
		name = name[idx+1:]
	}
	if role, ok := nameRoles[strings.ToLower(name)]; ok {
		return role
	}
	return model.RoleNone
}

// ReconcileFolders diffs the remote mailbox list against local categories
// in one transaction: new remote folders become categories, categories
// whose folder disappeared are removed along with their UID rows, and
// roles are re-derived. Core roles left unassigned are backfilled by name
// so the rest of the engine can always find the inbox.
func ReconcileFolders(ctx context.Context, mirror *store.Mirror, client remote.Client, logger *logrus.Entry) error {
	tree, err := client.ListMailboxes(ctx)
	if err != nil {
		return remote.Classify("listing mailboxes", err)
	}
	boxes := flattenMailboxes(tree)

	return mirror.WithTx(ctx, func(tx *store.Tx) error {
		cats, err := tx.ListCategories()
		if err != nil {
			return err
		}
		byName := make(map[string]model.Category, len(cats))
		for _, cat := range cats {
			byName[cat.Name] = cat
		}

		remoteNames := make(map[string]bool, len(boxes))
		roleTaken := make(map[model.CategoryRole]bool)
		var unroled []string // category ids with no role, in mailbox order

		for _, mb := range boxes {
			remoteNames[mb.Name] = true
			role := roleForMailbox(mb)

			cat, exists := byName[mb.Name]
			if !exists {
				cat = model.Category{
					ID:   uuid.NewString(),
					Name: mb.Name,
					Role: role,
				}
				if err := tx.CreateCategory(cat); err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{"folder": mb.Name, "role": role}).Info("discovered folder")
			} else if cat.Role != role && role != model.RoleNone {
				if err := tx.SetCategoryRole(cat.ID, role); err != nil {
					return err
				}
				cat.Role = role
			}

			if cat.Role == model.RoleNone {
				unroled = append(unroled, cat.ID)
			} else {
				roleTaken[cat.Role] = true
			}
			byName[mb.Name] = cat
		}

		for _, cat := range cats {
			if remoteNames[cat.Name] {
				continue
			}
			logger.WithField("folder", cat.Name).Info("removing vanished folder")
			if err := tx.DeleteCategory(cat.ID); err != nil {
				return err
			}
		}

		// Backfill: a mailbox whose name matches a missing core role takes
		// it, even when the name sits mid-path ("INBOX/Sent").
		for _, role := range backfillRoles {
			if roleTaken[role] {
				continue
			}
			for _, id := range unroled {
				cat := categoryByID(byName, id)
				if cat == nil || !nameSuggestsRole(cat.Name, role) {
					continue
				}
				if err := tx.SetCategoryRole(cat.ID, role); err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{"folder": cat.Name, "role": role}).Info("backfilled folder role")
				roleTaken[role] = true
				break
			}
		}
		return nil
	})
}

func categoryByID(byName map[string]model.Category, id string) *model.Category {
	for _, cat := range byName {
		if cat.ID == id {
			return &cat
		}
	}
	return nil
}

func nameSuggestsRole(name string, role model.CategoryRole) bool {
	for _, segment := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '.' }) {
		if nameRoles[strings.ToLower(segment)] == role {
			return true
		}
	}
	return false
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
