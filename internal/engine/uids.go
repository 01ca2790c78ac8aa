package engine

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/pipeline"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

// fetchBatchSize bounds how many full message bodies one store transaction
// ingests, so a huge folder never holds a write transaction open for its
// whole download.
const fetchBatchSize = 50

// ReconcileUIDs brings one category's UID and flag state in line with the
// server: removed UIDs are dropped (and orphaned messages pruned), flag
// changes are recorded, and previously unseen UIDs have their messages
// fetched and run through the ingestion pipeline in batches.
func ReconcileUIDs(ctx context.Context, mirror *store.Mirror, client remote.Client, pipe *pipeline.Pipeline, cat model.Category, logger *logrus.Entry) error {
	logger = logger.WithField("folder", cat.Name)

	validity, attrs, err := client.FetchUIDAttrs(ctx, cat.Name)
	if err != nil {
		return remote.Classify("fetching uid attributes", err)
	}

	remoteByUID := make(map[uint32][]string, len(attrs))
	for _, a := range attrs {
		remoteByUID[a.UID] = a.Flags
	}

	var newUIDs []uint32
	err = mirror.WithTx(ctx, func(tx *store.Tx) error {
		if validity != cat.UIDValidity {
			if cat.UIDValidity != 0 {
				// The server renumbered the folder. Every known UID is
				// meaningless now; the messages themselves stay and are
				// re-joined as the fresh UIDs come in below.
				logger.WithFields(logrus.Fields{"old": cat.UIDValidity, "new": validity}).
					Warn("uidvalidity changed, dropping uid state")
				if err := tx.DropUIDsForCategory(cat.ID); err != nil {
					return err
				}
			}
			if err := tx.SetCategoryUIDValidity(cat.ID, validity); err != nil {
				return err
			}
		}

		known, err := tx.ListUIDs(cat.ID)
		if err != nil {
			return err
		}

		removed := 0
		knownSet := make(map[uint32]bool, len(known))
		for _, uid := range known {
			knownSet[uid.RemoteUID] = true
			flags, present := remoteByUID[uid.RemoteUID]
			if !present {
				if err := tx.DeleteMessageUID(cat.ID, uid.RemoteUID); err != nil {
					return err
				}
				removed++
				continue
			}
			if !sameFlags(uid.Flags, flags) {
				if err := tx.UpdateUIDFlags(cat.ID, uid.RemoteUID, flags); err != nil {
					return err
				}
			}
		}
		if removed > 0 {
			if err := tx.PruneOrphanedMessages(); err != nil {
				return err
			}
		}

		for uid := range remoteByUID {
			if !knownSet[uid] {
				newUIDs = append(newUIDs, uid)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(newUIDs) == 0 {
		return nil
	}

	sort.Slice(newUIDs, func(i, j int) bool { return newUIDs[i] < newUIDs[j] })
	logger.WithField("count", len(newUIDs)).Info("fetching new messages")

	for start := 0; start < len(newUIDs); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(newUIDs) {
			end = len(newUIDs)
		}
		if err := ingestBatch(ctx, mirror, client, pipe, cat, newUIDs[start:end], logger); err != nil {
			return err
		}
	}
	return nil
}

// ingestBatch downloads one batch of messages and commits them in a single
// transaction. UIDs the server no longer has are skipped silently; the next
// pass reconciles them away.
func ingestBatch(ctx context.Context, mirror *store.Mirror, client remote.Client, pipe *pipeline.Pipeline, cat model.Category, uids []uint32, logger *logrus.Entry) error {
	fetched, err := client.FetchMessages(ctx, cat.Name, uids)
	if err != nil {
		return remote.Classify("fetching messages", err)
	}

	return mirror.WithTx(ctx, func(tx *store.Tx) error {
		for _, fm := range fetched {
			msg, err := pipe.Ingest(tx, fm.Raw, fm.InternalDate)
			if err != nil {
				// One unparseable message must not wedge the folder.
				logger.WithError(err).WithField("uid", fm.UID).Warn("skipping unparseable message")
				continue
			}
			err = tx.InsertMessageUID(model.MessageUID{
				CategoryID: cat.ID,
				MessageID:  msg.ID,
				RemoteUID:  fm.UID,
				Flags:      fm.Flags,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func sameFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
