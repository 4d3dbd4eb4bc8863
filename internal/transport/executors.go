package transport

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/nhle/mailcore/internal/jobs"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/store"
)

// Executors builds the job executors of an account on top of its IMAP and
// SMTP clients. cursors persists the last fetched UID per folder.
type Executors struct {
	IMAP    *IMAPClient
	SMTP    *Sender
	Cursors store.ConfigStore
	Emit    model.Emitter
	Log     *zap.Logger
}

// Map returns the executor for every job kind.
func (x *Executors) Map() map[model.JobKind]jobs.Executor {
	if x.Emit == nil {
		x.Emit = func(model.Event) {}
	}
	if x.Log == nil {
		x.Log = zap.NewNop()
	}
	return map[model.JobKind]jobs.Executor{
		model.JobSendMessage: jobs.ExecutorFunc(x.sendMessage),
		model.JobFetchFolder: jobs.ExecutorFunc(x.fetchFolder),
		model.JobMoveMessage: jobs.ExecutorFunc(x.moveMessage),
		model.JobMarkSeen:    jobs.ExecutorFunc(x.markSeen),
	}
}

func (x *Executors) sendMessage(ctx context.Context, payload []byte) error {
	var msg model.OutgoingMessage
	if err := model.DecodePayload(payload, &msg); err != nil {
		return jobs.Permanent(err)
	}
	if err := x.SMTP.Send(ctx, &msg); err != nil {
		if jobs.IsPermanent(err) {
			x.Emit(model.NewEvent(model.EventMsgFailed, 0, 0, msg.MessageID))
		}
		return err
	}
	x.Emit(model.NewEvent(model.EventMsgSent, 0, 0, msg.MessageID))
	return nil
}

// Cursor keys for the UID high-water mark of a folder.
func lastUIDKey(folder string) string  { return "imap." + folder + ".last_uid" }
func validityKey(folder string) string { return "imap." + folder + ".uid_validity" }

func (x *Executors) cursor(ctx context.Context, folder string) (uint32, uint32, error) {
	get := func(key string) (uint32, error) {
		v, ok, err := x.Cursors.GetConfig(ctx, key)
		if err != nil || !ok {
			return 0, err
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, nil
		}
		return uint32(n), nil
	}
	last, err := get(lastUIDKey(folder))
	if err != nil {
		return 0, 0, err
	}
	validity, err := get(validityKey(folder))
	return last, validity, err
}

func (x *Executors) fetchFolder(ctx context.Context, payload []byte) error {
	var p model.FolderPayload
	if err := model.DecodePayload(payload, &p); err != nil {
		return jobs.Permanent(err)
	}
	if p.Folder == "" {
		p.Folder = "INBOX"
	}

	last, validity, err := x.cursor(ctx, p.Folder)
	if err != nil {
		return fmt.Errorf("reading %s cursor: %w", p.Folder, err)
	}

	envs, gotValidity, err := x.IMAP.FetchSince(ctx, p.Folder, last)
	if err != nil {
		return Classify(err)
	}

	// A new UIDVALIDITY invalidates every stored UID.
	if validity != 0 && gotValidity != validity {
		x.Log.Info("uid validity changed, refetching folder",
			zap.String("folder", p.Folder),
			zap.Uint32("old", validity), zap.Uint32("new", gotValidity))
		envs, _, err = x.IMAP.FetchSince(ctx, p.Folder, 0)
		if err != nil {
			return Classify(err)
		}
		last = 0
	}

	for _, env := range envs {
		x.Emit(model.NewEvent(model.EventIncomingMsg, int64(env.UID), 0, p.Folder))
		if env.UID > last {
			last = env.UID
		}
	}

	return x.Cursors.SetConfigs(ctx, map[string]string{
		lastUIDKey(p.Folder):  strconv.FormatUint(uint64(last), 10),
		validityKey(p.Folder): strconv.FormatUint(uint64(gotValidity), 10),
	})
}

func (x *Executors) moveMessage(ctx context.Context, payload []byte) error {
	var p model.MovePayload
	if err := model.DecodePayload(payload, &p); err != nil {
		return jobs.Permanent(err)
	}
	return Classify(x.IMAP.Move(ctx, p.Folder, p.UID, p.Dest))
}

func (x *Executors) markSeen(ctx context.Context, payload []byte) error {
	var p model.FlagPayload
	if err := model.DecodePayload(payload, &p); err != nil {
		return jobs.Permanent(err)
	}
	return Classify(x.IMAP.MarkSeen(ctx, p.Folder, p.UID))
}
