package transport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailcore/internal/jobs"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/testutil"
)

const (
	imapUser = "alice@example.org"
	imapPass = "secret"
)

// startIMAP runs an in-memory IMAP server with INBOX and Archive.
func startIMAP(t *testing.T) model.Settings {
	host, port := testutil.StartIMAP(t, imapUser, imapPass, "INBOX", "Archive")
	return model.Settings{Addr: imapUser, IMAPHost: host, IMAPPort: port}
}

// appendMessage stores a small message in folder.
func appendMessage(t *testing.T, c *IMAPClient, folder, subject string) {
	t.Helper()

	raw := testutil.RawMessage(imapUser, subject)

	sess, err := c.Dial(context.Background(), nil)
	require.NoError(t, err)
	defer sess.Close()

	cmd := sess.Append(folder, int64(len(raw)), nil)
	_, err = cmd.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(t, err)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIMAPLoginFailure(t *testing.T) {
	c := NewIMAPClient(startIMAP(t), "wrong", WithoutTLS())
	err := c.Probe(testCtx(t))
	assert.True(t, IsAuthError(err))
	assert.True(t, jobs.IsPermanent(Classify(err)))
}

func TestIMAPFetchSince(t *testing.T) {
	c := NewIMAPClient(startIMAP(t), imapPass, WithoutTLS())
	ctx := testCtx(t)

	envs, _, err := c.FetchSince(ctx, "INBOX", 0)
	require.NoError(t, err)
	assert.Empty(t, envs)

	appendMessage(t, c, "INBOX", "one")
	appendMessage(t, c, "INBOX", "two")

	envs, validity, err := c.FetchSince(ctx, "INBOX", 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.NotZero(t, validity)
	assert.Equal(t, "one", envs[0].Subject)
	assert.Equal(t, "two", envs[1].Subject)

	envs, _, err = c.FetchSince(ctx, "INBOX", envs[1].UID)
	require.NoError(t, err)
	assert.Empty(t, envs, "nothing above the highest UID")
}

func TestIMAPMoveAndMarkSeen(t *testing.T) {
	c := NewIMAPClient(startIMAP(t), imapPass, WithoutTLS())
	ctx := testCtx(t)

	appendMessage(t, c, "INBOX", "move me")
	envs, _, err := c.FetchSince(ctx, "INBOX", 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	uid := envs[0].UID

	require.NoError(t, c.MarkSeen(ctx, "INBOX", uid))
	envs, _, err = c.FetchSince(ctx, "INBOX", 0)
	require.NoError(t, err)
	assert.Contains(t, envs[0].Flags, string(imap.FlagSeen))

	require.NoError(t, c.Move(ctx, "INBOX", uid, "Archive"))
	envs, _, err = c.FetchSince(ctx, "Archive", 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "move me", envs[0].Subject)

	appendMessage(t, c, "INBOX", "stay")
	envs, _, err = c.FetchSince(ctx, "INBOX", 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Error(t, c.Move(ctx, "INBOX", envs[0].UID, "Nowhere"))
}

func TestFetchFolderExecutorAdvancesCursor(t *testing.T) {
	settings := startIMAP(t)
	c := NewIMAPClient(settings, imapPass, WithoutTLS())
	ctx := testCtx(t)
	s := testutil.NewTestStore(t)

	var got []model.Event
	x := &Executors{
		IMAP:    c,
		Cursors: s,
		Emit:    func(ev model.Event) { got = append(got, ev) },
	}
	fetch := x.Map()[model.JobFetchFolder]

	payload, err := model.EncodePayload(model.FolderPayload{Folder: "INBOX"})
	require.NoError(t, err)

	appendMessage(t, c, "INBOX", "first")
	require.NoError(t, fetch.Execute(ctx, payload))
	require.Len(t, got, 1)
	assert.Equal(t, model.EventIncomingMsg, got[0].Type)
	assert.Equal(t, "INBOX", got[0].Data3)

	// A second run sees nothing new.
	require.NoError(t, fetch.Execute(ctx, payload))
	assert.Len(t, got, 1)

	appendMessage(t, c, "INBOX", "second")
	require.NoError(t, fetch.Execute(ctx, payload))
	require.Len(t, got, 2)
	assert.Greater(t, got[1].Data1, got[0].Data1)

	last, ok, err := s.GetConfig(ctx, "imap.INBOX.last_uid")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, strconv.FormatInt(got[1].Data1, 10), last)
}

func TestSendExecutorEmitsOutcome(t *testing.T) {
	be := &smtpBackend{password: "secret"}
	var got []model.Event
	x := &Executors{
		SMTP: NewSender(startSMTP(t, be), "secret", WithoutTLS()),
		Emit: func(ev model.Event) { got = append(got, ev) },
	}
	send := x.Map()[model.JobSendMessage]

	payload, err := model.EncodePayload(testMessage())
	require.NoError(t, err)
	require.NoError(t, send.Execute(testCtx(t), payload))
	require.Len(t, got, 1)
	assert.Equal(t, model.EventMsgSent, got[0].Type)
	assert.Equal(t, "Mc.test@example.org", got[0].Data3)

	err = send.Execute(testCtx(t), []byte("{not json"))
	assert.True(t, jobs.IsPermanent(err))
}
