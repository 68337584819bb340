package brokers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/testutils"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroker struct {
	name   string
	err    error
	events []string
}

func (b *recordingBroker) Name() string { return b.name }

func (b *recordingBroker) Publish(_ context.Context, eventType string, _ []byte) error {
	b.events = append(b.events, eventType)
	return b.err
}

func TestRouterTargets(t *testing.T) {
	a := &recordingBroker{name: "a"}
	b := &recordingBroker{name: "b"}
	r, err := NewRouter([]Broker{a, b}, map[string][]string{
		Wildcard:                            {"a"},
		consts.EventMessageForwardRequested: {"a", "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, []Broker{a, b}, r.Targets(consts.EventMessageForwardRequested))
	assert.Equal(t, []Broker{a}, r.Targets(consts.EventMessageUpdated))
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err = NewRouter([]Broker{a}, map[string][]string{Wildcard: {"kafka"}})
	assert.Error(t, err)
}

func TestRouterPublishAttemptsEveryTarget(t *testing.T) {
	failing := &recordingBroker{name: "a", err: Temporary("a", errors.New("down"))}
	ok := &recordingBroker{name: "b"}
	r, err := NewRouter([]Broker{failing, ok}, map[string][]string{Wildcard: {"a", "b"}})
	require.NoError(t, err)

	err = r.Publish(context.Background(), "X", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrPublishFailure)
	assert.False(t, IsPermanentError(err))
	assert.Equal(t, []string{"X"}, ok.events)

	empty, err := NewRouter(nil, nil)
	require.NoError(t, err)
	assert.True(t, IsPermanentError(empty.Publish(context.Background(), "X", nil)))
}

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("SELECT 1"), f.err
}

func TestPGNotifyBroker(t *testing.T) {
	conn := &fakeExecer{}
	b := NewPGNotifyBroker(conn, "")

	require.NoError(t, b.Publish(context.Background(), "E", []byte(`{"a":1}`)))
	assert.Equal(t, "SELECT pg_notify($1, $2)", conn.sql)
	assert.Equal(t, []any{"ruled_events", `{"a":1}`}, conn.args)

	big := []byte(`"` + strings.Repeat("x", 9000) + `"`)
	require.NoError(t, b.Publish(context.Background(), "E", big))
	var notice map[string]any
	require.NoError(t, json.Unmarshal([]byte(conn.args[1].(string)), &notice))
	assert.Equal(t, true, notice["oversized"])
	assert.Len(t, notice["digest"], 64)

	conn.err = errors.New("connection reset")
	err := b.Publish(context.Background(), "E", []byte(`{}`))
	assert.ErrorIs(t, err, consts.ErrPublishFailure)
	assert.False(t, IsPermanentError(err))
}

func TestS3ArchiveBroker(t *testing.T) {
	store, err := testutils.NewFileObjectStore(t.TempDir())
	require.NoError(t, err)
	b := NewS3ArchiveBrokerWithClient(store, "events", "ruled")
	payload := []byte(`{"eventId":"1"}`)

	require.NoError(t, b.Publish(context.Background(), "MessageUpdated", payload))
	require.NoError(t, b.Publish(context.Background(), "MessageUpdated", payload))

	key := b.ObjectKey("MessageUpdated", payload)
	assert.True(t, strings.HasPrefix(key, "ruled/MessageUpdated/"))
	assert.Equal(t, []string{"events/" + key}, store.Keys(), "redelivery overwrites one object")
	data, ok := store.Data("events", key)
	require.True(t, ok)
	assert.Equal(t, payload, data)

	store.SetError("*", errors.New("timeout"))
	err = b.Publish(context.Background(), "MessageUpdated", []byte(`{}`))
	assert.ErrorIs(t, err, consts.ErrPublishFailure)
	assert.False(t, IsPermanentError(err))

	store.SetError("*", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404})
	err = b.Publish(context.Background(), "MessageUpdated", []byte(`{}`))
	assert.True(t, IsPermanentError(err))

	store.ClearError("*")
	require.NoError(t, b.Publish(context.Background(), "MessageUpdated", []byte(`{}`)))
	assert.Equal(t, 5, store.Puts())
	assert.Len(t, store.Keys(), 2)
}

func TestLogBrokerNeverFails(t *testing.T) {
	assert.NoError(t, NewLogBroker().Publish(context.Background(), "E", []byte(`{}`)))
}
