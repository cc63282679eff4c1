package etcdstore

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.gazette.dev/topiclog/etcdtest"
	"go.gazette.dev/topiclog/store"
	"go.gazette.dev/topiclog/store/storetest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEtcdConformance(t *testing.T) {
	var etcd = etcdtest.TestClient(t)
	defer etcdtest.Cleanup()

	storetest.Run(t, New(etcd), "/etcdstore.test")
}

func TestEtcdStoreIsAnAppender(t *testing.T) {
	var s store.Store = New(nil)
	var _, ok = s.(store.Appender)
	require.True(t, ok)
}

func TestEtcdValueDecoding(t *testing.T) {
	var etcd = etcdtest.TestClient(t)
	defer etcdtest.Cleanup()

	var _, err = etcd.Put(context.Background(), "/etcdstore.test/bad", "not-a-number")
	require.NoError(t, err)

	_, err = New(etcd).Get(context.Background(), "/etcdstore.test/bad")
	require.EqualError(t, err, `decoding value "not-a-number": strconv.ParseInt: parsing "not-a-number": invalid syntax`)
}

func TestErrorMapping(t *testing.T) {
	for _, err := range []error{
		context.DeadlineExceeded,
		rpctypes.ErrNoLeader,
		rpctypes.ErrTimeout,
		status.Error(codes.Unavailable, "connection refused"),
	} {
		require.True(t, store.IsTransient(mapErr(err)), "err: %v", err)
	}
	var other = errors.New("other")
	require.Equal(t, other, mapErr(other))
	require.NoError(t, mapErr(nil))
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
