package mainboilerplate

import (
	"context"
	"net/url"
	"regexp"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/store"
	"go.gazette.dev/topiclog/store/boltstore"
	"go.gazette.dev/topiclog/store/etcdstore"
	"go.gazette.dev/topiclog/store/linkv"
	"go.gazette.dev/topiclog/store/sqlstore"
	"go.gazette.dev/topiclog/topiclog"
)

// StoreConfig selects and configures the shared store of topic state.
type StoreConfig struct {
	Backend  string `long:"backend" env:"BACKEND" default:"lin-kv" choice:"lin-kv" choice:"etcd" choice:"bolt" choice:"postgres" choice:"sqlite3" choice:"memory" description:"Store backend shared by all replicas"`
	BoltPath string `long:"bolt-path" env:"BOLT_PATH" default:"topiclog.db" description:"Path of the bolt database file (bolt backend)"`
	SQLDSN   string `long:"sql-dsn" env:"SQL_DSN" default:"" description:"Data source name of the database (postgres & sqlite3 backends)"`
}

// Redacted returns a copy of the StoreConfig which is safe to log,
// having any password of its SQLDSN masked.
func (c StoreConfig) Redacted() StoreConfig {
	c.SQLDSN = redactDSN(c.SQLDSN)
	return c
}

// dsnPasswordRe matches the password of a key/value DSN, or of URL query
// parameters. Quoted values may contain whitespace.
var dsnPasswordRe = regexp.MustCompile(`(password\s*=\s*)('(?:[^'\\]|\\.)*'|[^\s&]+)`)

func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		dsn = u.Redacted()
	}
	return dsnPasswordRe.ReplaceAllString(dsn, "${1}xxxxx")
}

// MustOpen opens the configured store. Maelstrom |node| is used by the
// lin-kv backend, and |etcd| by the etcd backend. The returned closure
// releases the store.
func (c *StoreConfig) MustOpen(node *maelstrom.Node, etcd *EtcdConfig) (store.Store, func()) {
	var fields = log.Fields{"backend": c.Backend}

	switch c.Backend {
	case "lin-kv":
		return linkv.New(node), func() {}

	case "etcd":
		var client = etcd.MustDial()
		fields["address"] = etcd.Address
		log.WithFields(fields).Info("using Etcd store")
		return etcdstore.New(client), func() { _ = client.Close() }

	case "bolt":
		var s, err = boltstore.Open(c.BoltPath)
		Must(err, "failed to open bolt store", "path", c.BoltPath)
		return s, func() { _ = s.Close() }

	case sqlstore.Postgres, sqlstore.SQLite:
		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var s, err = sqlstore.Open(ctx, c.Backend, c.SQLDSN)
		Must(err, "failed to open SQL store", "driver", c.Backend)
		return s, func() { _ = s.Close() }

	case "memory":
		log.WithFields(fields).Warn("using an in-memory store: state is not shared with other processes")
		return store.NewMemory(), func() {}
	}
	log.WithFields(fields).Fatal("unknown store backend")
	return nil, nil
}

// TopicsConfig configures topic handling of the topiclog.Log.
type TopicsConfig struct {
	Root            string `long:"root" env:"ROOT" default:"/topiclog" description:"Root prefix of store keys"`
	Holes           string `long:"holes" env:"HOLES" default:"truncate" choice:"truncate" choice:"skip" choice:"fail" description:"Handling of allocated offsets without entries, encountered by polls"`
	NonAtomicAppend bool   `long:"non-atomic-append" env:"NON_ATOMIC_APPEND" description:"Allocate offsets and write entries as separate store operations, even if the backend supports atomic appends"`
	PollLimit       int    `long:"poll-limit" env:"POLL_LIMIT" default:"0" description:"Maximum entries returned per topic by a poll. Zero is unlimited"`
	HintCacheSize   int    `long:"hint-cache-size" env:"HINT_CACHE_SIZE" default:"1024" description:"Number of topics for which advisory offset counters are cached. Zero disables"`
}

// RetryConfig configures the retry budgets of store operations.
type RetryConfig struct {
	MaxConflicts       int           `long:"max-conflicts" env:"MAX_CONFLICTS" default:"100" description:"Compare-and-swap conflicts tolerated before an operation fails as contended"`
	ImmediateConflicts int           `long:"immediate-conflicts" env:"IMMEDIATE_CONFLICTS" default:"3" description:"Conflicts retried without a backoff"`
	MaxTransient       int           `long:"max-transient" env:"MAX_TRANSIENT" default:"5" description:"Transient store failures tolerated before an operation fails"`
	BaseBackoff        time.Duration `long:"base-backoff" env:"BASE_BACKOFF" default:"5ms" description:"Initial retry backoff, which doubles with each attempt"`
	MaxBackoff         time.Duration `long:"max-backoff" env:"MAX_BACKOFF" default:"1s" description:"Maximum retry backoff"`
}

// BuildConfig returns the topiclog.Config of the TopicsConfig and RetryConfig.
func (c TopicsConfig) BuildConfig(retry RetryConfig) (topiclog.Config, error) {
	var holes, err = topiclog.ParseHolePolicy(c.Holes)
	if err != nil {
		return topiclog.Config{}, err
	}
	return topiclog.Config{
		Root: c.Root,
		Retry: topiclog.RetryPolicy{
			MaxConflicts:       retry.MaxConflicts,
			ImmediateConflicts: retry.ImmediateConflicts,
			MaxTransient:       retry.MaxTransient,
			BaseBackoff:        retry.BaseBackoff,
			MaxBackoff:         retry.MaxBackoff,
		},
		Holes:         holes,
		AtomicAppend:  !c.NonAtomicAppend,
		PollLimit:     c.PollLimit,
		HintCacheSize: c.HintCacheSize,
	}, nil
}
