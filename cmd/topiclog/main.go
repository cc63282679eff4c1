package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/topiclog/mainboilerplate"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/service"
	"go.gazette.dev/topiclog/task"
	"go.gazette.dev/topiclog/topiclog"
)

const iniFilename = "topiclog.ini"

// Config is the top-level configuration object of a topiclog replica.
var Config = new(struct {
	Service struct {
		RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"5s" description:"Timeout of each request. Zero is unbounded"`
	} `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Store       mbp.StoreConfig       `group:"Store" namespace:"store" env-namespace:"STORE"`
	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Topics      mbp.TopicsConfig      `group:"Topics" namespace:"topics" env-namespace:"TOPICS"`
	Retry       mbp.RetryConfig       `group:"Retry" namespace:"retry" env-namespace:"RETRY"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveTopicLog struct{}

func (serveTopicLog) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	var logged = *Config
	logged.Store = Config.Store.Redacted()
	log.WithField("config", logged).Info("starting topiclog replica")
	prometheus.MustRegister(metrics.TopicLogCollectors()...)

	var cfg, err = Config.Topics.BuildConfig(Config.Retry)
	mbp.Must(err, "invalid topics configuration")

	var node = maelstrom.NewNode()
	var st, release = Config.Store.MustOpen(node, &Config.Etcd)
	defer release()

	service.New(node, topiclog.New(st, cfg), Config.Service.RequestTimeout).Register()

	var tasks = task.NewGroup(context.Background())
	mbp.Must(Config.Diagnostics.QueueTasks(tasks), "starting diagnostics")

	tasks.Queue("node.Run", func() error {
		var done = make(chan error, 1)
		go func() { done <- node.Run() }()

		select {
		case err := <-done:
			// Run returns upon EOF of stdin.
			tasks.Cancel()
			return err
		case <-tasks.Context().Done():
			return nil
		}
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "topiclog task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as a topiclog replica", `
Serve a topiclog replica with the provided configuration. Maelstrom protocol
messages are read from stdin and written to stdout, until stdin is closed or
the replica is signaled to exit (via SIGTERM or SIGINT). Replicas share all
topic state through the configured store, and any number may run concurrently.
`, &serveTopicLog{})

	mbp.AddPrintConfigCmd(parser, iniFilename)

	// Maelstrom runs its binaries without arguments.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}
	mbp.MustParseConfig(parser, iniFilename)
}
