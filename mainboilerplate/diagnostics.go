package mainboilerplate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/task"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Listen string `long:"listen" env:"LISTEN" default:"" description:"Address on which to serve /debug/metrics, /debug/ready and /debug/pprof (eg, ':8080'). Disabled if empty"`
}

// InitDiagnosticsAndRecover registers metrics and debugging handlers on the
// default HTTP mux. It returns a closure which should be deferred, which
// logs and re-raises a panic after making a best-effort attempt to write a
// K8s termination message.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	// Package "net/http/pprof" serves /debug/pprof/.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.Handle("/debug/metrics", promhttp.Handler())

	return func() {
		if r := recover(); r != nil {
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// QueueTasks queues serving of the default HTTP mux, if configured to
// listen, with the Group. The server is shut down when the Group is cancelled.
func (cfg DiagnosticsConfig) QueueTasks(tasks *task.Group) error {
	if cfg.Listen == "" {
		return nil
	}
	var ln, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithMessagef(err, "listening on %s", cfg.Listen)
	}
	var srv = &http.Server{ReadHeaderTimeout: 10 * time.Second}

	tasks.Queue("diagnostics.Serve", func() error {
		log.WithField("addr", ln.Addr().String()).Info("serving diagnostics")

		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	tasks.Queue("diagnostics.Shutdown", func() error {
		<-tasks.Context().Done()

		var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

// k8sTerminationLog is the location to write a termination message for
// Kubernetes to retrieve.
//
// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
const k8sTerminationLog = "/dev/termination-log"
