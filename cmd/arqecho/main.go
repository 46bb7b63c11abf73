// Command arqecho is a bounded chat-style echo client/server exercising
// package transport end to end. It is a living usage example and an
// integration smoke test, not part of the protocol core.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ARwMq9b6/rudp/transport"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)

		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
}

func _main() error {
	var configFile string
	var server bool
	var message string
	flag.StringVar(&configFile, "c", "./arqecho.toml", "path of config file")
	flag.BoolVar(&server, "server", false, "run as the echo server instead of the client")
	flag.StringVar(&message, "send", "hello over rudp", "message the client sends once connected")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	if server {
		return runServer(conf)
	}
	return runClient(conf, message)
}

func runServer(conf *configRepr) error {
	l, err := transport.Listen("udp", conf.Listen.Addr)
	if err != nil {
		return err
	}
	defer l.Close()
	glog.Infof("arqecho: listening on %s", l.Addr())

	collector := serveMetrics(conf)

	for {
		sess, err := l.Accept()
		if err != nil {
			return errors.WithStack(err)
		}
		configureEngine(sess, conf)
		if collector != nil {
			collector.Add(sess.ID(), sess)
		}
		go serveEcho(sess, collector)
	}
}

// serveMetrics registers a transport.Collector with the default
// prometheus registry and starts serving it on conf.Metrics.Addr, the
// same prometheus.MustRegister + promhttp.Handler wiring the sockstats
// pack example's exporter_example2/main.go uses for its own
// TCPInfoCollector. Returns nil if no metrics address is configured.
func serveMetrics(conf *configRepr) *transport.Collector {
	if conf.Metrics.Addr == "" {
		return nil
	}
	collector := transport.NewCollector()
	prometheus.MustRegister(collector)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(conf.Metrics.Addr, mux); err != nil {
			glog.Errorf("arqecho: metrics server on %s stopped: %v", conf.Metrics.Addr, err)
		}
	}()
	glog.Infof("arqecho: serving metrics on %s/metrics", conf.Metrics.Addr)
	return collector
}

func serveEcho(sess *transport.Session, collector *transport.Collector) {
	glog.Infof("arqecho: accepted conv=%d from %s", sess.Conv(), sess.RemoteAddr())
	defer func() {
		if collector != nil {
			collector.Remove(sess.ID())
		}
	}()
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			glog.Infof("arqecho: session %s closed: %v", sess.ID(), err)
			return
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			glog.Errorf("arqecho: echo write failed: %v", err)
			return
		}
	}
}

func runClient(conf *configRepr, message string) error {
	sess, err := transport.Dial("udp", conf.Dial.Addr, conf.Dial.Conv)
	if err != nil {
		return err
	}
	defer sess.Close()
	configureEngine(sess, conf)

	sess.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := sess.Write([]byte(message)); err != nil {
		return errors.WithStack(err)
	}

	buf := make([]byte, 64*1024)
	n, err := sess.Read(buf)
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Printf("echo: %s\n", buf[:n])
	return nil
}

func configureEngine(sess *transport.Session, conf *configRepr) {
	e := sess.Engine()
	if conf.Engine.Mtu > 0 {
		if err := e.SetMtu(conf.Engine.Mtu); err != nil {
			glog.Errorf("arqecho: invalid mtu in config: %v", err)
		}
	}
	e.WndSize(conf.Engine.SndWnd, conf.Engine.RcvWnd)
	e.SetNodelay(conf.Engine.Nodelay, conf.Engine.Interval, conf.Engine.Resend, btoi(conf.Engine.Nocwnd))
	e.SetStreamMode(conf.Engine.Stream)
	if conf.Engine.DeadLink > 0 {
		e.SetDeadLink(conf.Engine.DeadLink)
	}
	if conf.Engine.FastLimit != 0 {
		e.SetFastLimit(conf.Engine.FastLimit)
	}
	sess.OnDead(func(s *transport.Session) {
		glog.Errorf("arqecho: session %s (conv=%d, peer=%s) went dead", s.ID(), s.Conv(), s.RemoteAddr())
		s.Close()
	})
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
