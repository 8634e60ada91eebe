package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pg9182/mplink/pkg/mpkcp"
	"github.com/pg9182/mplink/pkg/mplink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mplinkd: error: %v\n", err)
		os.Exit(1)
	}
}

// configureLogging builds a console zerolog.Logger at the configured level,
// following the output selection (but not the log-file-reopen machinery,
// which mplinkd has no use for) of pkg/atlas/server.go's configureLogging.
func configureLogging(c *Config) zerolog.Logger {
	cw := zerolog.NewConsoleWriter()
	cw.Out = os.Stderr
	return zerolog.New(cw).Level(c.LogLevel).With().Timestamp().Logger()
}

func run() error {
	var (
		envFile  string
		showHelp bool
	)

	fs := pflag.NewFlagSet("mplinkd", pflag.ContinueOnError)
	fs.StringVar(&envFile, "env-file", "", "additional environment file to load")
	fs.BoolVarP(&showHelp, "help", "h", false, "show this help")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showHelp {
		fs.PrintDefaults()
		return nil
	}

	env := os.Environ()
	if envFile != "" {
		f, err := os.Open(envFile)
		if err != nil {
			return fmt.Errorf("open env file: %w", err)
		}
		defer f.Close()

		vars, err := envparse.Parse(f)
		if err != nil {
			return fmt.Errorf("parse env file: %w", err)
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}

	var c Config
	if err := c.UnmarshalEnv(env); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := configureLogging(&c)

	addrs, err := c.addrPorts()
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch c.Mode {
	case "server":
		return runServer(ctx, log, &c, addrs)
	case "client":
		return runClient(ctx, log, &c, addrs)
	default:
		return fmt.Errorf("unknown mode %q (want server or client)", c.Mode)
	}
}

func serveMetrics(log zerolog.Logger, addr string, snap mpkcp.Snapshotter) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	if snap != nil {
		mux.Handle("/debug/slaves", mpkcp.DebugMonitorHandler(snap, time.Second))
	}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}

// slaveTable adapts ServerLink.Snapshot to mpkcp.Snapshotter for the debug
// monitor endpoint.
type slaveTable struct {
	server *mplink.ServerLink
}

func (t *slaveTable) Snapshot() []mpkcp.SlaveSnapshot {
	infos := t.server.Snapshot()
	out := make([]mpkcp.SlaveSnapshot, len(infos))
	for i, si := range infos {
		out[i] = mpkcp.SlaveSnapshot{
			Token:     si.Token.ShortString(),
			ConnID:    uint32(si.ConnID),
			Paths:     si.Paths,
			Connected: si.ConnectedTime,
		}
	}
	return out
}

func runServer(ctx context.Context, log zerolog.Logger, c *Config, addrs []netip.AddrPort) error {
	server := mplink.NewServerLink(log.With().Str("component", "server").Logger())

	var mode mplink.BindMode
	if c.ReuseAddr {
		mode |= mplink.ReuseAddressHint
	}
	if err := server.Bind(addrs, mode); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer server.Close()
	server.Run()

	log.Info().Interface("addrs", server.LocalAddrs()).Msg("server listening")

	aq := mpkcp.NewAcceptQueue(log.With().Str("component", "accept").Logger(), server)
	if c.MetricsAddr != "" {
		go serveMetrics(log, c.MetricsAddr, &slaveTable{server: server})
	}

	g := make(chan error, 1)
	go func() { g <- aq.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-g:
			return err
		case a := <-acceptOne(ctx, aq):
			if a == nil {
				continue
			}
			go serveSlave(log, server, aq, a)
		}
	}
}

func acceptOne(ctx context.Context, aq *mpkcp.AcceptQueue) <-chan *mpkcp.Accepted {
	ch := make(chan *mpkcp.Accepted, 1)
	go func() {
		a, err := aq.Accept(ctx)
		if err == nil {
			ch <- a
		} else {
			ch <- nil
		}
	}()
	return ch
}

func serveSlave(log zerolog.Logger, server *mplink.ServerLink, aq *mpkcp.AcceptQueue, a *mpkcp.Accepted) {
	sess, err := mpkcp.NewSession(server, a, nil, 0, 0)
	if err != nil {
		log.Error().Err(err).Str("token", a.Token.ShortString()).Msg("session setup failed")
		aq.Forget(a.Token)
		return
	}
	defer sess.Close()
	defer aq.Forget(a.Token)
	defer server.CloseSlave(a.Token)

	buf := make([]byte, 64*1024)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			log.Debug().Err(err).Str("token", a.Token.ShortString()).Msg("slave session ended")
			return
		}
		log.Debug().Str("token", a.Token.ShortString()).Int("n", n).Msg("received")
		if _, err := sess.Write(buf[:n]); err != nil {
			log.Debug().Err(err).Msg("echo write failed")
			return
		}
	}
}

func runClient(ctx context.Context, log zerolog.Logger, c *Config, addrs []netip.AddrPort) error {
	client, err := mplink.NewClientLink(log.With().Str("component", "client").Logger())
	if err != nil {
		return fmt.Errorf("new client link: %w", err)
	}
	defer client.Close()

	if c.MetricsAddr != "" {
		go serveMetrics(log, c.MetricsAddr, nil)
	}

	if err := client.Connect(addrs, mplink.ProtocolAny); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	client.Run()

	conn := mpkcp.NewClientPacketConn(client)
	sess, err := mpkcp.Dial(conn, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer sess.Close()

	t := time.NewTicker(time.Second)
	defer t.Stop()

	buf := make([]byte, 64*1024)
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			msg := fmt.Sprintf("ping %d", i)
			if _, err := sess.Write([]byte(msg)); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			sess.SetReadDeadline(time.Now().Add(c.DialTimeout))
			n, err := sess.Read(buf)
			if err != nil {
				log.Warn().Err(err).Msg("read failed")
				continue
			}
			log.Info().Str("reply", string(buf[:n])).Msg("got reply")
		}
	}
}
