package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/shaban/claphost"
	"github.com/shaban/claphost/internal/midiin"
)

// defaultStrip is the strip created for --plugin.
const defaultStrip = "main"

type runOptions struct {
	session     string
	plugin      string
	index       int
	seconds     float64
	offline     bool
	out         string
	save        string
	bridge      bool
	metricsAddr string
	midiDevice  int
	midiStrip   string
	midiChannel int
}

func newRunCommand(g *globals) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a graph and render it",
		Long: `Run builds a processing graph from a session file or a single plugin and
renders it until interrupted or for --seconds.

Example:
  claphost run --plugin /usr/lib/clap/Surge.clap --index 0 --midi-device 1
  claphost run --session live.json --offline --seconds 30 --out mix.f32`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, g, opts)
		},
	}
	opts.bind(cmd.Flags())
	cmd.MarkFlagsMutuallyExclusive("session", "plugin")
	cmd.MarkFlagsOneRequired("session", "plugin")
	return cmd
}

func (o *runOptions) bind(f *pflag.FlagSet) {
	f.StringVar(&o.session, "session", "", "Session file to load")
	f.StringVar(&o.plugin, "plugin", "", "Plugin binary to host on a single strip")
	f.IntVar(&o.index, "index", 0, "Plugin index within the binary")
	f.Float64Var(&o.seconds, "seconds", 0, "Stop after this many seconds (0 runs until interrupted)")
	f.BoolVar(&o.offline, "offline", false, "Render as fast as possible instead of in realtime")
	f.StringVar(&o.out, "out", "", "Write interleaved float32 PCM to this file")
	f.StringVar(&o.save, "save", "", "Save the session to this file on exit")
	f.BoolVar(&o.bridge, "bridge", false, "Host plugins in a child process")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.IntVar(&o.midiDevice, "midi-device", -1, "Forward this MIDI input device (see 'claphost devices')")
	f.StringVar(&o.midiStrip, "midi-strip", defaultStrip, "Strip receiving MIDI input")
	f.IntVar(&o.midiChannel, "midi-channel", -1, "Only forward this MIDI channel (0-15)")
}

func runRun(cmd *cobra.Command, g *globals, opts *runOptions) error {
	if opts.offline && opts.seconds <= 0 {
		return errors.New("--offline needs --seconds")
	}
	cfg := g.cfg
	if cmd.Flags().Changed("bridge") {
		cfg.Bridge.Enabled = opts.bridge
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	engine, err := claphost.NewEngine(claphost.EngineConfig{Config: cfg, Log: g.log, Opener: g.opener()})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			g.log.Error(cerr, "engine close")
		}
	}()

	if err := buildGraph(engine, opts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pcm *pcmWriter
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer f.Close()
		pcm = newPCMWriter(f, engine.Config().BlockSize, opts.offline)
		engine.Driver().SetSink(pcm.sink)
	}

	grp, ctx := errgroup.WithContext(ctx)
	if opts.metricsAddr != "" {
		serveMetrics(ctx, grp, g, engine, opts.metricsAddr)
	}
	if opts.midiDevice >= 0 {
		src, err := midiin.Open(opts.midiDevice, midiin.DefaultBuffer)
		if err != nil {
			return err
		}
		in := midiin.NewInput(src, engine, midiin.Options{Strip: opts.midiStrip, Channel: opts.midiChannel, Log: g.log})
		grp.Go(func() error { return in.Run(ctx) })
		mon := midiin.NewMonitor(midiin.MonitorOptions{
			Log: g.log,
			OnRemoved: func(d midiin.Device) {
				if d.ID == opts.midiDevice {
					g.log.Info("MIDI input disconnected", "name", d.Name, "forwarded", in.Forwarded())
				}
			},
		})
		grp.Go(func() error { return mon.Run(ctx) })
	}

	start := time.Now()
	err = render(ctx, engine, opts)
	stop()
	err = multierr.Append(err, grp.Wait())
	if pcm != nil {
		err = multierr.Append(err, pcm.Close())
		g.log.Info("pcm written", "file", opts.out, "frames", pcm.written.Load(), "dropped", pcm.dropped.Load())
	}
	d := engine.Driver()
	g.log.Info("render finished", "elapsed", time.Since(start).String(), "blocks", d.Blocks(), "late", d.Late(), "invalid", d.Invalid())

	if opts.save != "" {
		err = multierr.Append(err, saveSession(engine, opts.save))
	}
	return err
}

func buildGraph(engine *claphost.Engine, opts *runOptions) error {
	if opts.session != "" {
		f, err := os.Open(opts.session)
		if err != nil {
			return err
		}
		defer f.Close()
		return engine.Serializer().LoadFromReader(f)
	}
	if _, err := engine.AddStrip("", defaultStrip); err != nil {
		return err
	}
	_, err := engine.AddPlugin(defaultStrip, opts.plugin, opts.index)
	return err
}

func render(ctx context.Context, engine *claphost.Engine, opts *runOptions) error {
	if opts.offline {
		cfg := engine.Config()
		blocks := int(math.Ceil(opts.seconds * cfg.SampleRate / float64(cfg.BlockSize)))
		return engine.Render(ctx, blocks)
	}
	if opts.seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.seconds*float64(time.Second)))
		defer cancel()
	}
	if err := engine.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return engine.Stop()
}

func serveMetrics(ctx context.Context, grp *errgroup.Group, g *globals, engine *claphost.Engine, addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(engine.Collector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	grp.Go(func() error {
		g.log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
}

func saveSession(engine *claphost.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return multierr.Append(engine.Serializer().SaveToWriter(f), f.Close())
}
