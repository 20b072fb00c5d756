package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"probescan/internal/config"
	"probescan/internal/engine"
	"probescan/internal/fieldset"
	"probescan/internal/output"
	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/probe/modules"
	"probescan/internal/receiver"
	"probescan/internal/sender"
	"probescan/internal/targets"
	"probescan/internal/ui"
	"probescan/internal/utils/netinfo"
	"probescan/internal/validate"
)

// version is set at build time: -ldflags "-X main.version=1.2.0"
var version = "dev"

// cliFlags holds every command-line flag. Scan settings only override the
// config file and environment when they were given explicitly.
type cliFlags struct {
	configFile  string
	listProbes  bool
	listFields  bool
	probeHelp   bool
	showVersion bool

	iface         string
	module        string
	probeArgs     string
	ports         string
	exclude       string
	targetFile    string
	rate          int
	senders       int
	probes        int
	sourcePorts   string
	ttl           int
	validateSport string
	sourceIP      string
	gwMAC         string
	cooldown      time.Duration
	seed          string
	sequential    bool
	replay        string
	dryRun        string

	outFile     string
	outFormat   string
	stdout      bool
	pcap        string
	tui         bool
	natsURL     string
	natsSubject string

	logLevel  string
	logFormat string

	targets []string
	set     map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	f := &cliFlags{set: map[string]bool{}}
	def := config.Default()

	fs := flag.NewFlagSet("probescan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: probescan [flags] [target ...]\n\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&f.configFile, "c", "", "Config file (YAML)")
	fs.BoolVar(&f.listProbes, "list-probes", false, "List probe modules and exit")
	fs.BoolVar(&f.listFields, "list-output-fields", false, "List the output fields of the selected module and exit")
	fs.BoolVar(&f.probeHelp, "probe-help", false, "Describe the selected module and exit")
	fs.BoolVar(&f.showVersion, "version", false, "Print version and exit")

	fs.StringVar(&f.iface, "i", def.Scan.Interface, "Interface (default: the one carrying the default route)")
	fs.StringVar(&f.module, "M", def.Scan.Module, "Probe module")
	fs.StringVar(&f.probeArgs, "probe-args", "", "Module arguments")
	fs.StringVar(&f.ports, "p", def.Scan.Ports, "Target ports")
	fs.StringVar(&f.exclude, "exclude", "", "Exclusion list (comma-separated)")
	fs.StringVar(&f.targetFile, "iL", "", "Target list from file (one per line)")
	fs.IntVar(&f.rate, "rate", def.Scan.Rate, "Packets per second, all senders (0 = unlimited)")
	fs.IntVar(&f.senders, "senders", def.Scan.Senders, "Send workers")
	fs.IntVar(&f.probes, "P", def.Scan.Probes, "Probes per target")
	fs.StringVar(&f.sourcePorts, "sport", def.Scan.SourcePorts, "Source port range")
	fs.IntVar(&f.ttl, "ttl", int(def.Scan.TTL), "IP TTL of probes")
	fs.StringVar(&f.validateSport, "validate-source-port", def.Scan.ValidateSourcePort, "default, enable or disable")
	fs.StringVar(&f.sourceIP, "S", "", "Source IP override")
	fs.StringVar(&f.gwMAC, "gw-mac", "", "Gateway MAC override (aa:bb:cc:dd:ee:ff)")
	fs.DurationVar(&f.cooldown, "cooldown", def.Scan.Cooldown.Duration, "Keep receiving this long after the last probe")
	fs.StringVar(&f.seed, "seed", "", "Validation key, 32 hex digits (random if empty)")
	fs.BoolVar(&f.sequential, "sequential", false, "Scan targets in order (no randomization)")
	fs.StringVar(&f.replay, "replay", "", "Validate replies from a pcap file instead of scanning")
	fs.StringVar(&f.dryRun, "dry-run", "", "Write probes to a pcap file instead of sending them")

	fs.StringVar(&f.outFile, "o", "", "Output file")
	fs.StringVar(&f.outFormat, "O", def.Output.Format, "Output format: json or csv")
	fs.BoolVar(&f.stdout, "stdout", false, "Stream JSON records to stdout")
	fs.StringVar(&f.pcap, "pcap", "", "Dump accepted reply frames to a pcap file")
	fs.BoolVar(&f.tui, "tui", false, "Interactive status view (needs a terminal and records going to a file or NATS)")
	fs.StringVar(&f.natsURL, "nats", "", "Publish records to this NATS server")
	fs.StringVar(&f.natsSubject, "nats-subject", def.Output.NATS.Subject, "NATS subject")

	fs.StringVar(&f.logLevel, "log-level", def.Log.Level, "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", def.Log.Format, "auto, text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	f.targets = fs.Args()
	return f, nil
}

// loadConfig layers defaults, the config file, PROBESCAN_* variables and
// explicit flags, in that order.
func loadConfig(f *cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, f); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f *cliFlags) error {
	s, o, l := &cfg.Scan, &cfg.Output, &cfg.Log
	set := f.set

	s.Targets.Include = append(s.Targets.Include, f.targets...)
	if f.exclude != "" {
		s.Targets.Exclude = append(s.Targets.Exclude, strings.Split(f.exclude, ",")...)
	}
	if set["iL"] {
		s.Targets.File = f.targetFile
	}
	if set["i"] {
		s.Interface = f.iface
	}
	if set["M"] {
		s.Module = f.module
	}
	if set["probe-args"] {
		s.ProbeArgs = f.probeArgs
	}
	if set["p"] {
		s.Ports = f.ports
	}
	if set["rate"] {
		s.Rate = f.rate
	}
	if set["senders"] {
		s.Senders = f.senders
	}
	if set["P"] {
		s.Probes = f.probes
	}
	if set["sport"] {
		s.SourcePorts = f.sourcePorts
	}
	if set["ttl"] {
		if f.ttl < 1 || f.ttl > 255 {
			return fmt.Errorf("-ttl %d out of range 1-255", f.ttl)
		}
		s.TTL = uint8(f.ttl)
	}
	if set["validate-source-port"] {
		s.ValidateSourcePort = f.validateSport
	}
	if set["S"] {
		s.SourceIP = f.sourceIP
	}
	if set["gw-mac"] {
		s.GwMAC = f.gwMAC
	}
	if set["cooldown"] {
		s.Cooldown.Duration = f.cooldown
	}
	if set["seed"] {
		s.Seed = f.seed
	}
	if set["sequential"] {
		s.Sequential = f.sequential
	}
	if set["replay"] {
		s.Replay = f.replay
	}
	if set["dry-run"] {
		s.DryRun = f.dryRun
	}

	if set["o"] {
		o.File = f.outFile
		if f.outFile == "-" {
			o.File, o.Stdout = "", true
		}
	}
	if set["O"] {
		o.Format = f.outFormat
	}
	if set["stdout"] {
		o.Stdout = f.stdout
	}
	if set["pcap"] {
		o.Pcap = f.pcap
	}
	if set["tui"] {
		o.TUI = f.tui
	}
	if set["nats"] {
		o.NATS.URL = f.natsURL
	}
	if set["nats-subject"] {
		o.NATS.Subject = f.natsSubject
	}

	if set["log-level"] {
		l.Level = f.logLevel
	}
	if set["log-format"] {
		l.Format = f.logFormat
	}
	return nil
}

func setupLogging(lc config.LogConfig) error {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	format := lc.Format
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func main() {
	f, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if f.showVersion {
		fmt.Printf("probescan version %s\n", version)
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatal(err)
	}
	if err := setupLogging(cfg.Log); err != nil {
		log.Fatal(err)
	}

	if f.listProbes {
		modules.PrintList(os.Stdout)
		return
	}
	if f.listFields || f.probeHelp {
		m, err := modules.Lookup(cfg.Scan.Module)
		if err != nil {
			log.Fatal(err)
		}
		if f.probeHelp {
			modules.PrintHelp(os.Stdout, m)
		} else {
			modules.PrintFields(os.Stdout, m)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

// scanSettings turns the scan config into module settings.
func scanSettings(s config.ScanConfig) (probe.Settings, error) {
	ports, err := targets.ParsePorts(s.Ports)
	if err != nil {
		return probe.Settings{}, fmt.Errorf("ports: %w", err)
	}
	first, last, err := targets.ParsePortRange(s.SourcePorts)
	if err != nil {
		return probe.Settings{}, fmt.Errorf("source ports: %w", err)
	}
	policy, err := probe.ParseSourcePortValidation(s.ValidateSourcePort)
	if err != nil {
		return probe.Settings{}, err
	}

	var gen *validate.Generator
	if s.Seed != "" {
		key, err := validate.ParseKey(s.Seed)
		if err != nil {
			return probe.Settings{}, fmt.Errorf("seed: %w", err)
		}
		gen, err = validate.NewGenerator(key)
		if err != nil {
			return probe.Settings{}, err
		}
	} else if gen, err = validate.NewRandomGenerator(); err != nil {
		return probe.Settings{}, err
	}

	return probe.Settings{
		SourcePorts:        validate.PortRange{First: first, Last: last},
		TargetPorts:        ports,
		PacketStreams:      s.Probes,
		TTL:                s.TTL,
		ValidateSourcePort: policy,
		ProbeArgs:          s.ProbeArgs,
		Cookies:            gen,
	}, nil
}

// buildSink opens every configured record writer. Stdout is the fallback
// when nothing else is set.
func buildSink(o config.OutputConfig, schema []fieldset.Def) (*output.OutputSink, error) {
	sink := output.NewOutputSink()
	if o.File != "" {
		w, err := output.NewFileWriter(o.File, o.Format, schema)
		if err != nil {
			return nil, fmt.Errorf("output file: %w", err)
		}
		sink.Add(w)
	}
	if o.NATS.URL != "" {
		w, err := output.NewNATSWriter(o.NATS.URL, o.NATS.Subject)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		sink.Add(w)
	}
	if o.Stdout || sink.Len() == 0 {
		sink.Add(output.NewStdoutWriter(o.BatchSize))
	}
	return sink, nil
}

// buildTargets merges inline and file targets into a shuffled iterator.
func buildTargets(t config.TargetsConfig, ports []uint16, sequential bool, seed []byte) (*targets.Iterator, error) {
	include := append([]string(nil), t.Include...)
	if t.File != "" {
		f, err := os.Open(t.File)
		if err != nil {
			return nil, err
		}
		specs, err := targets.ReadSpecs(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.File, err)
		}
		include = append(include, specs...)
	}
	return targets.NewIterator(include, t.Exclude, ports, targets.Options{
		Sequential: sequential,
		Seed:       seed,
	})
}

// captureFilter restricts capture to replies addressed to src.
func captureFilter(moduleFilter string, src net.IP) string {
	if moduleFilter == "" {
		return fmt.Sprintf("dst host %s", src)
	}
	return fmt.Sprintf("(%s) and dst host %s", moduleFilter, src)
}

func networkOverrides(s config.ScanConfig) (netinfo.Overrides, error) {
	var ov netinfo.Overrides
	if s.SourceIP != "" {
		if ov.SrcIP = net.ParseIP(s.SourceIP).To4(); ov.SrcIP == nil {
			return ov, fmt.Errorf("source IP %q is not IPv4", s.SourceIP)
		}
	}
	if s.GwMAC != "" {
		mac, err := net.ParseMAC(s.GwMAC)
		if err != nil {
			return ov, fmt.Errorf("gateway MAC: %w", err)
		}
		ov.GatewayMAC = mac
	}
	return ov, nil
}

// setupScan fills in the send side of ecfg, and the capture side for live
// scans. The returned func releases what it opened.
func setupScan(ecfg *engine.Config, s config.ScanConfig, desc *probe.Descriptor, snaplen int, seed []byte) (func(), error) {
	it, err := buildTargets(s.Targets, ecfg.Global.TargetPorts, s.Sequential, seed)
	if err != nil {
		return nil, err
	}
	ecfg.Targets = it
	log.WithFields(log.Fields{
		"addresses": it.Addresses(),
		"targets":   it.Total(),
		"senders":   s.Senders,
		"rate":      s.Rate,
	}).Info("Targets loaded")

	ov, err := networkOverrides(s)
	if err != nil {
		return nil, err
	}
	nd, err := netinfo.GetDetails(s.Interface, ov)
	if s.DryRun != "" {
		if err != nil {
			if ov.SrcIP == nil {
				return nil, fmt.Errorf("dry run without network details needs a source IP: %w", err)
			}
			log.WithError(err).Warn("Network discovery failed, writing probes with zero MACs")
			nd = &netinfo.NetworkDetails{SrcIP: ov.SrcIP, GatewayMAC: ov.GatewayMAC}
		}
		fw, err := sender.NewFileWriter(s.DryRun)
		if err != nil {
			return nil, fmt.Errorf("dry run: %w", err)
		}
		ecfg.SrcIP = packet.IPToUint32(nd.SrcIP)
		ecfg.SrcMAC, ecfg.GwMAC = nd.SrcMAC, nd.GatewayMAC
		ecfg.NewWriter = func(int) (sender.PacketWriter, error) { return sender.NoClose(fw), nil }
		log.WithFields(log.Fields{"file": s.DryRun, "source": nd.SrcIP}).Info("Dry run, probes are written to pcap")
		return fw.Close, nil
	}
	if err != nil {
		return nil, err
	}

	name := nd.Interface.Name
	tunnel := len(nd.SrcMAC) == 0
	var l *receiver.Listener
	if tunnel {
		l, err = receiver.NewTunnelListener(name, snaplen)
	} else {
		l, err = receiver.NewListener(name, snaplen)
	}
	if err != nil {
		return nil, fmt.Errorf("capture on %s: %w", name, err)
	}
	filter := captureFilter(desc.PcapFilter, nd.SrcIP)
	if err := l.SetBPF(filter, snaplen); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set BPF filter: %w", err)
	}

	ecfg.Listener = l
	ecfg.SrcIP = packet.IPToUint32(nd.SrcIP)
	ecfg.SrcMAC, ecfg.GwMAC = nd.SrcMAC, nd.GatewayMAC
	ecfg.NewWriter = func(int) (sender.PacketWriter, error) { return sender.Open(name, tunnel) }

	fields := log.Fields{"interface": name, "source": nd.SrcIP, "filter": filter}
	if tunnel {
		fields["mode"] = "tunnel"
	} else {
		fields["gateway"] = nd.GatewayMAC.String()
	}
	log.WithFields(fields).Info("Network configured")

	if !checkUnreachSuppression() {
		log.Warn("Outgoing ICMP port unreachable is not dropped, the kernel will answer replies sent to the scan's source ports")
		log.Warnf("  run: %s", unreachSuppressionHint())
	}
	return l.Close, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	s := cfg.Scan
	m, err := modules.Lookup(s.Module)
	if err != nil {
		return err
	}
	desc := m.Descriptor()

	settings, err := scanSettings(s)
	if err != nil {
		return err
	}
	if desc.PortArgs > 0 && len(settings.TargetPorts) == 0 {
		return fmt.Errorf("module %s needs a target port", desc.Name)
	}
	g, err := m.GlobalInitialize(settings)
	if err != nil {
		return fmt.Errorf("%s: %w", desc.Name, err)
	}
	log.WithFields(log.Fields{
		"module": desc.Name,
		"ports":  s.Ports,
		"probes": g.PacketStreams,
	}).Info("Probe module initialized")

	snaplen := desc.PcapSnaplen
	if snaplen <= 0 {
		snaplen = packet.MaxFrameLen
	}

	ecfg := engine.Config{
		Module:         m,
		Global:         g,
		Senders:        s.Senders,
		Rate:           s.Rate,
		TTL:            s.TTL,
		Cooldown:       s.Cooldown.Duration,
		StatusInterval: cfg.Log.Status.Duration,
	}

	if s.Replay != "" {
		l, err := receiver.NewReplayListener(s.Replay)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.SetBPF(desc.PcapFilter, snaplen); err != nil {
			return fmt.Errorf("replay filter: %w", err)
		}
		ecfg.Listener = l
		log.WithField("file", s.Replay).Info("Replaying capture")
	} else {
		cleanup, err := setupScan(&ecfg, s, desc, snaplen, []byte(settings.Cookies.Key()))
		if err != nil {
			return err
		}
		defer cleanup()
	}

	var sink *output.OutputSink
	if ecfg.Listener != nil {
		sink, err = buildSink(cfg.Output, engine.Schema(m))
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.WithError(err).Warn("Closing output failed")
			}
		}()
		ecfg.Sink = sink

		if cfg.Output.Pcap != "" {
			d, err := receiver.NewDumper(cfg.Output.Pcap, snaplen, ecfg.Listener.LinkType)
			if err != nil {
				return fmt.Errorf("pcap dump: %w", err)
			}
			defer d.Close()
			ecfg.Dumper = d
		}
	}

	var (
		e    *engine.Engine
		view *statusView
	)
	if sink != nil && viewEnabled(cfg.Output) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()

		var total uint64
		if ecfg.Targets != nil {
			total = ecfg.Targets.Total()
		}
		start := time.Now()
		stats := func() ui.ScanStats {
			if e == nil {
				return ui.ScanStats{}
			}
			return viewStats(e, total, start)
		}
		label := s.Interface
		switch {
		case s.Replay != "":
			label = "replay"
		case label == "":
			label = "default route"
		}
		view = newStatusView(s, desc.Name, label, stats, cancel)
		sink.Add(ui.NewHitWriter(view.p))
		ecfg.StatusInterval = 0
	}

	e, err = engine.New(ecfg)
	if err != nil {
		return err
	}
	if view != nil {
		view.start()
	}
	st, err := e.Run(ctx)
	if view != nil {
		view.stop()
	}
	fields := st.Fields()
	if st.Targets > 0 {
		fields["hit_rate"] = fmt.Sprintf("%.4f", st.HitRate())
	}
	log.WithFields(fields).Info("Scan finished")
	return err
}
