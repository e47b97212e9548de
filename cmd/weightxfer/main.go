package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/weightxfer"
	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/client"
	"github.com/opd-ai/weightxfer/config"
	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

// commonFlags are shared by every subcommand that builds a configuration.
type commonFlags struct {
	configPath string
	nodeID     string
	role       string
	server     string
	host       string
	port       int
	dir        string
	digest     string
	chunkSize  int
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logLevel   string
	logFormat  string
	logFile    string
	quiet      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.nodeID, "node-id", "", "Node identifier sent as the transfer sender")
	fs.StringVar(&c.role, "role", "", "Node role (node, aggregator)")
	fs.StringVar(&c.server, "server", "", "Receiver address host:port")
	fs.StringVar(&c.host, "host", "", "Receiver bind host")
	fs.IntVar(&c.port, "port", -1, "Receiver bind port")
	fs.StringVar(&c.dir, "dir", "", "Receiver base directory")
	fs.StringVar(&c.digest, "digest", "", "Digest algorithm ("+algorithmNames()+")")
	fs.IntVar(&c.chunkSize, "chunk-size", 0, "Chunk size in bytes")
	fs.DurationVar(&c.timeout, "timeout", 0, "Connect and I/O timeout")
	fs.IntVar(&c.retries, "retries", 0, "Maximum send attempts")
	fs.DurationVar(&c.retryDelay, "retry-delay", -1, "Delay between attempts")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&c.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.BoolVar(&c.quiet, "quiet", false, "Disable the progress bar")
}

func algorithmNames() string {
	algs := digest.Algorithms()
	names := make([]string, len(algs))
	for i, alg := range algs {
		names[i] = string(alg)
	}
	return strings.Join(names, ", ")
}

// load reads the configuration file, if any, and overlays the flags.
func (c *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewConfig()
		cfg.ApplyRole(config.RoleNode)
	}

	if c.role != "" && config.Role(c.role) != cfg.Role {
		cfg.ApplyRole(config.Role(c.role))
	}
	if c.nodeID != "" {
		cfg.NodeID = c.nodeID
	}
	if c.server != "" {
		cfg.Client.ServerAddress = c.server
	}
	if c.host != "" {
		cfg.Receiver.Host = c.host
	}
	if c.port >= 0 {
		cfg.Receiver.Port = c.port
	}
	if c.dir != "" {
		cfg.Receiver.Dir = c.dir
	}
	if c.digest != "" {
		cfg.FileTransfer.Digest = c.digest
	}
	if c.chunkSize > 0 {
		cfg.FileTransfer.ChunkSize = c.chunkSize
	}
	if c.timeout > 0 {
		cfg.FileTransfer.Timeout = c.timeout
	}
	if c.retries > 0 {
		cfg.FileTransfer.RetryAttempts = c.retries
	}
	if c.retryDelay >= 0 {
		cfg.FileTransfer.RetryDelay = c.retryDelay
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	if c.logFile != "" {
		cfg.Logging.File = c.logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a client from cfg, drawing a progress bar on out unless quiet.
func newClient(cfg *config.Config, out io.Writer, quiet bool) (*client.Client, error) {
	if cfg.Client.ServerAddress == "" {
		return nil, fmt.Errorf("%w: -server or client.server_address is required", errUsage)
	}
	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(&cfg.Client.Proxy, cfg.FileTransfer.Timeout)
	if err != nil {
		return nil, err
	}
	opts := &client.Options{
		ChunkSize:   cfg.FileTransfer.ChunkSize,
		Timeout:     cfg.FileTransfer.Timeout,
		MaxAttempts: cfg.FileTransfer.RetryAttempts,
		RetryDelay:  cfg.FileTransfer.RetryDelay,
		NodeID:      cfg.NodeID,
		Digest:      alg,
		Dialer:      dialer,
	}
	if !quiet {
		opts.OnProgress = newProgress(out).update
	}
	return client.New(cfg.Client.ServerAddress, opts)
}

// progress draws one bar per file sent, starting a fresh bar whenever the
// total changes or the count goes backwards on a new attempt.
type progress struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int64
	last  int64
}

func newProgress(out io.Writer) *progress {
	return &progress{out: out}
}

func (p *progress) update(transferred, total int64) {
	if p.bar == nil || total != p.total || transferred < p.last {
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
			progressbar.OptionSetDescription("sending"),
		)
		p.total = total
	}
	p.last = transferred
	_ = p.bar.Set64(transferred)
}

// setupLogging applies the logging section to the standard logger.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	return cfg.Logging.Apply(logrus.StandardLogger())
}

func printResult(out io.Writer, res *client.Result) {
	if res.OK() {
		fmt.Fprintf(out, "%s: %s (%d bytes, %d attempt(s), %s)\n",
			res.Path, res.Token, res.FileSize, res.Attempts, res.Duration.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(out, "%s: failed after %d attempt(s): %v\n", res.Path, res.Attempts, res.Err)
}

func cmdSend(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: send [flags] <path> <file_type>", errUsage)
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	c, err := newClient(cfg, stderr, cf.quiet)
	if err != nil {
		return err
	}
	res, err := c.Send(ctx, fs.Arg(0), fs.Arg(1))
	if res != nil {
		printResult(stdout, res)
	}
	return err
}

func cmdSendPair(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	fs := flag.NewFlagSet("send-pair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: send-pair [flags] <model> <metadata>", errUsage)
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	c, err := newClient(cfg, stderr, cf.quiet)
	if err != nil {
		return err
	}
	batch := c.SendPair(ctx, fs.Arg(0), fs.Arg(1))
	for _, res := range batch.Results {
		printResult(stdout, res)
	}
	fmt.Fprintf(stdout, "outcome: %s\n", batch.Outcome)
	if batch.Outcome != client.OutcomeAll {
		return fmt.Errorf("%d of %d files delivered", batch.Succeeded(), len(batch.Results))
	}
	return nil
}

// cmdRun serves a node until interrupted. receive is the same command with
// forwarding disabled.
func cmdRun(ctx context.Context, name string, args []string, stderr io.Writer) error {
	var cf commonFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("%w: %s [flags]", errUsage, name)
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if name == "receive" {
		cfg.Client.ServerAddress = ""
		cfg.Watch.Enabled = false
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	node, err := weightxfer.NewNode(cfg, nil)
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

func cmdPing(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	c, err := newClient(cfg, stderr, true)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s reachable (%s)\n", c.Addr(), time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdInfo(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: info <info.json>", errUsage)
	}

	rec, err := audit.ReadRecord(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "last_update: %s\n", rec.LastUpdate.Format(time.RFC3339))
	fmt.Fprintf(stdout, "sender:      %s\n", rec.Sender)
	fmt.Fprintf(stdout, "node_id:     %s\n", rec.NodeID)
	if rec.FileType != "" {
		fmt.Fprintf(stdout, "file_type:   %s\n", rec.FileType)
	}
	fmt.Fprintf(stdout, "file_size:   %d\n", rec.FileSize)
	fmt.Fprintf(stdout, "file_hash:   %s\n", rec.FileHash)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "weightxfer transfers model weight files between nodes and an aggregator.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  weightxfer <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  send <path> <file_type>       send one file")
	fmt.Fprintln(w, "  send-pair <model> <metadata>  send a model and its metadata")
	fmt.Fprintln(w, "  receive                       run a receiver only")
	fmt.Fprintln(w, "  run                           run a node from its configuration")
	fmt.Fprintln(w, "  ping                          check that the receiver accepts connections")
	fmt.Fprintln(w, "  info <info.json>              print a transfer info record")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'weightxfer <command> -h' for the flags of a command.")
}

// run dispatches args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "send":
		err = cmdSend(ctx, rest, stdout, stderr)
	case "send-pair":
		err = cmdSendPair(ctx, rest, stdout, stderr)
	case "receive", "run":
		err = cmdRun(ctx, cmd, rest, stderr)
	case "ping":
		err = cmdPing(ctx, rest, stdout, stderr)
	case "info":
		err = cmdInfo(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		if err != errUsage {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	case errors.Is(err, config.ErrInvalidConfig):
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
