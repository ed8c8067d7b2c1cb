package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/1broseidon/scanout/internal/config"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/kms"
	"github.com/1broseidon/scanout/internal/runtimepath"
	"gopkg.in/yaml.v3"
)

// Descriptor number of the channel in a child started by "run".
const childChannelFD = 3

func main() {
	if len(os.Args) < 2 {
		printMainUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runSession(os.Args[2:]))
	case "server":
		os.Exit(runRole("server", os.Args[2:]))
	case "client":
		os.Exit(runRole("client", os.Args[2:]))
	case "restore":
		os.Exit(runRestore(os.Args[2:]))
	case "config":
		os.Exit(runConfig(os.Args[2:]))
	case "help", "-h", "--help":
		printMainUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printMainUsage(os.Stderr)
		os.Exit(2)
	}
}

func printMainUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: scanout <command> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                 Start a server and a client process connected to it")
	fmt.Fprintln(w, "  server --fd N       Serve frames received on channel descriptor N")
	fmt.Fprintln(w, "  client --fd N       Present frames over channel descriptor N")
	fmt.Fprintln(w, "  restore             Reapply the display state saved by a crashed session")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  config validate     Validate configuration")
	fmt.Fprintln(w, "  config print        Print configuration")
	fmt.Fprintln(w, "  config explain      Explain a config value")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'scanout <command> --help' for command-specific options.")
}

func loadConfig(path string) (*config.LoadResult, error) {
	if path == "" {
		return config.LoadWithSources()
	}
	return config.LoadFromPath(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runSession creates the channel pair, starts the client role as a child
// process on descriptor 3 and runs the server role in this process.
func runSession(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("config", "", "Config file path (default: ~/.config/scanout/config.yaml)")
	frames := fs.Int("frames", -1, "Frames for the client to present (0 = until interrupted)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: scanout run [--config PATH] [--frames N]")
		fmt.Fprintln(os.Stderr, "")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "run takes no arguments")
		return 2
	}

	res, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg := res.Config
	if *frames >= 0 {
		cfg.Client.Frames = *frames
	}
	logger, closer, err := newLogger(cfg, "server")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()
	for _, w := range res.Warnings {
		logger.Warn(w)
	}

	serverCh, clientCh, err := ipc.Pair()
	if err != nil {
		logger.Error("create channel", "error", err)
		return 1
	}
	defer serverCh.Close()

	exe, err := os.Executable()
	if err != nil {
		clientCh.Close()
		logger.Error("find executable", "error", err)
		return 1
	}
	childArgs := []string{"client", "--fd", strconv.Itoa(childChannelFD), "--frames", strconv.Itoa(cfg.Client.Frames)}
	if *path != "" {
		childArgs = append(childArgs, "--config", *path)
	}
	cmd := exec.Command(exe, childArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	childEnd := clientCh.Detach("scanout-client")
	cmd.ExtraFiles = []*os.File{childEnd}
	if err := cmd.Start(); err != nil {
		childEnd.Close()
		logger.Error("start client", "error", err)
		return 1
	}
	// The child holds its own copy; keeping ours would hide its exit.
	childEnd.Close()
	logger.Info("client started", "pid", cmd.Process.Pid)

	ctx, stop := signalContext()
	defer stop()
	serveErr := serve(ctx, cfg, serverCh, logger)
	serverCh.Close()
	if serveErr != nil || ctx.Err() != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	waitErr := cmd.Wait()

	code := 0
	if serveErr != nil {
		logger.Error("server failed", "error", serveErr)
		code = 1
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && ctx.Err() != nil {
			// Interrupted together with us.
			logger.Info("client stopped", "status", exitErr.ProcessState.String())
		} else {
			logger.Error("client failed", "error", waitErr)
			code = 1
		}
	}
	return code
}

// runRole runs a single role over an inherited channel descriptor.
func runRole(role string, args []string) int {
	fs := flag.NewFlagSet(role, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fd := fs.Int("fd", -1, "Descriptor of the connected SEQPACKET channel")
	path := fs.String("config", "", "Config file path (default: ~/.config/scanout/config.yaml)")
	frames := fs.Int("frames", -1, "Frames to present, client only (0 = until interrupted)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scanout %s --fd N [--config PATH]\n", role)
		fmt.Fprintln(os.Stderr, "")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if *fd < 0 {
		fmt.Fprintf(os.Stderr, "%s requires --fd\n", role)
		return 2
	}

	res, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg := res.Config
	if *frames >= 0 {
		cfg.Client.Frames = *frames
	}
	logger, closer, err := newLogger(cfg, role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()

	ch, err := ipc.NewChannel(*fd)
	if err != nil {
		logger.Error("open channel", "fd", *fd, "error", err)
		return 1
	}
	defer ch.Close()

	ctx, stop := signalContext()
	defer stop()

	if role == "server" {
		for _, w := range res.Warnings {
			logger.Warn(w)
		}
		err = serve(ctx, cfg, ch, logger)
	} else {
		err = present(ctx, cfg, ch, logger)
	}
	if err != nil {
		logger.Error(role+" failed", "error", err)
		return 1
	}
	return 0
}

func runRestore(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	statePath := fs.String("state", "", "Session state file (default: $XDG_RUNTIME_DIR/scanout-session.yaml)")
	force := fs.Bool("force", false, "Restore even if the recorded session is still running")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: scanout restore [--state PATH] [--force]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Reapply the framebuffer and mode that were active before a kms session.")
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	path := *statePath
	if path == "" {
		p, err := runtimepath.SessionStatePath()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		path = p
	}

	st, err := kms.LoadState(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("restore: no saved session")
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !*force && processAlive(st.PID) {
		fmt.Fprintf(os.Stderr, "session pid %d is still running; stop it or pass --force\n", st.PID)
		return 1
	}
	if err := kms.RestoreState(st); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := kms.ClearState(path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("restore: crtc %d shows fb %d (%s) again\n", st.CrtcID, st.FramebufferID, st.ModeName)
	return 0
}

func processAlive(pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func runConfig(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  scanout config validate [--path PATH]")
		fmt.Fprintln(os.Stderr, "  scanout config print [--path PATH] [--defaults]")
		fmt.Fprintln(os.Stderr, "  scanout config explain [--path PATH] <yaml.path>")
		return 2
	}

	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/scanout/config.yaml)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}

		res, err := loadConfig(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, w := range res.Warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
		fmt.Println("config: ok")
		return 0

	case "print":
		fs := flag.NewFlagSet("print", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/scanout/config.yaml)")
		printDefaults := fs.Bool("defaults", false, "Print built-in defaults (no files)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}

		cfg := config.DefaultConfig()
		if !*printDefaults {
			res, err := loadConfig(*path)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			for _, f := range res.Files {
				fmt.Printf("# source: %s\n", f)
			}
			cfg = res.Config
		}
		data, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Print(string(data))
		return 0

	case "explain":
		fs := flag.NewFlagSet("explain", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/scanout/config.yaml)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "explain requires <yaml.path>")
			return 2
		}
		queryPath := fs.Arg(0)

		res, err := loadConfig(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		value, src, err := config.Explain(res, queryPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		out, err := yaml.Marshal(value)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}

		fmt.Printf("path: %s\n", queryPath)
		fmt.Printf("source: %s\n", formatSource(src))
		fmt.Printf("value:\n%s", string(out))
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func formatSource(src config.Source) string {
	switch src.Kind {
	case config.SourceFile:
		if src.File == "" {
			return "file"
		}
		if src.Line > 0 {
			return fmt.Sprintf("file:%s:%d:%d", src.File, src.Line, src.Column)
		}
		return "file:" + src.File
	case config.SourceDefault:
		if src.Name != "" {
			return "default:" + src.Name
		}
		return "default"
	default:
		return string(src.Kind)
	}
}
