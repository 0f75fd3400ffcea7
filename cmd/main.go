package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/kernel"
	"github.com/brettbedarf/kernfs/mount"
	"github.com/brettbedarf/kernfs/script"
	"github.com/brettbedarf/kernfs/store"
)

func main() {
	// Parse command line arguments
	var (
		verbose    int
		configPath string
		storePath  string
		scriptPath string
		mountPoint string
		umount     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a config override file (.yaml, .yml, .json)")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&storePath, "store", "", "Path to a bbolt store file. Without it the file system lives in memory.")
	flag.StringVar(&scriptPath, "script", "", "Path to the syscall script to run. May also be passed as the argument.")
	flag.StringVar(&scriptPath, "s", "", "--script (shorthand)")
	flag.StringVar(&mountPoint, "mount", "", "Directory to serve the file system at over FUSE once the script, if any, has run.")
	flag.StringVar(&mountPoint, "m", "", "--mount (shorthand)")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the mount point first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", 0, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 0, "--verbose (shorthand)")
	flag.Parse()

	env, err := config.LoadEnv(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(2)
	}

	// Defaults, then the config file, then the environment, then flags.
	if configPath == "" {
		configPath = env.ConfigPath
	}
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		override, err := config.LoadConfigOverrideFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configPath, err)
			os.Exit(2)
		}
		cfg.Merge(override)
	}
	cfg.Merge(env.Override())
	flags := &config.ConfigOverride{}
	if verbose != 0 {
		flags.LogLvl = &verbose
	}
	if storePath != "" {
		bolt := config.StoreBolt
		flags.Store = &bolt
		flags.StorePath = &storePath
	}
	cfg.Merge(flags)

	// Initialize logger
	util.InitializeLogger(cfg.LogLvl)
	logger := util.GetLogger("main")

	if scriptPath == "" {
		scriptPath = flag.Arg(0)
	}
	logger.Info().Str("config", configPath).Str("script", scriptPath).Str("mnt", mountPoint).Str("store", cfg.Store).Msg("kernfs initializing")
	if scriptPath == "" && mountPoint == "" {
		logger.Fatal().Msg("Nothing to do; pass -script, -mount or the script path as the argument")
	}
	var s *script.Script
	if scriptPath != "" {
		if s, err = script.Load(scriptPath); err != nil {
			logger.Fatal().Err(err).Str("script", scriptPath).Msg("Failed to load script")
		}
	}

	var st store.Store
	switch cfg.Store {
	case config.StoreBolt:
		b, err := store.OpenBolt(cfg.StorePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("Failed to open store")
		}
		st = b
	default:
		st = store.NewMem()
	}

	k, err := kernel.New(cfg, st, kernel.NewDefaultRegistry())
	if err != nil {
		st.Close() // nolint:errcheck
		logger.Fatal().Err(err).Msg("Failed to boot kernel")
	}
	if err := k.Devsw().Register(file.ConsoleMajor, file.NewConsole(os.Stdin, os.Stdout)); err != nil {
		logger.Warn().Err(err).Msg("Console not registered")
	}

	var runErr error
	if s != nil {
		runErr = runScript(k, s)
	}
	if runErr == nil && mountPoint != "" {
		if umount { // send cli command
			cmd := exec.Command("fusermount", "-u", mountPoint)
			// we ignore error here if not already mounted
			cmd.Run() // nolint:errcheck
		}
		opts := config.NewDefaultMountOptions()
		opts.Debug = cfg.LogLvl == util.TraceLevel
		runErr = serve(k, mountPoint, opts)
	}

	stats, err := st.Stats()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read store stats")
	} else {
		logger.Info().
			Int("records", stats.Records).
			Str("size", humanize.Bytes(uint64(stats.Bytes))).
			Uint64("commits", k.FS().Log().Commits()).
			Msg("Store summary")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Msg("kernfs failed")
		os.Exit(1)
	}
}

// runScript runs s and prints its results.
func runScript(k *kernel.Kernel, s *script.Script) error {
	logger := util.GetLogger("main")

	// The first signal kills the script's processes, which wakes any
	// blocked pipe call. Handling is then reset so a second signal
	// terminates, e.g. while a process waits on console input.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	resetSignals := context.AfterFunc(ctx, func() {
		logger.Warn().Msg("Interrupted; stopping script")
		stop()
	})
	results, err := script.NewRunner(k).Run(ctx, s)
	resetSignals()
	stop()

	printResults(os.Stdout, s, results)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// serve mounts k at mountPoint and serves it until a signal arrives or
// the host unmounts it. A busy mount keeps serving until the next signal.
func serve(k *kernel.Kernel, mountPoint string, opts *config.MountOptions) error {
	logger := util.GetLogger("main")

	srv, err := mount.Mount(k, mountPoint, opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	if err := srv.Serve(); err != nil {
		srv.Unmount() // nolint:errcheck
		return fmt.Errorf("serve %s: %w", mountPoint, err)
	}

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalChan)

	logger.Info().Str("mountpoint", mountPoint).Msg("Filesystem mounted successfully")

	unmounted := make(chan struct{})
	go func() {
		srv.Wait()
		close(unmounted)
	}()
	for {
		select {
		case <-unmounted:
			logger.Info().Msg("Filesystem unmounted by the host")
			return nil
		case sig := <-signalChan:
			logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")
			if err := srv.Unmount(); err != nil {
				logger.Error().Err(err).Msg("Failed to unmount filesystem")
				continue
			}
			logger.Info().Msg("Filesystem unmounted successfully")
			return nil
		}
	}
}

// printResults writes one line per step, grouped by process.
func printResults(w io.Writer, s *script.Script, results [][]script.Result) {
	header := color.New(color.Bold)
	ok := color.New(color.FgGreen)
	fail := color.New(color.FgRed)

	for i, pr := range results {
		header.Fprintf(w, "%s\n", s.Procs[i].Name) // nolint:errcheck
		for _, res := range pr {
			c := ok
			if res.Err != nil {
				c = fail
			}
			c.Fprintf(w, "  %2d %-7s %4d %-9s", res.Step, res.Op, res.Ret, script.ErrnoName(res.Err)) // nolint:errcheck
			if res.Out != "" {
				fmt.Fprintf(w, " %q", res.Out)
			}
			fmt.Fprintln(w)
		}
	}
}
