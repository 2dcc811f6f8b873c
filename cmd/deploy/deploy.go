package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/buger/goterm"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/ftp-deploy/cmd/util"
	"github.com/sidkik/ftp-deploy/pkg/config"
	"github.com/sidkik/ftp-deploy/pkg/deploy"
	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout io.Writer = os.Stdout
	fs               = afero.NewOsFs()
)

// New creates a new `deploy` command.
func New() *cobra.Command {
	var configPath string
	var watchMode bool
	var opts config.Deploy

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a local folder to a server",
		Long: "Deploy uploads the files in the local folder that changed since " +
			"the last deployment,\nand removes the files that were deleted. " +
			"Settings are read from the config file,\nand can be overridden " +
			"with flags.",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := config.ParseDeploy(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "read config"))
			}

			applyFlags(cmd.Flags(), opts, &cfg)
			if err := cfg.Validate(); err != nil {
				util.HandleFatalError(errors.NewFriendlyError("Invalid configuration: %s", err))
			}

			if err := setupLogging(cfg); err != nil {
				util.HandleFatalError(err)
			}

			if watchMode {
				ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
				defer cancel()
				if err := watchAndDeploy(ctx, cfg); err != nil {
					util.HandleFatalError(err)
				}
				return
			}

			summary, err := run(context.Background(), cfg)
			if err != nil {
				util.HandleFatalError(err)
			}
			printSummary(stdout, summary)
		},
	}

	defaults := config.DefaultDeploy()
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", config.DeployConfigPath, "Path to the config file")
	flags.BoolVar(&watchMode, "watch", false, "Keep running, and deploy again whenever the local folder changes")
	flags.StringVar(&opts.Server, "server", "", "Address of the server, or the target folder for the local protocol")
	flags.IntVar(&opts.Port, "port", 0, "Port of the server (default 21, or 22 for sftp)")
	flags.StringVar(&opts.Username, "username", "", "Username to log in with")
	flags.StringVar(&opts.Password, "password", "",
		fmt.Sprintf("Password to log in with. Can also be set with $%s", config.PasswordEnvKey))
	flags.StringVar(&opts.Protocol, "protocol", defaults.Protocol, "One of ftp, ftps, ftps-legacy, sftp or local")
	flags.StringVar(&opts.LocalDir, "local-dir", defaults.LocalDir, "Folder to deploy")
	flags.StringVar(&opts.ServerDir, "server-dir", defaults.ServerDir, "Folder on the server to deploy to")
	flags.StringVar(&opts.StateName, "state-name", defaults.StateName,
		"Name of the file used to track deployed files on the server")
	flags.StringSliceVar(&opts.Exclude, "exclude", defaults.Exclude, "Glob patterns of paths to skip")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "Print the changes without making them")
	flags.BoolVar(&opts.DangerousCleanSlate, "dangerous-clean-slate", false,
		"Delete everything in the server folder before deploying")
	flags.IntVar(&opts.Concurrency, "concurrency", defaults.Concurrency,
		"Number of extra connections used to transfer files. 0 uses a single connection")
	flags.IntVar(&opts.RetryAttempts, "retry-attempts", defaults.RetryAttempts,
		"Number of times each operation is attempted")
	flags.IntVar(&opts.RetryDelaySeconds, "retry-delay-seconds", defaults.RetryDelaySeconds,
		"Seconds to wait between attempts")
	flags.IntVar(&opts.SessionMaxAgeSeconds, "session-max-age-seconds", defaults.SessionMaxAgeSeconds,
		"Seconds a connection is used before it's re-established. 0 never re-establishes connections")
	flags.IntVar(&opts.MaxTaskFailures, "max-task-failures", defaults.MaxTaskFailures,
		"Number of times a transfer may fail before the deployment aborts. 0 retries forever")
	flags.IntVar(&opts.TimeoutSeconds, "timeout-seconds", defaults.TimeoutSeconds, "Connection timeout in seconds")
	flags.StringVar(&opts.LogLevel, "log-level", defaults.LogLevel, "One of minimal, standard or verbose")
	flags.StringVar(&opts.LogFile, "log-file", "", "Also write logs to this file")
	flags.StringVar(&opts.Security, "security", defaults.Security,
		"strict verifies TLS certificates, loose doesn't")
	flags.StringVar(&opts.KnownHosts, "known-hosts", "", "known_hosts file used to verify sftp servers")
	flags.BoolVar(&opts.InsecureIgnoreHostKey, "insecure-ignore-host-key", false,
		"Don't verify the host key of sftp servers")
	return cmd
}

// applyFlags overrides the fields of `cfg` whose flags were explicitly set.
func applyFlags(flags *pflag.FlagSet, opts config.Deploy, cfg *config.Deploy) {
	setters := map[string]func(){
		"server":                   func() { cfg.Server = opts.Server },
		"port":                     func() { cfg.Port = opts.Port },
		"username":                 func() { cfg.Username = opts.Username },
		"password":                 func() { cfg.Password = opts.Password },
		"protocol":                 func() { cfg.Protocol = opts.Protocol },
		"local-dir":                func() { cfg.LocalDir = opts.LocalDir },
		"server-dir":               func() { cfg.ServerDir = opts.ServerDir },
		"state-name":               func() { cfg.StateName = opts.StateName },
		"exclude":                  func() { cfg.Exclude = opts.Exclude },
		"dry-run":                  func() { cfg.DryRun = opts.DryRun },
		"dangerous-clean-slate":    func() { cfg.DangerousCleanSlate = opts.DangerousCleanSlate },
		"concurrency":              func() { cfg.Concurrency = opts.Concurrency },
		"retry-attempts":           func() { cfg.RetryAttempts = opts.RetryAttempts },
		"retry-delay-seconds":      func() { cfg.RetryDelaySeconds = opts.RetryDelaySeconds },
		"session-max-age-seconds":  func() { cfg.SessionMaxAgeSeconds = opts.SessionMaxAgeSeconds },
		"max-task-failures":        func() { cfg.MaxTaskFailures = opts.MaxTaskFailures },
		"timeout-seconds":          func() { cfg.TimeoutSeconds = opts.TimeoutSeconds },
		"log-level":                func() { cfg.LogLevel = opts.LogLevel },
		"log-file":                 func() { cfg.LogFile = opts.LogFile },
		"security":                 func() { cfg.Security = opts.Security },
		"known-hosts":              func() { cfg.KnownHosts = opts.KnownHosts },
		"insecure-ignore-host-key": func() { cfg.InsecureIgnoreHostKey = opts.InsecureIgnoreHostKey },
	}

	flags.Visit(func(f *pflag.Flag) {
		if set, ok := setters[f.Name]; ok {
			set()
		}
	})
}

func setupLogging(cfg config.Deploy) error {
	level, err := cfg.LogrusLevel()
	if err != nil {
		return err
	}

	// The verbose environment variable takes precedence over the config.
	if log.GetLevel() < log.DebugLevel {
		log.SetLevel(level)
	}

	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
		}))
	}
	return nil
}

func run(ctx context.Context, cfg config.Deploy) (deploy.Summary, error) {
	opts := cfg.RemoteOptions()
	opts.Fs = fs

	logger := log.StandardLogger()
	retryCfg := cfg.RetryConfig()
	retryCfg.Log = logger

	log.WithField("server", opts.Server).
		WithField("protocol", opts.Protocol).
		WithField("concurrency", cfg.Concurrency).
		Info("Starting deployment")

	return deploy.New(deploy.Config{
		Remote:          opts,
		LocalFs:         fs,
		LocalDir:        cfg.LocalDir,
		ServerDir:       cfg.ServerDir,
		StateName:       cfg.StateName,
		Exclude:         cfg.Exclude,
		DryRun:          cfg.DryRun,
		CleanSlate:      cfg.DangerousCleanSlate,
		Concurrency:     cfg.Concurrency,
		MaxTaskFailures: cfg.MaxTaskFailures,
		Retry:           retryCfg,
		SessionMaxAge:   cfg.SessionMaxAge(),
		Log:             logger,
	}).Run(ctx)
}

func printSummary(w io.Writer, s deploy.Summary) {
	title := goterm.Color("Deployment complete", goterm.GREEN)
	if s.DryRun {
		title = goterm.Color("Dry run complete. No changes were made.", goterm.YELLOW)
	}
	fmt.Fprintln(w, goterm.Bold(title))

	if s.FirstDeployment {
		fmt.Fprintln(w, "This was the first deployment to this folder.")
	}
	fmt.Fprintf(w, "  Uploaded:  %d (%s)\n", s.Uploaded, humanize.Bytes(uint64(s.SizeUpload)))
	fmt.Fprintf(w, "  Replaced:  %d (%s)\n", s.Replaced, humanize.Bytes(uint64(s.SizeReplace)))
	fmt.Fprintf(w, "  Deleted:   %d (%s)\n", s.Deleted, humanize.Bytes(uint64(s.SizeDelete)))
	fmt.Fprintf(w, "  Unchanged: %d\n", s.Unchanged)
	fmt.Fprintf(w, "  Duration:  %s\n", s.Duration.Round(time.Millisecond))
}
