package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/undock/archive"
	"github.com/bibin-skaria/undock/config"
	"github.com/bibin-skaria/undock/engine"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		ignoreErrors bool
		strictMode   bool
		archivePath  string
		output       string
		verbose      bool
		debug        bool
		listLayers   bool
		listImages   bool
		layerIDs     []string
		noWhiteouts  bool
		numericOwner bool
		configPath   string
	)

	cmd := &cobra.Command{
		Use:   "undock [image]",
		Short: "Extract a docker-save image archive into a merged root filesystem",
		Long: `Undock resolves a named image inside a docker-save archive into its
chain of layers and extracts them base-to-top onto one output tree,
applying whiteout (.wh.*) deletions the way a union filesystem would.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Config file fills in whatever the command line left alone.
			if !cmd.Flags().Changed("output") {
				output = cfg.Output
			}
			if !cmd.Flags().Changed("numeric-owner") {
				numericOwner = cfg.NumericOwner
			}
			if !cmd.Flags().Changed("strict") {
				strictMode = cfg.Strict
			}

			log := newLogger(verbose, debug, cfg.LogLevel)

			img, err := openArchive(archivePath, log)
			if err != nil {
				return err
			}
			defer img.Close()

			var image string
			if len(args) > 0 {
				image = args[0]
			}

			ext := engine.New(img, engine.Options{
				Image:        image,
				Output:       output,
				Layers:       layerIDs,
				NoWhiteouts:  noWhiteouts,
				NumericOwner: numericOwner,
				Strict:       strictMode && !ignoreErrors,
			}, log)

			if listImages {
				repos, err := ext.Repositories()
				if err != nil {
					return err
				}
				for _, name := range repos.Names() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, strings.Join(repos.Tags(name), " "))
				}
				return nil
			}

			if listLayers {
				chain, err := ext.Chain()
				if err != nil {
					return err
				}
				for _, id := range chain {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			return ext.Run()
		},
	}

	cmd.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "i", false, "Ignore attribute errors even when strict mode is configured")
	cmd.Flags().BoolVar(&strictMode, "strict", false, "Abort extraction when file attributes cannot be applied")
	cmd.Flags().StringVarP(&archivePath, "archive", "a", "", "Archive file (defaults to stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", ".", "Output directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable info logging")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&listLayers, "layers", false, "List the layers of an image and exit")
	cmd.Flags().BoolVar(&listImages, "list", false, "List images/tags contained in the archive and exit")
	cmd.Flags().StringArrayVarP(&layerIDs, "layer", "l", nil, "Extract only the specified layer (repeatable)")
	cmd.Flags().BoolVarP(&noWhiteouts, "no-whiteouts", "W", false, "Do not process whiteout (.wh.*) files")
	cmd.Flags().BoolVarP(&numericOwner, "numeric-owner", "n", false, "Apply ownership by uid/gid, ignoring recorded names")
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default: ~/"+config.DefaultFileName+")")

	return cmd
}

func newLogger(verbose, debug bool, configured string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level := logrus.WarnLevel
	if configured != "" {
		if parsed, err := logrus.ParseLevel(configured); err == nil {
			level = parsed
		}
	}
	if verbose {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}

func openArchive(path string, log *logrus.Logger) (*archive.Image, error) {
	if path == "" || path == "-" {
		return archive.FromReader(os.Stdin, log)
	}
	return archive.Open(path, log)
}
