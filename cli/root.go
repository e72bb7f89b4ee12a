package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/config"
	"github.com/chaos-io/sinfondo/logger"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd creates the root command with the serve and remove subcommands.
func NewRootCmd(ver string) *cobra.Command {
	a := &app{v: config.NewViper()}
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "sinfondo",
		Short:        "Remove image backgrounds in batch",
		Long:         "sinfondo removes the background of one or many images and returns a PNG or a ZIP of PNGs.",
		Version:      ver,
		SilenceUsage: true,
		Example: `  # Run the web interface on port 9000
  sinfondo serve --port 9000

  # Process two local files and a remote one into ./out
  sinfondo remove a.jpg b.png https://example.com/c.jpg --out ./out`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init(cfgFile)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or console")
	mustBind(a.v, flags, map[string]string{
		"LOG_LEVEL":  "log-level",
		"LOG_FORMAT": "log-format",
	})

	cmd.AddCommand(newServeCmd(a), newRemoveCmd(a))
	return cmd
}

func (a *app) init(cfgFile string) error {
	cfg, err := config.Load(a.v, cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)

	a.cfg, a.log = cfg, log
	return nil
}

// mustBind ties config keys to flags; a flag only wins over env and file when set.
func mustBind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}
