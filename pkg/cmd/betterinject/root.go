package betterinject

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cbyrne/betterinject/pkg/config"
	"github.com/cbyrne/betterinject/pkg/version"
)

// Execute runs App() and calls os.Exit when finished.
func Execute() {
	if err := App().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// App returns the betterinject command line application.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "betterinject"
	app.Usage = "Inject handler calls into compiled JVM classes."
	app.Description = `betterinject rewrites compiled JVM classes so that they call
handler methods at selected points: method entry, returns, calls to other
methods or exact bytecode offsets. Injections are described in YAML files.

Rewrite a directory of classes:

	betterinject weave -D injections.yml --in build/classes --out build/woven

Visit https://github.com/cbyrne/betterinject for more information.`

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
	app.Version = version.String()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage: `config file (default: ./config.yml)
Supports: yaml/yml, json, toml, hcl, ini, prop/properties/props, env/dotenv`,
			EnvVars: []string{"BETTERINJECT_CONFIG"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug mode and highest log verbosity",
			EnvVars: []string{"BETTERINJECT_DEBUG"},
		},
		&cli.IntFlag{
			Name:    "verbosity",
			Aliases: []string{"v"},
			Usage:   "The higher the verbosity the more logs are shown",
			EnvVars: []string{"BETTERINJECT_VERBOSITY"},
		},
	}
	app.Commands = []*cli.Command{
		weaveCommand(),
		dumpCommand(),
		configCommand(),
		versionCommand(),
	}
	return app
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintln(c.App.Writer, version.Banner())
			return err
		},
	}
}

// setup loads the config and creates the logger of a command.
func setup(c *cli.Context) (*config.Config, logr.Logger, error) {
	v, err := initViper(c)
	if err != nil {
		return nil, logr.Discard(), cli.Exit(err, 1)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, logr.Discard(), cli.Exit(err, 1)
	}
	// Flags overwrite config
	cfg.Debug = cfg.Debug || c.Bool("debug")

	log, err := newLogger(cfg.Debug, c.Int("verbosity"))
	if err != nil {
		return nil, logr.Discard(), cli.Exit(fmt.Errorf("error creating zap logger: %w", err), 1)
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.V(1).Info("using config file", "path", used)
	}
	c.Context = logr.NewContext(c.Context, log)
	return cfg, log, nil
}

func initViper(c *cli.Context) (*viper.Viper, error) {
	v := viper.New()
	if c.IsSet("config") {
		v.SetConfigFile(c.String("config"))
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	// Load Environment Variables
	v.SetEnvPrefix("BETTERINJECT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		// A config file is only required to exist when explicit config flag was specified.
		if !(errors.As(err, &viper.ConfigFileNotFoundError{}) || os.IsNotExist(err)) || c.IsSet("config") {
			return nil, fmt.Errorf("error reading config file %q: %w", v.ConfigFileUsed(), err)
		}
	}
	return v, nil
}

func newLogger(debug bool, v int) (logr.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		v = max(v, 1)
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-v))

	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
