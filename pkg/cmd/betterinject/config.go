package betterinject

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cbyrne/betterinject/pkg/configs"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Output a default configuration file",
		Description: `Output a default configuration file to stdout or a file.
You can redirect to a file or use the --write flag:

	betterinject config > config.yml
	betterinject config --write                      # Writes to config.yml
	betterinject config --type injections --write    # Writes to injections.yml

Available config types:
  - full (default): Full configuration with all options
  - injections: Example injection descriptor file`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Config type: full or injections",
				Value:   "full",
			},
			&cli.BoolFlag{
				Name:    "write",
				Aliases: []string{"w"},
				Usage:   "Write the file to the working directory instead of stdout",
			},
		},
		Action: func(c *cli.Context) error {
			configType := c.String("type")
			var (
				configBytes []byte
				outputFile  string
			)
			switch configType {
			case "full":
				configBytes, outputFile = configs.DefaultConfigBytes, "config.yml"
			case "injections":
				configBytes, outputFile = configs.InjectionsBytes, "injections.yml"
			default:
				return cli.Exit(fmt.Sprintf("unknown config type: %s (valid types: full, injections)", configType), 1)
			}

			if c.Bool("write") {
				if err := os.WriteFile(outputFile, configBytes, 0o644); err != nil {
					return cli.Exit(fmt.Errorf("error writing config to %q: %w", outputFile, err), 1)
				}
				_, _ = fmt.Fprintf(c.App.Writer, "Configuration written to %s\n", outputFile)
				return nil
			}

			if _, err := c.App.Writer.Write(configBytes); err != nil {
				return cli.Exit(fmt.Errorf("error writing config: %w", err), 1)
			}
			return nil
		},
	}
}
