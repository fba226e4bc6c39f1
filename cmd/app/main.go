package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/bibshelf/internal"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/keygen"
	pkgconfig "github.com/starford/bibshelf/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func checkKey(_ context.Context, cmd *cli.Command) error {
	bad := 0
	for _, key := range cmd.Args().Slice() {
		if err := keygen.Validate(key); err != nil {
			fmt.Fprintf(cmd.Root().Writer, "%s\tinvalid\n", key)
			bad++
			continue
		}
		fmt.Fprintf(cmd.Root().Writer, "%s\tok\n", key)
	}
	if bad > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// generateKey proposes a key without looking at any open file, so the
// suffix is never needed.
func generateKey(_ context.Context, cmd *cli.Command) error {
	e := entry.New(cmd.String("type"))
	for _, name := range []string{"author", "title", "year", "howpublished"} {
		if v := cmd.String(name); v != "" {
			e.Set(name, v)
		}
	}
	key := keygen.Generate(e, 0, int(cmd.Int("min-length")))
	if cmd.Bool("json") {
		return json.NewEncoder(cmd.Root().Writer).Encode(map[string]string{"key": key})
	}
	_, err := fmt.Fprintln(cmd.Root().Writer, key)
	return err
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:    "bibshelf",
		Usage:   "Multi-file BibTeX library with a flattened index, trash and full-text search",
		Version: version,
		Flags:   []cli.Flag{configFlag},
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the REST API and change events over HTTP",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the library to an MCP client over stdio",
				Action: serveMCP,
			},
			{
				Name:      "check-key",
				Usage:     "Validate citation key syntax",
				ArgsUsage: "KEY...",
				Action:    checkKey,
			},
			{
				Name:  "keygen",
				Usage: "Print the generated citation key for the given fields",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Value: "article", Usage: "Entry type"},
					&cli.StringFlag{Name: "author", Usage: "Authors joined by ' and '"},
					&cli.StringFlag{Name: "title", Usage: "Title"},
					&cli.StringFlag{Name: "year", Usage: "Year"},
					&cli.StringFlag{Name: "howpublished", Usage: "How a misc entry was published"},
					&cli.IntFlag{Name: "min-length", Value: keygen.DefaultMinLength, Usage: "Pad shorter keys"},
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: generateKey,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
