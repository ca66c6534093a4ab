package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/store"
	"github.com/deeplynx/loader/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init [path]",
	GroupID: "setup",
	Short:   "Write a starter configuration file",
	Long: `Write a starter configuration file (default ./dlload.yaml).

On a terminal the values are asked for interactively; otherwise, or with
--defaults, a sample with one example data source is written. The format
follows the extension: .yaml, .yml or .toml. Existing files are never
overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "dlload.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		useDefaults, _ := cmd.Flags().GetBool("defaults")

		cfg := config.Sample()
		if !useDefaults && term.IsTerminal(int(os.Stdin.Fd())) {
			a := defaultAnswers(cfg)
			if err := a.form().Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return errors.New("aborted")
				}
				return err
			}
			if err := a.apply(cfg, time.Now()); err != nil {
				return err
			}
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Write(path, cfg); err != nil {
			return err
		}
		ui.NewPrinter(os.Stdout).Successf("wrote %s", path)
		return nil
	},
}

// answers holds the interactive form's fields as typed.
type answers struct {
	URL       string
	APIKey    string
	APISecret string
	DBPath    string

	Table            string
	ContainerID      string
	DataSourceID     string
	TimestampColumn  string
	SecondaryIndex   string
	InitialTimestamp string
}

func defaultAnswers(cfg *config.Config) *answers {
	src := cfg.DataSources[0]
	return &answers{
		URL:              cfg.DeepLynxURL,
		DBPath:           cfg.DBPath,
		Table:            src.TableName,
		ContainerID:      strconv.FormatUint(src.ContainerID, 10),
		DataSourceID:     strconv.FormatUint(src.DataSourceID, 10),
		TimestampColumn:  src.TimestampColumnName,
		SecondaryIndex:   src.SecondaryIndex,
		InitialTimestamp: src.InitialTimestamp,
	}
}

func (a *answers) form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("DeepLynx URL").Value(&a.URL).Validate(required),
			huh.NewInput().Title("API key").Description("Blank for an unsecured instance; awssm://<secret-id> reads AWS Secrets Manager").Value(&a.APIKey),
			huh.NewInput().Title("API secret").EchoMode(huh.EchoModePassword).Value(&a.APISecret),
			huh.NewInput().Title("Database path").Value(&a.DBPath).Validate(required),
		),
		huh.NewGroup(
			huh.NewInput().Title("Table name").Value(&a.Table).Validate(identifier),
			huh.NewInput().Title("Container id").Value(&a.ContainerID).Validate(positive),
			huh.NewInput().Title("Data source id").Value(&a.DataSourceID).Validate(positive),
			huh.NewInput().Title("Timestamp column").Value(&a.TimestampColumn).Validate(identifier),
			huh.NewInput().Title("Secondary index column").Description("Blank for none").Value(&a.SecondaryIndex).Validate(optionalIdentifier),
			huh.NewInput().Title("Initial timestamp").Description(`e.g. "2024-01-01 00:00:00" or "90 days ago"`).Value(&a.InitialTimestamp),
		),
	)
}

// apply copies the answers into cfg's first data source.
func (a *answers) apply(cfg *config.Config, now time.Time) error {
	containerID, err := parseID("container id", a.ContainerID)
	if err != nil {
		return err
	}
	dataSourceID, err := parseID("data source id", a.DataSourceID)
	if err != nil {
		return err
	}

	cfg.DeepLynxURL = strings.TrimSpace(a.URL)
	cfg.APIKey = strings.TrimSpace(a.APIKey)
	cfg.APISecret = strings.TrimSpace(a.APISecret)
	cfg.DBPath = strings.TrimSpace(a.DBPath)
	cfg.TargetContainerID = containerID

	src := &cfg.DataSources[0]
	src.TableName = strings.TrimSpace(a.Table)
	src.ContainerID = containerID
	src.DataSourceID = dataSourceID
	src.TimestampColumnName = strings.TrimSpace(a.TimestampColumn)
	src.SecondaryIndex = strings.TrimSpace(a.SecondaryIndex)
	src.InitialTimestamp = ""
	if ts := strings.TrimSpace(a.InitialTimestamp); ts != "" {
		if src.InitialTimestamp, err = config.NormalizeTimestamp(ts, now); err != nil {
			return err
		}
	}
	return nil
}

func parseID(name, s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return id, nil
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func positive(s string) error {
	_, err := parseID("value", s)
	return err
}

func identifier(s string) error {
	if !store.ValidIdentifier(strings.TrimSpace(s)) {
		return errors.New("letters, digits and underscores only, not starting with a digit")
	}
	return nil
}

func optionalIdentifier(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return identifier(s)
}

func init() {
	initCmd.Flags().Bool("defaults", false, "Write the sample without asking")

	rootCmd.AddCommand(initCmd)
}
