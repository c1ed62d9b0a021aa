package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/john/infobot/internal/config"
	"github.com/john/infobot/internal/secrets"
	"github.com/john/infobot/internal/zulip"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "infobotctl",
		Short:        "Operator helpers for InfoBot",
		SilenceUsage: true,
	}

	cmd.AddCommand(newStreamsCmd())
	cmd.AddCommand(newSetKeyCmd())

	cmd.SetErr(os.Stderr)
	cmd.SetOut(os.Stdout)

	return cmd
}

func newStreamsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List the streams visible to the bot and print a config snippet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, secrets.GetAPIKey)
			if err != nil {
				return err
			}

			client := zulip.NewClient(cfg.Zulip.Site, cfg.Zulip.Email, cfg.Zulip.APIKey)
			streams, err := client.ListStreams(cmd.Context())
			if err != nil {
				return fmt.Errorf("list streams: %w", err)
			}

			names := make([]string, 0, len(streams))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d stream(s):\n", len(streams))
			for _, s := range streams {
				fmt.Fprintf(out, "  %s (%d)\n", s.Name, s.StreamID)
				names = append(names, s.Name)
			}

			snippet, err := streamsSnippet(names)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nAdd to config.yaml:")
			fmt.Fprintln(out, "---")
			fmt.Fprint(out, snippet)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "config.yaml"), "Path to config file")
	return cmd
}

func newSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key <email>",
		Short: "Store a bot API key in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := secrets.SetAPIKey(args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key for %s stored\n", args[0])
			return nil
		},
	}
	return cmd
}

type zulipSection struct {
	Streams []string `yaml:"streams"`
}

func streamsSnippet(names []string) (string, error) {
	data, err := yaml.Marshal(map[string]zulipSection{"zulip": {Streams: names}})
	if err != nil {
		return "", fmt.Errorf("marshal snippet: %w", err)
	}
	return string(data), nil
}

// readKey prompts without echo on a terminal, otherwise reads the first line
func readKey(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
