package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"evidenced/pkg/bus"
	"evidenced/pkg/envelope"
	"evidenced/services/collector"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "evidencectl",
		Short:         "Client for the evidenced artifact ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	cmd.AddCommand(newCollectCommand(&configPath))
	cmd.AddCommand(newSendCommand(&configPath))
	cmd.AddCommand(newStatusCommand(&configPath))
	cmd.AddCommand(newHealthCommand(&configPath))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newCollectCommand(configPath *string) *cobra.Command {
	var (
		containerID string
		docPath     string
		noUpload    bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Serialize a collector document, save it locally, and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(docPath)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			var doc envelope.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse document: %w", err)
			}

			host, _ := os.Hostname()
			serializer := envelope.NewSerializer(host, os.Getenv("USER"))
			env, err := serializer.Serialize(containerID, doc)
			if err != nil {
				return err
			}

			writer := envelope.NewWriter(cfg.LocalStorage.Path, cfg.LocalStorage.Compress(), logger)
			writer.MaxBytes = int64(cfg.LocalStorage.MaxSizeMB) * 1024 * 1024
			path, err := writer.Persist(env)
			if err != nil {
				// A failed local save must not stop the upload attempt.
				logger.Printf("WARN local save failed: %v", err)
			} else {
				fmt.Printf("saved %s\n", path)
			}

			if noUpload {
				return nil
			}
			return transmit(cmd.Context(), cfg, logger, env)
		},
	}

	cmd.Flags().StringVar(&containerID, "container", "", "Container identifier the document was collected from")
	cmd.Flags().StringVar(&docPath, "document", "", "Path to the collector output document (JSON)")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "Save locally without transmitting")
	_ = cmd.MarkFlagRequired("container")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newSendCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <envelope-file>",
		Short: "Transmit a previously saved envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			writer := envelope.NewWriter(cfg.LocalStorage.Path, cfg.LocalStorage.Compress(), logger)
			env, err := writer.Load(args[0])
			if err != nil {
				return err
			}
			return transmit(cmd.Context(), cfg, logger, env)
		},
	}
	return cmd
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <artifact-id>",
		Short: "Fetch the stored state of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			sender := collector.NewSender(cfg.APIServer, logger)
			artifact, err := sender.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(artifact)
		},
	}
}

func newHealthCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the ingest service is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			sender := collector.NewSender(cfg.APIServer, logger)
			healthy, detail := sender.Health(cmd.Context())
			if !healthy {
				return fmt.Errorf("ingest service unhealthy: %s", detail)
			}
			fmt.Println(detail)
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var natsURL string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream artifact lifecycle events from the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				natsURL = os.Getenv("NATS_URL")
			}
			if natsURL == "" {
				return fmt.Errorf("--nats-url or NATS_URL is required")
			}

			eventBus, err := bus.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("connect event bus: %w", err)
			}
			defer eventBus.Close()

			ctx := cmd.Context()
			for _, kind := range []string{"received", "processed", "error"} {
				subject := "evidenced.artifacts." + kind
				closer, err := eventBus.Subscribe(ctx, subject, "evidencectl-watch-"+kind,
					func(_ context.Context, data []byte) error {
						fmt.Printf("%s\n", data)
						return nil
					})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", subject, err)
				}
				defer closer.Close()
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS endpoint (defaults to NATS_URL)")
	return cmd
}

func setup(configPath string) (collector.Config, *log.Logger, error) {
	cfg, err := collector.LoadConfig(configPath)
	if err != nil {
		return collector.Config{}, nil, err
	}
	return cfg, log.New(os.Stderr, "", log.LstdFlags), nil
}

func transmit(ctx context.Context, cfg collector.Config, logger *log.Logger, env *envelope.Envelope) error {
	sender := collector.NewSender(cfg.APIServer, logger)

	if healthy, detail := sender.Health(ctx); !healthy {
		return fmt.Errorf("ingest service unhealthy, skipping transmission: %s", detail)
	}

	result := sender.Transmit(ctx, env)
	if !result.Success {
		return fmt.Errorf("transmission failed: %v", result.Err)
	}
	fmt.Printf("artifact stored with id %s\n", result.ArtifactID)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
