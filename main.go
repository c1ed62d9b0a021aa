package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/john/infobot/internal/bot"
	"github.com/john/infobot/internal/config"
	"github.com/john/infobot/internal/health"
	"github.com/john/infobot/internal/message"
	"github.com/john/infobot/internal/recorder"
	"github.com/john/infobot/internal/secrets"
	"github.com/john/infobot/internal/telegram"
	"github.com/john/infobot/internal/twitch"
	"github.com/john/infobot/internal/uploader"
	"github.com/john/infobot/internal/zulip"
)

func main() {
	log.Println("InfoBot starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath, secrets.GetAPIKey)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded, answering to %q", cfg.Zulip.Keyword)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	messageChan := make(chan message.IncomingMessage, cfg.Recorder.BufferSize)
	senders := make(map[string]bot.Sender)

	var zulipConn *zulip.Connector
	if !cfg.Zulip.Disabled {
		client := zulip.NewClient(cfg.Zulip.Site, cfg.Zulip.Email, cfg.Zulip.APIKey)

		// Bad credentials or an unreachable server abort startup
		if _, err := bot.NewSubscriber(client, cfg.Zulip.Streams).Subscribe(ctx); err != nil {
			if errors.Is(err, zulip.ErrUnauthorized) {
				log.Fatalf("Zulip rejected the bot credentials: %v", err)
			}
			log.Fatalf("Failed to subscribe to streams: %v", err)
		}

		zulipConn = zulip.NewConnector(client)
		senders[message.PlatformZulip] = client
	}

	var twitchConn *twitch.Connector
	if len(cfg.Twitch.Channels) > 0 {
		log.Printf("Monitoring %d Twitch channels: %v", len(cfg.Twitch.Channels), cfg.Twitch.Channels)
		twitchConn = twitch.New(cfg.Twitch.Username, cfg.Twitch.OAuth, cfg.Twitch.Channels)
		senders[message.PlatformTwitch] = twitchConn
	}

	var telegramConn *telegram.Connector
	if cfg.Telegram.Token != "" {
		telegramConn = telegram.New(cfg.Telegram.Token, cfg.Telegram.AllowFrom)
		senders[message.PlatformTelegram] = telegramConn
	}

	dispatcher := bot.NewDispatcher(cfg.Zulip.Keyword, senders)

	var (
		rec        *recorder.Recorder
		up         *uploader.Uploader
		recordChan chan message.ReplyRecord
		fileChan   chan string
	)
	if cfg.Archive.Enabled {
		recordChan = make(chan message.ReplyRecord, cfg.Recorder.BufferSize)
		fileChan = make(chan string, 100)
		dispatcher.SetArchive(recordChan)

		rec = recorder.New(
			cfg.Recorder.OutputDir,
			cfg.Recorder.BufferSize,
			cfg.Recorder.RotateMinutes,
			cfg.Recorder.RotateMegabytes,
		)

		up, err = uploader.New(ctx, uploader.Options{
			Bucket:            cfg.S3.Bucket,
			Region:            cfg.S3.Region,
			Endpoint:          cfg.S3.Endpoint,
			RoleARN:           cfg.S3.RoleARN,
			TokenFile:         cfg.S3.TokenFile,
			AccessKeyID:       cfg.S3.AccessKeyID,
			SecretAccessKey:   cfg.S3.SecretAccessKey,
			DeleteAfterUpload: cfg.Uploader.DeleteAfterUpload,
			MaxRetries:        cfg.Uploader.MaxRetries,
		})
		if err != nil {
			log.Fatalf("Failed to create uploader: %v", err)
		}

		// Archives left over from a previous run
		if err := up.ScanAndUploadExisting(ctx, cfg.Recorder.OutputDir); err != nil {
			log.Printf("Warning: Failed to scan for existing archives: %v", err)
		}
	}

	healthServer := health.New(cfg.Health.Addr)

	var wg sync.WaitGroup

	if zulipConn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := zulipConn.Start(ctx, messageChan); err != nil && err != context.Canceled {
				log.Printf("Zulip connector error: %v", err)
			}
		}()
	}

	if twitchConn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := twitchConn.Start(ctx, messageChan); err != nil && err != context.Canceled {
				log.Printf("Twitch connector error: %v", err)
			}
		}()
	}

	if telegramConn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := telegramConn.Start(ctx, messageChan); err != nil && err != context.Canceled {
				log.Printf("Telegram connector error: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx, messageChan); err != nil && err != context.Canceled {
			log.Printf("Dispatcher error: %v", err)
		}
	}()

	if rec != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := rec.Start(ctx, recordChan, fileChan); err != nil && err != context.Canceled {
				log.Printf("Recorder error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := up.Start(ctx, fileChan); err != nil && err != context.Canceled {
				log.Printf("Uploader error: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health server error: %v", err)
		}
	}()

	healthServer.SetReady(true)
	log.Println("All components started successfully")

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, initiating graceful shutdown...")
		healthServer.SetReady(false)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down health server: %v", err)
		}

		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Println("All components stopped gracefully")
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
		}

		os.Exit(0)
	}()

	wg.Wait()
	log.Println("InfoBot stopped")
}
