package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcast/internal/config"
	"meshcast/internal/dataType"
	"meshcast/internal/peer"
	"meshcast/internal/server"
	"meshcast/internal/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// textMessage is the payload of the built-in "text" message type.
type textMessage struct {
	Text string `json:"text"`
}

const textType = "text"

var basePath string

var rootCmd = &cobra.Command{
	Use:           "meshcast",
	Short:         "Multicast peer-to-peer messaging node",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

var (
	sendText string
	sendAck  bool
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Broadcast one text message and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd.Context())
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random 32-byte security key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&basePath, "prefix", "", "Config file base path")
	sendCmd.Flags().StringVar(&sendText, "text", "", "message text")
	sendCmd.Flags().BoolVar(&sendAck, "ack", false, "wait for an acknowledgement")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "how long to wait for an acknowledgement")
	_ = sendCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(sendCmd, keygenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "meshcast:", err)
		os.Exit(1)
	}
}

func setup() (*config.MainConfig, *zap.Logger, *server.Transport, error) {
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := utils.NewLogger(utils.LogOptions{Path: cfg.LogPath, Level: cfg.LogLevel})
	if err != nil {
		return nil, nil, nil, err
	}
	sock, err := server.NewUDPMulticastSocket(server.UDPOptions{
		GroupAddress: cfg.GroupAddress,
		Port:         cfg.Port,
		Interface:    cfg.Interface,
		TTL:          cfg.TTL,
		Loopback:     cfg.Transport.ReceiveOwn,
		QueueSize:    cfg.Transport.MaxQueued,
	}, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open socket: %w", err)
	}
	tr, err := server.NewTransport(cfg, sock, log)
	if err != nil {
		_ = sock.Close()
		return nil, nil, nil, err
	}
	return cfg, log, tr, nil
}

func runNode(ctx context.Context) error {
	cfg, log, tr, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	err = server.Handle(tr, textType, func(_ context.Context, env *dataType.Envelope, msg textMessage) error {
		log.Info("text received",
			zap.String("from", env.Source.String()),
			zap.String("text", msg.Text))
		return nil
	})
	if err != nil {
		_ = tr.Stop(0)
		return err
	}
	tr.OnPeerEvent(func(ev peer.Event) {
		log.Info("peer event",
			zap.Stringer("kind", ev.Kind),
			zap.String("source_id", ev.Peer.SourceID),
			zap.String("device", ev.Peer.DeviceName))
	})

	if err := tr.Start(ctx); err != nil {
		_ = tr.Stop(0)
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tr.Metrics().Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	log.Info("node ready",
		zap.String("group", cfg.GroupAddress),
		zap.Int("port", cfg.Port),
		zap.Stringer("source_id", tr.Identity().ID))
	<-ctx.Done()
	log.Info("stopping node")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := tr.Stop(cfg.Transport.ShutdownTimeout); err != nil {
		log.Warn("unclean shutdown", zap.Error(err))
	}
	log.Info("node stopped")
	return nil
}

func runSend(ctx context.Context) error {
	_, log, tr, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	defer tr.Stop(0)
	if err := tr.Start(ctx); err != nil {
		return err
	}

	session, err := tr.Send(ctx, textType, textMessage{Text: sendText}, server.SendOptions{
		RequestAck: sendAck,
		AckTimeout: sendWait,
	})
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	if !session.Wait(sendWait) {
		return fmt.Errorf("no acknowledgement within %s", sendWait)
	}
	for _, src := range session.Received() {
		log.Info("acknowledged", zap.String("by", src.String()))
	}
	return nil
}
