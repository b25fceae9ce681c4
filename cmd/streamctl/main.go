package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"log"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	colorable "github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/stats"
	"github.com/vx-labs/nestclient/storage/local"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func seedRand() {
	var b [8]byte
	_, err := crypto_rand.Read(b[:])
	if err != nil {
		panic("cannot seed math/rand package with cryptographically secure random number generator")
	}
	rand.Seed(int64(binary.LittleEndian.Uint64(b[:])))
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return path.Join(dir, "streamctl")
}

func getLogger(config *viper.Viper) *zap.Logger {
	if config.GetBool("debug") {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(colorable.NewColorableStderr()),
			zap.DebugLevel,
		)
		return zap.New(core, zap.AddCaller())
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

// session holds the embedded service and the manager built on top of it.
type session struct {
	service *local.Service
	manager *stream.Manager
	logger  *zap.Logger
}

func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		s.logger.Error("failed to close stream manager", zap.Error(err))
	}
	if err := s.service.Close(); err != nil {
		s.logger.Error("failed to close storage service", zap.Error(err))
	}
	s.logger.Sync()
}

func mustOpen(ctx context.Context, config *viper.Viper) (context.Context, *session) {
	logger := getLogger(config)
	ctx = stream.StoreLogger(ctx, logger)
	datadir := config.GetString("data-dir")
	if err := os.MkdirAll(datadir, 0700); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}
	service, err := local.Open(datadir, local.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to open storage service", zap.Error(err), zap.String("data_dir", datadir))
	}
	if port := config.GetInt("metrics-port"); port > 0 {
		go func() {
			if err := stats.ListenAndServe(port); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Debug("started metrics server", zap.Int("metrics_port", port))
	}
	manager := stream.NewManager(service, service,
		stream.WithLogger(logger),
		stream.WithCallTimeout(config.GetDuration("call-timeout")),
	)
	return ctx, &session{service: service, manager: manager, logger: logger}
}

func main() {
	seedRand()
	config := viper.New()
	config.AddConfigPath(configDir())
	config.SetConfigType("yaml")
	config.SetConfigName("config")
	config.SetEnvPrefix("STREAMCTL")
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	config.AutomaticEnv()

	ctx := context.Background()
	rootCmd := &cobra.Command{
		Use: "streamctl",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			config.BindPFlags(cmd.Flags())
			config.BindPFlags(cmd.PersistentFlags())
			if err := config.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					log.Fatal(err)
				}
			}
		},
	}
	rootCmd.AddCommand(Scopes(ctx, config))
	rootCmd.AddCommand(Streams(ctx, config))
	rootCmd.AddCommand(Events(ctx, config))
	rootCmd.AddCommand(Transactions(ctx, config))
	rootCmd.AddCommand(Bytes(ctx, config))
	rootCmd.AddCommand(MQTTBridge(ctx, config))
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Use a fancy logger and increase logging level.")
	rootCmd.PersistentFlags().String("data-dir", "/tmp/streamctl", "Persistent data location.")
	rootCmd.PersistentFlags().Int("metrics-port", 0, "Start Prometheus HTTP metrics server on this port.")
	rootCmd.PersistentFlags().Duration("call-timeout", 30*time.Second, "Timeout applied to each byte stream storage call.")
	rootCmd.Execute()
}
