package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/haiyiyun/kvsession"
	"github.com/haiyiyun/kvsession/internal/logging"
	"github.com/haiyiyun/kvsession/store/redisstore"
)

const (
	Version = "0.3.0"
)

var plog = logger.GetLogger(logging.CLI)

var (
	config  kvsession.Config
	rdStore *redisstore.Store
	manager kvsession.Manager

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvsession",
		Short: "inspect and maintain persisted sessions",
		Long: fmt.Sprintf(`kvsession (v%s)

Operator tool for session records stored in Redis: create the expiration
index, sweep expired sessions, inspect or delete a single session.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvsession",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvsession v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(initIndexCmd)
	RootCmd.AddCommand(sweepCmd)
	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(deleteCmd)

	d := kvsession.DefaultConfig()
	flags := RootCmd.PersistentFlags()
	flags.String(kvsession.KeyNamespace, d.Namespace, "store namespace")
	flags.String(kvsession.KeySetName, d.SetName, "set (table) holding the session records")
	flags.String(kvsession.KeyIndexName, "", "name of the expiration index (default ei.<set-name>)")
	flags.Int(kvsession.KeyMaxInactiveInterval, int(d.MaxInactiveInterval.Seconds()), "default max inactive interval in seconds, negative = never expires")
	flags.String(kvsession.KeyCodec, string(d.Codec), "attribute codec (msgpack, gob)")
	flags.String(kvsession.KeyCompression, string(d.Compression), "attribute compression (none, snappy, zstd)")
	flags.Int(kvsession.KeySaveWorkers, d.SaveWorkers, "concurrent async saves")
	flags.Int(kvsession.KeyEnginePoolSize, d.EnginePoolSize, "codec engines per codec")
	flags.Duration(kvsession.KeyEngineAcquireTimeout, d.EngineAcquireTimeout, "max wait for a free codec engine")
	flags.Duration(kvsession.KeyStoreTimeout, d.StoreTimeout, "timeout of a single store operation")
	flags.Duration(kvsession.KeyRecordTTL, d.RecordTTL, "physical record TTL, extended on every read and write (0 = none)")
	flags.String(kvsession.KeyRedisAddr, d.RedisAddr, "redis address")
	flags.String(kvsession.KeyRedisPassword, "", "redis password")
	flags.Int(kvsession.KeyRedisDB, d.RedisDB, "redis database")
	flags.String(kvsession.KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool("metrics", false, "print metrics in Prometheus text format after the command")
}

func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("kvsession")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setup 读取配置并连接存储, 需要管理器的命令同时创建管理器
func setup(withManager bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := logging.Init(viper.GetString(kvsession.KeyLogLevel)); err != nil {
			return err
		}

		var err error
		config, err = kvsession.ConfigFromViper(viper.GetViper())
		if err != nil {
			return err
		}
		plog.Debugf("configuration: %s", config)

		ctx := contextOf(cmd)
		rdStore, err = redisstore.Dial(ctx, &redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		},
			redisstore.WithNamespace(config.Namespace),
			redisstore.WithSetName(config.SetName),
			redisstore.WithOpTimeout(config.StoreTimeout),
			redisstore.WithRecordTTL(config.RecordTTL),
		)
		if err != nil {
			return err
		}
		if !withManager {
			return nil
		}
		manager, err = kvsession.NewManager(ctx, rdStore, kvsession.WithConfig(config))
		return err
	}
}

// teardown 关闭管理器与存储, 按需输出指标
func teardown(cmd *cobra.Command, _ []string) error {
	var result *multierror.Error
	if manager != nil {
		result = multierror.Append(result, manager.Close())
	}
	if rdStore != nil {
		result = multierror.Append(result, rdStore.Close())
	}
	if viper.GetBool("metrics") {
		metrics.WritePrometheus(os.Stdout, true)
	}
	return result.ErrorOrNil()
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
