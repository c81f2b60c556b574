package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/clientele/clientele"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = clientele.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "clientele [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("business_name", clientele.DefaultBusinessName)
	viper.SetDefault("log_level", clientele.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", clientele.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", clientele.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.invite_channel_id", "")
	viper.SetDefault("discord.invite_request_channel_id", "")
	viper.SetDefault("discord.start_here_channel_id", "")
	viper.SetDefault("discord.staff_role_ids", []string{})
	viper.SetDefault("discord.founder_user_ids", []string{})
	viper.SetDefault("discord.csm_user_ids", []string{})
	viper.SetDefault("discord.fulfilment_user_id", "")
	viper.SetDefault("discord.operations_user_id", "")
	viper.SetDefault("discord.invite_max_age", clientele.DefaultInviteMaxAge)
	viper.SetDefault(
		"discord.custom_status",
		clientele.DefaultDiscordCustomStatus,
	)
	viper.SetDefault(
		"discord.log_level",
		clientele.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		clientele.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		clientele.DefaultDiscordGatewayIntent,
	)

	// Webhook config
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.timeout", clientele.DefaultWebhookTimeout)
	viper.SetDefault(
		"webhook.log_level",
		clientele.DefaultWebhookLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.listen", clientele.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", clientele.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)

	viper.SetDefault("api.read_timeout", clientele.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		clientele.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", clientele.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", clientele.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		clientele.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		clientele.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		clientele.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", clientele.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		clientele.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(clientele.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = clientele.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types. ID lists can be supplied either
	// space- or comma-separated.
	for _, key := range []string{
		"discord.staff_role_ids",
		"discord.founder_user_ids",
		"discord.csm_user_ids",
	} {
		if raw, ok := viper.Get(key).(string); ok && strings.Contains(raw, ",") {
			viper.Set(key, clientele.NormalizedCommaList(raw))
			continue
		}
		viper.Set(key, viper.GetStringSlice(key))
	}
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("webhook.log_level"))
	if err != nil {
		log.Fatalf("error parsing webhook log level: %v", err)
	}
	viper.Set("webhook.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
