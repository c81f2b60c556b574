//nolint:lll // struct tags can't be split
package clientele

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "CLIENTELE_ENV_PREFIX"
	DefaultEnvPrefix   = "CLIENTELE"

	DefaultBusinessName = "Acme"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen               = "127.0.0.1:3000"
	defaultListenNetwork           = "tcp"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultWebhookLogLevel   = slog.LevelInfo
	DefaultWebhookTimeout    = 10 * time.Second

	// DefaultDiscordGatewayIntent covers guild metadata, member joins and
	// invite tracking - the three event families the bot consumes.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildInvites

	DefaultDiscordCustomStatus = "welcoming new clients"

	// DefaultInviteMaxAge is how long a generated single-use client invite
	// remains valid.
	DefaultInviteMaxAge = 7 * 24 * time.Hour

	// DefaultFallbackDisplayName is used when a joining member can't be
	// matched to an invite mapping and has no usable profile name.
	DefaultFallbackDisplayName = "Client"

	DiscordSlashCommandInvite           = "invite"
	DefaultInviteCommandDescription     = "Create a single-use client invite link"
	inviteCommandFirstnameOption        = "firstname"
	DefaultInviteFirstnameDescription   = "Client first name for the onboarding workspace"
	DefaultInviteModalTitle             = "Generate a client invite"
	DefaultInviteModalInputLabel        = "Client first name"
	DefaultInviteModalPlaceholder       = "Ex: \"Jordan\""
	DefaultInviteModalMinLength         = 1
	DefaultInviteModalMaxLength         = 100
	DefaultInviteButtonLabel            = "Generate invite"
	DefaultInviteButtonPrompt           = "Need to onboard a new client? Generate their invite link here:"
	DefaultDiscordPermissionDeniedReply = "You don't have permission to do that."
	DefaultDiscordErrorReply            = "sorry, something went wrong!"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
		xZapierSecretHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level configuration for the bot, the API server and
// the outbound join webhook.
type Config struct {
	// BusinessName is the display name used in category names, the welcome
	// message and the join webhook payload
	BusinessName string `yaml:"business_name" mapstructure:"business_name" json:"business_name" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the automation-facing HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Webhook configures the outbound join-notification webhook
	Webhook *WebhookConfig `yaml:"webhook" mapstructure:"webhook" json:"webhook"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the single guild the bot operates in - invites are cached
	// and client workspaces created here
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// InviteChannelID is the channel single-use client invites point at
	InviteChannelID string `yaml:"invite_channel_id" mapstructure:"invite_channel_id" json:"invite_channel_id" binding:"required"`

	// InviteRequestChannelID is the channel the 'generate invite' button
	// prompt is posted to
	InviteRequestChannelID string `yaml:"invite_request_channel_id" mapstructure:"invite_request_channel_id" json:"invite_request_channel_id" binding:"required"`

	// StartHereChannelID is mentioned in the welcome message as the
	// client's next step. Optional - the mention is omitted when unset.
	StartHereChannelID string `yaml:"start_here_channel_id" mapstructure:"start_here_channel_id" json:"start_here_channel_id"`

	// StaffRoleIDs are granted access to every client workspace, and gate
	// the invite-creation command/button/modal. When empty, any member may
	// create invites (permissive fallback).
	StaffRoleIDs []string `yaml:"staff_role_ids" mapstructure:"staff_role_ids" json:"staff_role_ids"`

	// Team member user IDs mentioned in the welcome message. All optional -
	// missing entries degrade to generic mention text.
	FounderUserIDs   []string `yaml:"founder_user_ids" mapstructure:"founder_user_ids" json:"founder_user_ids"`
	CSMUserIDs       []string `yaml:"csm_user_ids" mapstructure:"csm_user_ids" json:"csm_user_ids"`
	FulfilmentUserID string   `yaml:"fulfilment_user_id" mapstructure:"fulfilment_user_id" json:"fulfilment_user_id"`
	OperationsUserID string   `yaml:"operations_user_id" mapstructure:"operations_user_id" json:"operations_user_id"`

	// InviteMaxAge is how long generated client invites remain valid
	InviteMaxAge time.Duration `yaml:"invite_max_age" mapstructure:"invite_max_age" json:"invite_max_age"`

	// CustomStatus is set on the bot user after connecting, if non-empty
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the automation-facing HTTP server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:3000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the shared secret required (via the x-zapier-secret header)
	// to hit the invite-button endpoint. When empty the endpoint rejects
	// all requests.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required,min=1s"`

	// Development enables gin debug mode and pprof routes
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// WebhookConfig configures the outbound webhook POSTed to on each
// successful client join. Disabled when URL is empty.
type WebhookConfig struct {
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"omitempty,url"`

	// Timeout bounds each outbound notification call
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Enabled indicates whether join notifications should be sent at all.
func (w WebhookConfig) Enabled() bool {
	return w.URL != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	webhookLogLevel.Set(DefaultWebhookLogLevel)

	return &Config{
		BusinessName:    DefaultBusinessName,
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			InviteMaxAge:      DefaultInviteMaxAge,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
		Webhook: &WebhookConfig{
			Timeout:  DefaultWebhookTimeout,
			LogLevel: webhookLogLevel,
		},
	}
}
