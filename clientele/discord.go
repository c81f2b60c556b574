package clientele

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// inviteButtonCustomID is the custom ID on the 'generate invite' button
	// posted to the invite-request channel.
	inviteButtonCustomID = "client_invite_button"

	// inviteModalCustomID is the custom ID of the firstname modal opened
	// when the invite button is clicked.
	inviteModalCustomID = "client_invite_modal"

	// inviteModalFirstnameInputID is the custom ID of the modal's single
	// text input.
	inviteModalFirstnameInputID = "client_invite_firstname"
)

// Discord manages the gateway session and provides the bot-side Discord
// operations: command registration, invite creation, and the invite-button
// prompt. Remote calls for workspace provisioning go through the same
// session handler, held by WorkspaceProvisioner.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// sessionFactory creates the gateway session. Overridable so tests
	// can drive the full startup/shutdown path with a stub session.
	sessionFactory func() (DiscordSessionHandler, error)
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.sessionFactory = d.newSession
	return d
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// Connected reports whether the gateway websocket is currently up.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// appCommandInvite creates the `/invite` ApplicationCommand, which staff
// use to generate a single-use client invite with an attached first name.
func (*Discord) appCommandInvite() *discordgo.ApplicationCommand {
	minLength := DefaultInviteModalMinLength

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandInvite,
		Description: DefaultInviteCommandDescription,
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        inviteCommandFirstnameOption,
				Description: DefaultInviteFirstnameDescription,
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   DefaultInviteModalMaxLength,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandInvite(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// postInviteButton posts the 'generate invite' prompt, with its button,
// to the configured invite-request channel.
func (d *Discord) postInviteButton(opts ...discordgo.RequestOption) error {
	_, err := d.session.ChannelMessageSendComplex(
		d.config.InviteRequestChannelID,
		&discordgo.MessageSend{
			Content: DefaultInviteButtonPrompt,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    DefaultInviteButtonLabel,
							Style:    discordgo.PrimaryButton,
							CustomID: inviteButtonCustomID,
						},
					},
				},
			},
		},
		opts...,
	)
	return err
}

// createClientInvite creates a single-use invite on the configured invite
// channel.
func (d *Discord) createClientInvite(
	opts ...discordgo.RequestOption,
) (*discordgo.Invite, error) {
	return d.session.ChannelInviteCreate(
		d.config.InviteChannelID,
		discordgo.Invite{
			MaxUses: 1,
			MaxAge:  int(d.config.InviteMaxAge.Seconds()),
			Unique:  true,
		},
		opts...,
	)
}

// fetchInviteUsage retrieves the guild's current invites and returns a
// code -> uses snapshot for reconciliation.
func (d *Discord) fetchInviteUsage(
	opts ...discordgo.RequestOption,
) (map[string]int, error) {
	invites, err := d.session.GuildInvites(d.config.GuildID, opts...)
	if err != nil {
		return nil, err
	}
	usage := make(map[string]int, len(invites))
	for _, inv := range invites {
		usage[inv.Code] = inv.Uses
	}
	return usage, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// ephemeralResponse wraps the given content in an ephemeral channel-message
// interaction response.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// inviteModalResponse returns the firstname modal opened when the
// 'generate invite' button is clicked.
func inviteModalResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: inviteModalCustomID,
			Title:    DefaultInviteModalTitle,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inviteModalFirstnameInputID,
							Label:       DefaultInviteModalInputLabel,
							Style:       discordgo.TextInputShort,
							Placeholder: DefaultInviteModalPlaceholder,
							Required:    true,
							MinLength:   DefaultInviteModalMinLength,
							MaxLength:   DefaultInviteModalMaxLength,
						},
					},
				},
			},
		},
	}
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with components (used for
	// the invite-button prompt)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildInvites returns all currently active invites for the guild
	GuildInvites(
		guildID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Invite, error)

	// ChannelInviteCreate creates a new invite on the given channel
	ChannelInviteCreate(
		channelID string,
		invite discordgo.Invite,
		opts ...discordgo.RequestOption,
	) (*discordgo.Invite, error)

	// GuildChannelCreateComplex creates a channel or category in the guild
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelEditComplex edits an existing channel - used to apply
	// permission overwrites to a freshly created category
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, opts...)
}

func (d DiscordSession) GuildInvites(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Invite, error) {
	invites, err := d.session.GuildInvites(guildID, opts...)
	if err != nil {
		d.logger.Error(
			"error fetching guild invites",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
	return invites, err
}

func (d DiscordSession) ChannelInviteCreate(
	channelID string,
	invite discordgo.Invite,
	opts ...discordgo.RequestOption,
) (*discordgo.Invite, error) {
	created, err := d.session.ChannelInviteCreate(channelID, invite, opts...)
	if err != nil {
		d.logger.Error(
			"error creating invite",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Info(
			"created invite",
			"channel_id", channelID,
			"code", created.Code,
			"max_uses", created.MaxUses,
		)
	}
	return created, err
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.GuildChannelCreateComplex(guildID, data, opts...)
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// isDiscordPermissionError reports whether the given error is a Discord
// REST 'missing permissions'/'missing access' rejection.
func isDiscordPermissionError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	return restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusForbidden
}
