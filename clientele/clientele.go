package clientele

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/clientele/clientele.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Clientele is the main application struct: it owns the invite registry,
// the discord integration, the workspace provisioner, the outbound join
// notifier, and the automation HTTP API.
type Clientele struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// The automation-facing HTTP API
	api *API

	// Invite code -> client name mappings and usage counts. The only
	// state shared across concurrent join handlers.
	registry *InviteRegistry

	// Builds client workspaces on member join
	provisioner *WorkspaceProvisioner

	// Fires the outbound join webhook
	notifier *NotificationDispatcher

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once startup completes: API
	// listening, discord session open, invite cache warmed, commands
	// registered
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called. Stored atomically so the API health
	// endpoint can read it while Run is starting up.
	startedAt atomic.Pointer[time.Time]

	// provisioning tracks members whose workspace build is currently in
	// flight, so a duplicated join event can't create a concurrent
	// duplicate workspace
	provisioning   map[string]struct{}
	provisioningMu sync.Mutex

	joinsHandled   atomic.Int64
	invitesCreated atomic.Int64
}

// New creates and initializes a new Clientele instance: loggers for each
// component, the invite registry, the notifier and the API server. The
// discord session itself is created in Run.
func New(config *Config) (*Clientele, error) {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &Clientele{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		provisioning:  map[string]struct{}{},
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.LogLevel,
			AddSource: true,
		},
	)

	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	c.config.Discord.httpClient = c.config.HTTPClient

	disc := newDiscord(c.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	c.discord = disc

	c.registry = NewInviteRegistry(c.logger)

	c.notifier = newNotificationDispatcher(
		c.config.Webhook,
		c.config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     c.config.Webhook.LogLevel,
					AddSource: true,
				},
			),
		),
	)

	c.api = newAPI(c, config.API)

	return c, nil
}

func (c *Clientele) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

func (c *Clientele) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run starts the bot: API server, discord session, gateway handlers,
// invite cache warm-up, command registration and the invite-button
// prompt. It blocks until the context is canceled or a stop signal is
// received, then shuts down gracefully.
func (c *Clientele) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.signalStop = make(chan struct{}, 1)
	started := time.Now()
	c.startedAt.Store(&started)
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	// the 'runtime' context - canceling triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			c.signalStop <- struct{}{}
		}
	}()

	go func() {
		httpErr := c.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- c.initDiscordSession(ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	c.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return c.shutdown(context.Background())
}

// initDiscordSession creates the gateway session, adds handlers, opens
// the websocket, warms the invite-usage cache, registers the `/invite`
// slash command and posts the invite-button prompt.
func (c *Clientele) initDiscordSession(ctx context.Context) error {
	session, err := c.discord.sessionFactory()
	if err != nil {
		return err
	}
	c.discord.session = session

	c.provisioner = newWorkspaceProvisioner(
		session,
		c.config.Discord,
		c.config.BusinessName,
		c.discord.logger,
	)

	c.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(c.discord.handlerReady()),
		session.AddHandler(c.discord.handlerConnect()),
		session.AddHandler(c.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				go c.handleMemberJoin(ctx, m)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				go c.handleInteraction(ctx, i)
			},
		),
	}

	c.logger.InfoContext(ctx, "connecting to discord")
	if err = session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if warmErr := c.warmInviteCache(ctx); warmErr != nil {
		// non-fatal: the first join after startup may just fall back to
		// the member's profile name
		c.logger.WarnContext(
			ctx,
			"invite cache warm-up failed",
			tint.Err(warmErr),
		)
	}

	if _, cmdErr := c.discord.registerCommands(
		discordgo.WithContext(ctx),
	); cmdErr != nil {
		return fmt.Errorf("error registering commands: %w", cmdErr)
	}

	if buttonErr := c.discord.postInviteButton(
		discordgo.WithContext(ctx),
	); buttonErr != nil {
		c.logger.WarnContext(
			ctx,
			"error posting invite-button prompt",
			tint.Err(buttonErr),
		)
	}

	if c.config.Discord.CustomStatus != "" {
		go func() {
			if statusErr := c.discord.updateCustomStatus(
				c.config.Discord.CustomStatus,
			); statusErr != nil {
				c.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	return nil
}

// warmInviteCache seeds the registry's usage counts from the guild's
// current invites, so the first join can be attributed.
func (c *Clientele) warmInviteCache(ctx context.Context) error {
	usage, err := c.discord.fetchInviteUsage(discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	for code, uses := range usage {
		c.registry.UpdateUsage(code, uses)
	}
	c.logger.InfoContext(ctx, "cached existing invites", "count", len(usage))
	return nil
}

func (c *Clientele) shutdown(ctx context.Context) error {
	defer func() {
		c.eventShutdown <- struct{}{}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	wg := &sync.WaitGroup{}

	if c.discord != nil && c.discord.session != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, removeHandler := range c.discord.discordgoRemoveHandlerFuncs {
				removeHandler()
			}
			if err := c.discord.session.Close(); err != nil {
				c.logger.Error("error closing discord session", tint.Err(err))
			}
		}()
	}

	if c.api != nil && c.api.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.api.httpServer.Shutdown(ctx); err != nil {
				c.logger.Error("error shutting down api server", tint.Err(err))
			}
		}()
	}

	done := make(chan struct{}, 1)
	go func() {
		wg.Wait()
		done <- struct{}{}
	}()

	select {
	case <-ctx.Done():
		c.logger.Warn("shutdown timed out")
		return ctx.Err()
	case <-done:
		c.logger.Info("shutdown complete")
		return nil
	}
}

// handleMemberJoin runs the full attribution + provisioning +
// notification sequence for one joining member. Steps execute strictly
// in order; different members' joins run independently.
func (c *Clientele) handleMemberJoin(
	ctx context.Context,
	m *discordgo.GuildMemberAdd,
) {
	ctx, logger := c.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"recovered from panic handling member join",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if m.User == nil || m.User.Bot {
		return
	}
	if m.GuildID != c.config.Discord.GuildID {
		logger.WarnContext(
			ctx,
			"ignoring join for unknown guild",
			"guild_id", m.GuildID,
		)
		return
	}

	logger = logger.With(
		slog.Group(
			"member",
			"id", m.User.ID,
			"username", m.User.Username,
		),
	)
	ctx = WithLogger(ctx, logger)

	c.provisioningMu.Lock()
	if _, inFlight := c.provisioning[m.User.ID]; inFlight {
		c.provisioningMu.Unlock()
		logger.WarnContext(ctx, "provisioning already in flight for member")
		return
	}
	c.provisioning[m.User.ID] = struct{}{}
	c.provisioningMu.Unlock()

	defer func() {
		c.provisioningMu.Lock()
		delete(c.provisioning, m.User.ID)
		c.provisioningMu.Unlock()
	}()

	c.joinsHandled.Add(1)
	joinedAt := time.Now().UTC()

	resolvedName := c.resolveMemberName(ctx, m.Member, logger)

	workspace, err := c.provisioner.Provision(ctx, m.Member, resolvedName)
	if workspace == nil {
		logger.ErrorContext(
			ctx,
			"provisioning aborted",
			tint.Err(err),
		)
		return
	}
	if err != nil {
		logger.WarnContext(
			ctx,
			"workspace provisioned with partial failures",
			tint.Err(err),
		)
	}

	event := MembershipEvent{
		MemberID:     m.User.ID,
		MemberTag:    m.User.String(),
		ResolvedName: resolvedName,
		BusinessName: c.config.BusinessName,
		CategoryName: workspace.CategoryName,
		JoinedAt:     joinedAt,
	}
	if notifyErr := c.notifier.Notify(ctx, event); notifyErr != nil {
		logger.ErrorContext(
			ctx,
			"error notifying automation webhook",
			tint.Err(notifyErr),
		)
	}
}

// resolveMemberName reconciles invite usage to infer which invite the
// member used, and resolves it to a client name. Falls back to the
// member's profile name when attribution or the mapping is missing.
func (c *Clientele) resolveMemberName(
	ctx context.Context,
	member *discordgo.Member,
	logger *slog.Logger,
) string {
	fallback := memberDisplayName(member)

	current, err := c.discord.fetchInviteUsage(discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error fetching invites, falling back to display name",
			tint.Err(err),
		)
		return fallback
	}

	code, ok := c.registry.Reconcile(current)
	if !ok {
		logger.WarnContext(
			ctx,
			"could not find used invite, falling back to display name",
			"fallback", fallback,
		)
		return fallback
	}

	name, found := c.registry.Lookup(code)
	if !found {
		logger.WarnContext(
			ctx,
			"no firstname mapped for invite, falling back to display name",
			"code", code,
			"fallback", fallback,
		)
		return fallback
	}

	logger.InfoContext(
		ctx,
		"matched invite to firstname",
		"code", code,
		"firstname", name,
	)
	return name
}

// memberDisplayName returns the best available profile name for a member,
// never empty.
func memberDisplayName(member *discordgo.Member) string {
	if member == nil || member.User == nil {
		return DefaultFallbackDisplayName
	}
	for _, candidate := range []string{
		member.Nick,
		member.User.GlobalName,
		member.User.Username,
	} {
		if name := strings.TrimSpace(candidate); name != "" {
			return name
		}
	}
	return DefaultFallbackDisplayName
}

// handleInteraction routes slash command, button and modal interactions.
// All invite-creation paths are gated on staff membership.
func (c *Clientele) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := c.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"recovered from panic handling interaction",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
		}
	}()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	if discordUser.Bot {
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	if !c.memberIsStaff(i.Member) {
		logger.WarnContext(ctx, "interaction from non-staff member, rejecting")
		c.respond(ctx, i, ephemeralResponse(DefaultDiscordPermissionDeniedReply))
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if i.ApplicationCommandData().Name != DiscordSlashCommandInvite {
			return
		}
		firstname := slashCommandFirstname(i)
		c.createInviteAndReply(ctx, i, firstname)
	case discordgo.InteractionMessageComponent:
		if i.MessageComponentData().CustomID != inviteButtonCustomID {
			return
		}
		c.respond(ctx, i, inviteModalResponse())
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		if data.CustomID != inviteModalCustomID {
			return
		}
		c.createInviteAndReply(ctx, i, modalFirstname(data))
	}
}

// memberIsStaff reports whether the member holds at least one configured
// staff role. With no staff roles configured, any member is allowed - a
// documented permissive fallback.
func (c *Clientele) memberIsStaff(member *discordgo.Member) bool {
	if len(c.config.Discord.StaffRoleIDs) == 0 {
		return true
	}
	if member == nil {
		return false
	}
	for _, roleID := range member.Roles {
		for _, staffID := range c.config.Discord.StaffRoleIDs {
			if roleID == staffID {
				return true
			}
		}
	}
	return false
}

// createInviteAndReply creates a single-use invite mapped to the given
// firstname and replies to the interaction with the invite URL, or an
// ephemeral error message.
func (c *Clientele) createInviteAndReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	firstname string,
) {
	_, logger := c.getLogger(ctx)

	firstname = strings.TrimSpace(firstname)
	if firstname == "" {
		c.respond(ctx, i, ephemeralResponse("A client first name is required."))
		return
	}

	invite, err := c.discord.createClientInvite(discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error creating client invite", tint.Err(err))
		c.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorReply))
		return
	}

	if registerErr := c.registry.Register(invite.Code, firstname); registerErr != nil {
		logger.ErrorContext(
			ctx,
			"error registering invite mapping",
			tint.Err(registerErr),
		)
		c.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorReply))
		return
	}
	// seed the usage count so the next reconciliation attributes cleanly
	c.registry.UpdateUsage(invite.Code, invite.Uses)

	c.invitesCreated.Add(1)
	c.respond(
		ctx, i, ephemeralResponse(
			fmt.Sprintf(
				"Invite for **%s**: https://discord.gg/%s (single use)",
				firstname,
				invite.Code,
			),
		),
	)
}

func (c *Clientele) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	response *discordgo.InteractionResponse,
) {
	_, logger := c.getLogger(ctx)
	if err := c.discord.session.InteractionRespond(
		i.Interaction,
		response,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// slashCommandFirstname extracts the firstname option from the `/invite`
// slash command.
func slashCommandFirstname(i *discordgo.InteractionCreate) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == inviteCommandFirstnameOption {
			return opt.StringValue()
		}
	}
	return ""
}

// modalFirstname extracts the firstname text input from the submitted
// invite modal.
func modalFirstname(data discordgo.ModalSubmitInteractionData) string {
	for _, component := range data.Components {
		row, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range row.Components {
			input, inputOk := rowComponent.(*discordgo.TextInput)
			if !inputOk {
				continue
			}
			if input.CustomID == inviteModalFirstnameInputID {
				return input.Value
			}
		}
	}
	return ""
}
