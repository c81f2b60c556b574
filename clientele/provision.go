package clientele

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Provisioning failure classes. Container-, permission- and
// primary-channel failures abort the run; everything after the primary
// channel exists is non-fatal.
var (
	ErrContainerCreationFailed = errors.New("category creation failed")
	ErrPermissionSetupFailed   = errors.New("permission setup failed")
	ErrChannelCreationFailed   = errors.New("channel creation failed")
	ErrMessageDeliveryFailed   = errors.New("welcome message delivery failed")
)

// MembershipEvent describes one handled member join. It only lives for the
// duration of that join's handling, and is what the external webhook
// receives afterward.
type MembershipEvent struct {
	MemberID     string    `json:"discordId"`
	MemberTag    string    `json:"discordTag"`
	ResolvedName string    `json:"firstname"`
	BusinessName string    `json:"businessName"`
	CategoryName string    `json:"categoryName"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// ProvisionedWorkspace references the category and channels created for
// one client. The IDs are owned by Discord; nothing here is cached past
// the provisioning call.
type ProvisionedWorkspace struct {
	CategoryID       string
	CategoryName     string
	ChannelIDs       []string
	PrimaryChannelID string
}

// WorkspaceProvisioner builds a client's private workspace: category,
// permission overwrites, channels, welcome message - strictly in that
// order, since each step needs the identifier produced by the previous
// one.
//
// Provision is not idempotent: a second run for the same member creates a
// second workspace. Joins are at-most-once per membership in normal
// operation, so no dedup guard is layered on here (the join handler keeps
// an in-flight guard for concurrent duplicates).
type WorkspaceProvisioner struct {
	session      DiscordSessionHandler
	config       *DiscordConfig
	businessName string
	botUserID    string
	channels     []ChannelSpec
	logger       *slog.Logger
}

func newWorkspaceProvisioner(
	session DiscordSessionHandler,
	config *DiscordConfig,
	businessName string,
	logger *slog.Logger,
) *WorkspaceProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceProvisioner{
		session:      session,
		config:       config,
		businessName: businessName,
		botUserID:    config.ApplicationID,
		channels:     defaultChannelSpecs,
		logger:       logger.With(loggerNameKey, "provisioner"),
	}
}

// CategoryName returns the workspace category name for the given resolved
// client name.
func (p *WorkspaceProvisioner) CategoryName(resolvedName string) string {
	return fmt.Sprintf("%s - %s", resolvedName, p.businessName)
}

// workspaceOverwrites builds the permission overwrites for a client
// workspace: deny view for @everyone, allow view+send for the member, the
// bot itself, and every configured staff role.
func (p *WorkspaceProvisioner) workspaceOverwrites(
	memberID string,
) []*discordgo.PermissionOverwrite {
	// the @everyone role ID is always the guild ID
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   p.config.GuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    memberID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
		},
		{
			ID:    p.botUserID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
		},
	}

	for _, roleID := range p.config.StaffRoleIDs {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:    roleID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
			},
		)
	}
	return overwrites
}

// Provision runs the workspace state machine for one joining member.
//
// On a fatal step failure (category, permissions, or the primary channel)
// it returns a nil workspace and the classified error; remaining steps are
// skipped. Failures creating non-primary channels, or sending the welcome
// message, are logged and the workspace is still returned - the error is
// returned alongside it so the caller can see the partial failure.
func (p *WorkspaceProvisioner) Provision(
	ctx context.Context,
	member *discordgo.Member,
	resolvedName string,
) (*ProvisionedWorkspace, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = p.logger
	}
	logger = logger.With(
		"member_id", member.User.ID,
		"resolved_name", resolvedName,
	)

	categoryName := p.CategoryName(resolvedName)
	logger.InfoContext(ctx, "provisioning client workspace", "category", categoryName)

	category, err := p.session.GuildChannelCreateComplex(
		p.config.GuildID,
		discordgo.GuildChannelCreateData{
			Name: categoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: category %q: %w", ErrContainerCreationFailed, categoryName, err,
		)
	}

	overwrites := p.workspaceOverwrites(member.User.ID)
	if _, err = p.session.ChannelEditComplex(
		category.ID,
		&discordgo.ChannelEdit{PermissionOverwrites: overwrites},
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf(
			"%w: category %q: %w", ErrPermissionSetupFailed, category.ID, err,
		)
	}

	workspace := &ProvisionedWorkspace{
		CategoryID:   category.ID,
		CategoryName: categoryName,
	}

	var channelErrs []error
	for _, spec := range p.channels {
		channel, createErr := p.session.GuildChannelCreateComplex(
			p.config.GuildID,
			discordgo.GuildChannelCreateData{
				Name:                 spec.Name,
				Type:                 discordgo.ChannelTypeGuildText,
				ParentID:             category.ID,
				PermissionOverwrites: overwrites,
			},
			discordgo.WithContext(ctx),
		)
		if createErr != nil {
			if spec.Primary {
				// without the primary channel there's nowhere to welcome
				// the client - abort
				return nil, fmt.Errorf(
					"%w: primary channel %q: %w",
					ErrChannelCreationFailed, spec.Name, createErr,
				)
			}
			logger.ErrorContext(
				ctx,
				"error creating workspace channel, skipping",
				tint.Err(createErr),
				"channel", spec.Name,
			)
			channelErrs = append(
				channelErrs,
				fmt.Errorf("%w: %q: %w", ErrChannelCreationFailed, spec.Name, createErr),
			)
			continue
		}
		workspace.ChannelIDs = append(workspace.ChannelIDs, channel.ID)
		if spec.Primary {
			workspace.PrimaryChannelID = channel.ID
		}
	}

	welcome := renderWelcomeMessage(
		welcomeValues{
			BusinessName: p.businessName,
			MemberID:     member.User.ID,
			Discord:      p.config,
		},
	)
	if _, err = p.session.ChannelMessageSend(
		workspace.PrimaryChannelID,
		welcome,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error sending welcome message",
			tint.Err(err),
			"channel_id", workspace.PrimaryChannelID,
		)
		channelErrs = append(
			channelErrs,
			fmt.Errorf("%w: %w", ErrMessageDeliveryFailed, err),
		)
	}

	logger.InfoContext(
		ctx,
		"provisioned client workspace",
		"category_id", workspace.CategoryID,
		"category", workspace.CategoryName,
		"channels", len(workspace.ChannelIDs),
	)
	return workspace, errors.Join(channelErrs...)
}
