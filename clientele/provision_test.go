package clientele

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMember(id string) *discordgo.Member {
	return &discordgo.Member{
		GuildID: "guild-123",
		User:    &discordgo.User{ID: id, Username: "testuser"},
	}
}

func newTestProvisioner(t testing.TB, config *DiscordConfig) (
	*WorkspaceProvisioner,
	*mockDiscordSession,
) {
	t.Helper()
	session := newMockDiscordSession()
	return newWorkspaceProvisioner(session, config, "Acme", nil), session
}

func TestProvisionWorkspace(t *testing.T) {
	config := testDiscordConfig()
	config.StaffRoleIDs = []string{"role-staff-1", "role-staff-2"}
	p, session := newTestProvisioner(t, config)

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	require.NoError(t, err)
	require.NotNil(t, workspace)

	assert.Equal(t, "Jordan - Acme", workspace.CategoryName)
	assert.NotEmpty(t, workspace.CategoryID)
	assert.NotEmpty(t, workspace.PrimaryChannelID)
	assert.Len(t, workspace.ChannelIDs, len(defaultChannelSpecs))

	// one category plus one channel per spec
	require.Len(t, session.createdChannels, 1+len(defaultChannelSpecs))
	category := session.createdChannels[0]
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, category.Data.Type)
	assert.Equal(t, "Jordan - Acme", category.Data.Name)

	for i, spec := range defaultChannelSpecs {
		created := session.createdChannels[i+1]
		assert.Equal(t, spec.Name, created.Data.Name)
		assert.Equal(t, discordgo.ChannelTypeGuildText, created.Data.Type)
		assert.Equal(t, workspace.CategoryID, created.Data.ParentID)
	}

	// welcome message lands in the primary channel
	require.Len(t, session.sentMessages, 1)
	assert.Equal(t, workspace.PrimaryChannelID, session.sentMessages[0].ChannelID)
	assert.Contains(t, session.sentMessages[0].Content, "Welcome to Acme!")
}

func TestProvisionPermissionOverwrites(t *testing.T) {
	config := testDiscordConfig()
	config.StaffRoleIDs = []string{"role-staff-1", "role-staff-2"}
	p, session := newTestProvisioner(t, config)

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	require.NoError(t, err)

	edit, ok := session.channelEdits[workspace.CategoryID]
	require.True(t, ok, "category permissions were never applied")

	overwrites := edit.PermissionOverwrites
	require.Len(t, overwrites, 3+len(config.StaffRoleIDs))

	// @everyone (the guild ID) is denied view
	everyone := overwrites[0]
	assert.Equal(t, config.GuildID, everyone.ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, everyone.Type)
	assert.Equal(t, int64(discordgo.PermissionViewChannel), everyone.Deny)
	assert.Zero(t, everyone.Allow)

	viewAndSend := int64(
		discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
	)

	member := overwrites[1]
	assert.Equal(t, "user-1", member.ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, member.Type)
	assert.Equal(t, viewAndSend, member.Allow)

	bot := overwrites[2]
	assert.Equal(t, config.ApplicationID, bot.ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, bot.Type)
	assert.Equal(t, viewAndSend, bot.Allow)

	for i, roleID := range config.StaffRoleIDs {
		staff := overwrites[3+i]
		assert.Equal(t, roleID, staff.ID)
		assert.Equal(t, discordgo.PermissionOverwriteTypeRole, staff.Type)
		assert.Equal(t, viewAndSend, staff.Allow)
	}

	// the same overwrites are stamped onto every created channel
	for _, created := range session.createdChannels[1:] {
		assert.Equal(t, overwrites, created.Data.PermissionOverwrites)
	}
}

func TestProvisionNoStaffRoles(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	require.NoError(t, err)

	edit := session.channelEdits[workspace.CategoryID]
	require.NotNil(t, edit)
	assert.Len(t, edit.PermissionOverwrites, 3)
}

func TestProvisionCategoryCreationFails(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())
	session.channelCreateErr = func(data discordgo.GuildChannelCreateData) error {
		if data.Type == discordgo.ChannelTypeGuildCategory {
			return fmt.Errorf("api exploded")
		}
		return nil
	}

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	assert.Nil(t, workspace)
	assert.ErrorIs(t, err, ErrContainerCreationFailed)

	// nothing else happens after the fatal step
	assert.Empty(t, session.createdChannels)
	assert.Empty(t, session.sentMessages)
}

func TestProvisionPermissionSetupFails(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())
	session.channelEditErr = errors.New("api exploded")

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	assert.Nil(t, workspace)
	assert.ErrorIs(t, err, ErrPermissionSetupFailed)

	// a wrongly-visible category must never get channels or a welcome
	require.Len(t, session.createdChannels, 1)
	assert.Empty(t, session.sentMessages)
}

func TestProvisionPrimaryChannelFails(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())
	session.channelCreateErr = func(data discordgo.GuildChannelCreateData) error {
		if strings.Contains(data.Name, "team-chat") {
			return fmt.Errorf("api exploded")
		}
		return nil
	}

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	assert.Nil(t, workspace)
	assert.ErrorIs(t, err, ErrChannelCreationFailed)
	assert.Empty(t, session.sentMessages)
}

func TestProvisionNonPrimaryChannelFails(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())
	session.channelCreateErr = func(data discordgo.GuildChannelCreateData) error {
		if strings.Contains(data.Name, "resources") {
			return fmt.Errorf("api exploded")
		}
		return nil
	}

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	// the workspace still comes back, with the failure attached
	require.NotNil(t, workspace)
	assert.ErrorIs(t, err, ErrChannelCreationFailed)
	assert.Len(t, workspace.ChannelIDs, len(defaultChannelSpecs)-1)
	assert.NotEmpty(t, workspace.PrimaryChannelID)

	// the welcome message still goes out
	require.Len(t, session.sentMessages, 1)
}

func TestProvisionWelcomeMessageFails(t *testing.T) {
	p, session := newTestProvisioner(t, testDiscordConfig())
	session.messageSendErr = func(string) error {
		return fmt.Errorf("api exploded")
	}

	workspace, err := p.Provision(
		context.Background(),
		testMember("user-1"),
		"Jordan",
	)
	require.NotNil(t, workspace)
	assert.ErrorIs(t, err, ErrMessageDeliveryFailed)
	assert.Len(t, workspace.ChannelIDs, len(defaultChannelSpecs))
}

func TestCategoryName(t *testing.T) {
	p, _ := newTestProvisioner(t, testDiscordConfig())
	assert.Equal(t, "Jordan - Acme", p.CategoryName("Jordan"))
}
