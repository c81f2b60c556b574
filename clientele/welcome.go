package clientele

import (
	"strings"
	"text/template"
)

// ChannelSpec describes one channel created in every client workspace.
// Exactly one spec is the primary channel, which receives the welcome
// message.
type ChannelSpec struct {
	Name    string
	Primary bool
}

var defaultChannelSpecs = []ChannelSpec{
	{Name: "🤝│team-chat", Primary: true},
	{Name: "🚀│launch-tracking"},
	{Name: "🎯│campaigns"},
	{Name: "📞│appointments"},
	{Name: "🛠│systems"},
	{Name: "📚│resources"},
}

// welcomeValues carries the substitutions for the welcome template.
// Rendering is kept entirely separate from the provisioning state machine
// so the copy can change without touching orchestration.
type welcomeValues struct {
	BusinessName string
	MemberID     string
	Discord      *DiscordConfig
}

type welcomeTemplateData struct {
	BusinessName    string
	MemberMention   string
	FounderMentions string
	CSMMentions     string
	Fulfilment      string
	Operations      string
	StartHere       string
}

var welcomeTemplate = template.Must(
	template.New("welcome").Parse(strings.TrimSpace(`
✨ **Welcome to {{ .BusinessName }}!**

Hey {{ .MemberMention }}, welcome aboard.
You've just plugged into a team that lives and breathes performance, systems, and predictable growth.

👥 **Your {{ .BusinessName }} Team**

{{ .FounderMentions }} – **Co-Founders / Growth Strategy**
Set the strategic direction, positioning, and high-level growth plan for your account.

{{ .CSMMentions }} – **Client Success Team**
Your day-to-day partners. If you need clarity, priorities, or help unblocking something fast, they're your first ping.
{{ if .Fulfilment }}
{{ .Fulfilment }} – **Fulfilment Lead**
Oversees creatives, funnels, tracking, and ad implementation.
{{ end }}{{ if .Operations }}
{{ .Operations }} – **Operations & Systems**
Keeps your onboarding, assets, and workflows organised behind the scenes.
{{ end }}
📌 **How to use this space**

- Use **🤝│team-chat** for updates, questions, and async check-ins
- Track launches in **🚀│launch-tracking**
- Review and discuss **🎯│campaigns** and performance
- Coordinate calls and bookings in **📞│appointments**
- Keep tech, automations, and integrations in **🛠│systems**
- Store important docs, links, and assets in **📚│resources**
{{ if .StartHere }}
**Next step:** Head over to {{ .StartHere }} and complete your intake form.
{{ end }}
We're pumped to build something scalable with you. 🚀
`)),
)

// renderWelcomeMessage renders the onboarding message posted to a new
// workspace's primary channel. Missing team-member config degrades to
// generic text rather than broken mentions.
func renderWelcomeMessage(v welcomeValues) string {
	data := welcomeTemplateData{
		BusinessName:    v.BusinessName,
		MemberMention:   userMention(v.MemberID),
		FounderMentions: mentionList(v.Discord.FounderUserIDs, "Our founders"),
		CSMMentions:     mentionList(v.Discord.CSMUserIDs, "Our client success team"),
	}
	if v.Discord.FulfilmentUserID != "" {
		data.Fulfilment = userMention(v.Discord.FulfilmentUserID)
	}
	if v.Discord.OperationsUserID != "" {
		data.Operations = userMention(v.Discord.OperationsUserID)
	}
	if v.Discord.StartHereChannelID != "" {
		data.StartHere = channelMention(v.Discord.StartHereChannelID)
	}

	var sb strings.Builder
	// the only failure mode is a bad template, which is a programmer error
	// caught by template.Must and the tests
	_ = welcomeTemplate.Execute(&sb, data)
	return strings.TrimSpace(sb.String())
}

// mentionList renders the given user IDs as mentions joined with '&',
// falling back to the given text when none are configured.
func mentionList(userIDs []string, fallback string) string {
	if len(userIDs) == 0 {
		return fallback
	}
	mentions := make([]string, len(userIDs))
	for i, id := range userIDs {
		mentions[i] = userMention(id)
	}
	return strings.Join(mentions, " & ")
}
