package approval

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/corrflow/corrflow/pkg/models"
)

// SlackNotifier posts gate notifications to Slack. A gate's response channel
// overrides the default channel when set.
type SlackNotifier struct {
	client         *slack.Client
	defaultChannel string
}

// NewSlackNotifier creates a notifier from a bot token.
func NewSlackNotifier(token, defaultChannel string) *SlackNotifier {
	return &SlackNotifier{
		client:         slack.New(token),
		defaultChannel: defaultChannel,
	}
}

// NotifyGate posts the approval request.
func (n *SlackNotifier) NotifyGate(gate *models.ApprovalGate) error {
	channel := gate.Descriptor.ResponseChannel
	if channel == "" {
		channel = n.defaultChannel
	}
	if channel == "" {
		return nil
	}

	title := gate.Descriptor.Title
	if title == "" {
		title = "Approval required"
	}
	text := fmt.Sprintf(":raised_hand: *%s*\nGate `%s` (workflow `%s`) is waiting for a decision.",
		title, gate.GateID, gate.WorkflowID)
	if gate.Descriptor.Prompt != "" {
		text += "\n> " + gate.Descriptor.Prompt
	}

	_, _, err := n.client.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("failed to post approval notification: %w", err)
	}
	return nil
}
