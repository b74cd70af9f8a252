package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/govbox/pkg/platform"
)

// Slack action kinds.
const (
	KindPostMessage        = "slack.post_message"
	KindScheduleMessage    = "slack.schedule_message"
	KindRenameConversation = "slack.rename_conversation"
	KindKickConversation   = "slack.kick_conversation"
	KindJoinConversation   = "slack.join_conversation"
	KindPinMessage         = "slack.pin_message"
	KindArchiveChannel     = "slack.archive_channel"
	KindCreateChannel      = "slack.create_channel"
)

func init() {
	Register(KindPostMessage, func() Action { return &PostMessage{} })
	Register(KindScheduleMessage, func() Action { return &ScheduleMessage{} })
	Register(KindRenameConversation, func() Action { return &RenameConversation{} })
	Register(KindKickConversation, func() Action { return &KickConversation{} })
	Register(KindJoinConversation, func() Action { return &JoinConversation{} })
	Register(KindPinMessage, func() Action { return &PinMessage{} })
	Register(KindArchiveChannel, func() Action { return &ArchiveChannel{} })
	Register(KindCreateChannel, func() Action { return &CreateChannel{} })
}

// PostMessage posts text to a channel. Reverted with chat.delete.
type PostMessage struct {
	Base      `json:"-"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Timestamp string `json:"ts,omitempty"`
	Poster    string `json:"poster,omitempty"`
}

func (a *PostMessage) Kind() string { return KindPostMessage }
func (a *PostMessage) Meta() *Base { return &a.Base }
func (a *PostMessage) ChannelID() string { return a.Channel }

func (a *PostMessage) Perform() Call {
	return Call{Endpoint: "chat.postMessage", Auth: AuthBot, Params: map[string]string{
		"channel": a.Channel,
		"text":    a.Text,
	}}
}

func (a *PostMessage) Inverse(context.Context, Env) (Call, error) {
	if a.Timestamp == "" {
		return Call{}, ErrNothingToRevert
	}
	return Call{Endpoint: "chat.delete", Auth: AuthBot, Params: map[string]string{
		"channel": a.Channel,
		"ts":      a.Timestamp,
	}}, nil
}

func (a *PostMessage) record(resp platform.Response) {
	if ts := resp.Field("ts"); ts != "" {
		a.Timestamp = ts
	}
}

// ScheduleMessage schedules text for later delivery. Reverted by deleting
// the scheduled message before it fires.
type ScheduleMessage struct {
	Base               `json:"-"`
	Channel            string `json:"channel"`
	Text               string `json:"text"`
	PostAt             int64  `json:"post_at"`
	ScheduledMessageID string `json:"scheduled_message_id,omitempty"`
}

func (a *ScheduleMessage) Kind() string { return KindScheduleMessage }
func (a *ScheduleMessage) Meta() *Base { return &a.Base }
func (a *ScheduleMessage) ChannelID() string { return a.Channel }

func (a *ScheduleMessage) Perform() Call {
	return Call{Endpoint: "chat.scheduleMessage", Auth: AuthBot, Params: map[string]string{
		"channel": a.Channel,
		"text":    a.Text,
		"post_at": strconv.FormatInt(a.PostAt, 10),
	}}
}

func (a *ScheduleMessage) Inverse(context.Context, Env) (Call, error) {
	if a.ScheduledMessageID == "" {
		return Call{}, ErrNothingToRevert
	}
	return Call{Endpoint: "chat.deleteScheduledMessage", Auth: AuthBot, Params: map[string]string{
		"channel":              a.Channel,
		"scheduled_message_id": a.ScheduledMessageID,
	}}, nil
}

func (a *ScheduleMessage) record(resp platform.Response) {
	if id := resp.Field("scheduled_message_id"); id != "" {
		a.ScheduledMessageID = id
	}
}

// RenameConversation renames a channel. Reverted by renaming back to the
// previous name, read from conversations.info when it was not recorded.
type RenameConversation struct {
	Base         `json:"-"`
	Channel      string `json:"channel"`
	Name         string `json:"name"`
	PreviousName string `json:"previous_name,omitempty"`
}

func (a *RenameConversation) Kind() string { return KindRenameConversation }
func (a *RenameConversation) Meta() *Base { return &a.Base }
func (a *RenameConversation) ChannelID() string { return a.Channel }

func (a *RenameConversation) Perform() Call {
	return Call{Endpoint: "conversations.rename", Auth: AuthUser, Params: map[string]string{
		"channel": a.Channel,
		"name":    a.Name,
	}}
}

func (a *RenameConversation) Inverse(ctx context.Context, env Env) (Call, error) {
	target := a.PreviousName
	if target == "" {
		names, err := previousNames(ctx, env, a.Channel)
		if err != nil {
			return Call{Endpoint: "conversations.info"}, err
		}
		if len(names) == 0 {
			return Call{}, ErrNothingToRevert
		}
		// A rename back to the name before the previous one is the echo of
		// an earlier revert.
		if len(names) > 1 && sameName(names[1], a.Name) {
			return Call{}, ErrNothingToRevert
		}
		target = names[0]
	}
	if sameName(target, a.Name) {
		return Call{}, ErrNothingToRevert
	}
	return Call{Endpoint: "conversations.rename", Auth: AuthUser, Params: map[string]string{
		"channel": a.Channel,
		"name":    target,
	}}, nil
}

func previousNames(ctx context.Context, env Env, channel string) ([]string, error) {
	resp, err := invoke(ctx, env, Call{
		Endpoint: "conversations.info",
		Auth:     AuthBot,
		Params:   map[string]string{"channel": channel},
	})
	if err != nil {
		return nil, err
	}
	var info struct {
		Channel struct {
			PreviousNames []string `json:"previous_names"`
		} `json:"channel"`
	}
	if err := resp.Decode(&info); err != nil {
		return nil, fmt.Errorf("conversations.info: %w", err)
	}
	return info.Channel.PreviousNames, nil
}

func sameName(a, b string) bool {
	return norm.NFC.String(strings.ToLower(a)) == norm.NFC.String(strings.ToLower(b))
}

// KickConversation removes a user from a channel. Reverted by inviting them back.
type KickConversation struct {
	Base    `json:"-"`
	Channel string `json:"channel"`
	User    string `json:"user"`
}

func (a *KickConversation) Kind() string { return KindKickConversation }
func (a *KickConversation) Meta() *Base { return &a.Base }
func (a *KickConversation) ChannelID() string { return a.Channel }

func (a *KickConversation) Perform() Call {
	return Call{Endpoint: "conversations.kick", Auth: AuthUser, Params: map[string]string{
		"channel": a.Channel,
		"user":    a.User,
	}}
}

func (a *KickConversation) Inverse(context.Context, Env) (Call, error) {
	return Call{Endpoint: "conversations.invite", Auth: AuthUser, Params: map[string]string{
		"channel": a.Channel,
		"users":   a.User,
	}}, nil
}

// JoinConversation invites users into a channel. Reverted by kicking them,
// which needs a user credential.
type JoinConversation struct {
	Base    `json:"-"`
	Channel string `json:"channel"`
	Users   string `json:"users"`
	Inviter string `json:"inviter,omitempty"`
}

func (a *JoinConversation) Kind() string { return KindJoinConversation }
func (a *JoinConversation) Meta() *Base { return &a.Base }
func (a *JoinConversation) ChannelID() string { return a.Channel }

func (a *JoinConversation) Perform() Call {
	return Call{Endpoint: "conversations.invite", Auth: AuthBot, Params: map[string]string{
		"channel": a.Channel,
		"users":   a.Users,
	}}
}

func (a *JoinConversation) Inverse(context.Context, Env) (Call, error) {
	return Call{Endpoint: "conversations.kick", Auth: AuthUser, Params: map[string]string{
		"channel": a.Channel,
		"user":    a.Users,
	}}, nil
}

// PinMessage pins a message. Reverted with pins.remove.
type PinMessage struct {
	Base      `json:"-"`
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
}

func (a *PinMessage) Kind() string { return KindPinMessage }
func (a *PinMessage) Meta() *Base { return &a.Base }
func (a *PinMessage) ChannelID() string { return a.Channel }

func (a *PinMessage) Perform() Call {
	return Call{Endpoint: "pins.add", Auth: AuthBot, Params: a.params()}
}

func (a *PinMessage) Inverse(context.Context, Env) (Call, error) {
	return Call{Endpoint: "pins.remove", Auth: AuthBot, Params: a.params()}, nil
}

func (a *PinMessage) params() map[string]string {
	return map[string]string{"channel": a.Channel, "timestamp": a.Timestamp}
}

// ArchiveChannel archives a channel. Reverted with conversations.unarchive.
type ArchiveChannel struct {
	Base    `json:"-"`
	Channel string `json:"channel"`
}

func (a *ArchiveChannel) Kind() string { return KindArchiveChannel }
func (a *ArchiveChannel) Meta() *Base { return &a.Base }
func (a *ArchiveChannel) ChannelID() string { return a.Channel }

func (a *ArchiveChannel) Perform() Call {
	return Call{Endpoint: "conversations.archive", Auth: AuthUser, Params: map[string]string{"channel": a.Channel}}
}

func (a *ArchiveChannel) Inverse(context.Context, Env) (Call, error) {
	return Call{Endpoint: "conversations.unarchive", Auth: AuthUser, Params: map[string]string{"channel": a.Channel}}, nil
}

// CreateChannel creates a channel.
//
// Slack has no public endpoint for deleting a channel, so the revert is an
// approximation: the created channel is archived.
type CreateChannel struct {
	Base      `json:"-"`
	Channel   string `json:"channel,omitempty"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private,omitempty"`
}

func (a *CreateChannel) Kind() string { return KindCreateChannel }
func (a *CreateChannel) Meta() *Base { return &a.Base }
func (a *CreateChannel) ChannelID() string { return a.Channel }

func (a *CreateChannel) Perform() Call {
	return Call{Endpoint: "conversations.create", Auth: AuthUser, Params: map[string]string{
		"name":       a.Name,
		"is_private": strconv.FormatBool(a.IsPrivate),
	}}
}

func (a *CreateChannel) Inverse(context.Context, Env) (Call, error) {
	if a.Channel == "" {
		return Call{}, ErrNothingToRevert
	}
	return Call{Endpoint: "conversations.archive", Auth: AuthUser, Params: map[string]string{"channel": a.Channel}}, nil
}

func (a *CreateChannel) record(resp platform.Response) {
	var out struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := resp.Decode(&out); err == nil && out.Channel.ID != "" {
		a.Channel = out.Channel.ID
	}
}
