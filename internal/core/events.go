package core

// EventType tags every inbound client event. The orchestrator dispatches on
// it with a single switch; Known must list the same set.
type EventType string

const (
	EvPing              EventType = "ping"
	EvLogin             EventType = "login"
	EvSignup            EventType = "signup"
	EvGetChannels       EventType = "get_channels"
	EvGetUsers          EventType = "get_users"
	EvCreateChannel     EventType = "create_channel"
	EvJoinChannel       EventType = "join_channel_request"
	EvLeaveChannel      EventType = "leave_channel"
	EvDeleteChannel     EventType = "delete_channel"
	EvSendMessage       EventType = "send_message"
	EvEditMessage       EventType = "edit_message"
	EvDeleteMessage     EventType = "delete_message"
	EvToggleReaction    EventType = "toggle_reaction"
	EvLoadMessages      EventType = "load_messages"
	EvTyping            EventType = "typing"
	EvInviteUser        EventType = "invite_user"
	EvKickUser          EventType = "kick_user"
	EvUnbanUser         EventType = "unban_user"
	EvMakeHost          EventType = "make_host"
	EvInviteHostAssist  EventType = "invite_host_assist"
	EvRespondHostAssist EventType = "respond_host_assist"
	EvInitiateCall      EventType = "initiate_call"
	EvAcceptCall        EventType = "accept_call"
	EvDeclineCall       EventType = "decline_call"
	EvCancelCall        EventType = "cancel_call"
	EvOffer             EventType = "offer"
	EvAnswer            EventType = "answer"
	EvIceCandidate      EventType = "ice_candidate"
	EvCallUser          EventType = "call_user"
	EvAnswerCall        EventType = "answer_call"
)

var knownEvents = map[EventType]struct{}{
	EvPing: {}, EvLogin: {}, EvSignup: {}, EvGetChannels: {}, EvGetUsers: {},
	EvCreateChannel: {}, EvJoinChannel: {}, EvLeaveChannel: {}, EvDeleteChannel: {},
	EvSendMessage: {}, EvEditMessage: {}, EvDeleteMessage: {}, EvToggleReaction: {},
	EvLoadMessages: {}, EvTyping: {}, EvInviteUser: {}, EvKickUser: {}, EvUnbanUser: {},
	EvMakeHost: {}, EvInviteHostAssist: {}, EvRespondHostAssist: {},
	EvInitiateCall: {}, EvAcceptCall: {}, EvDeclineCall: {}, EvCancelCall: {},
	EvOffer: {}, EvAnswer: {}, EvIceCandidate: {}, EvCallUser: {}, EvAnswerCall: {},
}

func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// RequiresAuth reports whether the event is only valid after login.
func (t EventType) RequiresAuth() bool {
	switch t {
	case EvPing, EvLogin, EvSignup, EvGetChannels:
		return false
	}
	return true
}
