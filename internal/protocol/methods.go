package protocol

// Method names accepted on the WebSocket endpoint. The slice order is the
// order advertised in the hello payload.
const (
	MethodConnect = "connect"

	MethodHealth          = "health"
	MethodStatus          = "status"
	MethodProvidersStatus = "providers.status"
	MethodConfigGet       = "config.get"
	MethodConfigSet       = "config.set"
	MethodModelsList      = "models.list"
	MethodSkillsStatus    = "skills.status"
	MethodSkillsInstall   = "skills.install"
	MethodSkillsUpdate    = "skills.update"
	MethodVoiceWakeGet    = "voicewake.get"
	MethodVoiceWakeSet    = "voicewake.set"
	MethodSessionsList    = "sessions.list"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsCompact = "sessions.compact"
	MethodLastHeartbeat   = "last-heartbeat"
	MethodSetHeartbeats   = "set-heartbeats"
	MethodWake            = "wake"
	MethodNodePairRequest = "node.pair.request"
	MethodNodePairList    = "node.pair.list"
	MethodNodePairApprove = "node.pair.approve"
	MethodNodePairReject  = "node.pair.reject"
	MethodNodePairVerify  = "node.pair.verify"
	MethodNodeList        = "node.list"
	MethodNodeDescribe    = "node.describe"
	MethodNodeInvoke      = "node.invoke"
	MethodCronList        = "cron.list"
	MethodCronStatus      = "cron.status"
	MethodCronAdd         = "cron.add"
	MethodCronUpdate      = "cron.update"
	MethodCronRemove      = "cron.remove"
	MethodCronRun         = "cron.run"
	MethodCronRuns        = "cron.runs"
	MethodSystemPresence  = "system-presence"
	MethodSystemEvent     = "system-event"
	MethodSend            = "send"
	MethodAgent           = "agent"
	MethodWebLoginStart   = "web.login.start"
	MethodWebLoginWait    = "web.login.wait"
	MethodWebLogout       = "web.logout"
	MethodTelegramLogout  = "telegram.logout"
	MethodChatHistory     = "chat.history"
	MethodChatAbort       = "chat.abort"
	MethodChatSend        = "chat.send"
)

// Methods lists every post-handshake method, in advertisement order.
var Methods = []string{
	MethodHealth,
	MethodProvidersStatus,
	MethodStatus,
	MethodConfigGet,
	MethodConfigSet,
	MethodModelsList,
	MethodSkillsStatus,
	MethodSkillsInstall,
	MethodSkillsUpdate,
	MethodVoiceWakeGet,
	MethodVoiceWakeSet,
	MethodSessionsList,
	MethodSessionsPatch,
	MethodSessionsReset,
	MethodSessionsDelete,
	MethodSessionsCompact,
	MethodLastHeartbeat,
	MethodSetHeartbeats,
	MethodWake,
	MethodNodePairRequest,
	MethodNodePairList,
	MethodNodePairApprove,
	MethodNodePairReject,
	MethodNodePairVerify,
	MethodNodeList,
	MethodNodeDescribe,
	MethodNodeInvoke,
	MethodCronList,
	MethodCronStatus,
	MethodCronAdd,
	MethodCronUpdate,
	MethodCronRemove,
	MethodCronRun,
	MethodCronRuns,
	MethodSystemPresence,
	MethodSystemEvent,
	MethodSend,
	MethodAgent,
	MethodWebLoginStart,
	MethodWebLoginWait,
	MethodWebLogout,
	MethodTelegramLogout,
	MethodChatHistory,
	MethodChatAbort,
	MethodChatSend,
}

// Event names broadcast to connected clients.
const (
	EventAgent             = "agent"
	EventChat              = "chat"
	EventPresence          = "presence"
	EventTick              = "tick"
	EventShutdown          = "shutdown"
	EventHealth            = "health"
	EventHeartbeat         = "heartbeat"
	EventCron              = "cron"
	EventNodePairRequested = "node.pair.requested"
	EventNodePairResolved  = "node.pair.resolved"
	EventVoiceWakeChanged  = "voicewake.changed"
)

// Events lists every broadcast event, in advertisement order.
var Events = []string{
	EventAgent,
	EventChat,
	EventPresence,
	EventTick,
	EventShutdown,
	EventHealth,
	EventHeartbeat,
	EventCron,
	EventNodePairRequested,
	EventNodePairResolved,
	EventVoiceWakeChanged,
}

// droppable marks events a slow consumer may miss without being closed.
// Only refreshable periodic signals qualify; state-changing events such
// as presence after a pairing decision or cron results are
// delivery-critical and force a disconnect instead.
var droppable = map[string]bool{
	EventTick:      true,
	EventHealth:    true,
	EventHeartbeat: true,
}

// Droppable reports whether the event may be skipped for a backpressured
// connection.
func Droppable(event string) bool {
	return droppable[event]
}

var knownMethods = func() map[string]bool {
	m := make(map[string]bool, len(Methods))
	for _, name := range Methods {
		m[name] = true
	}
	return m
}()

// KnownMethod reports whether the method is part of the post-handshake
// surface.
func KnownMethod(method string) bool {
	return knownMethods[method]
}
