package protocol

// Method is one of the closed set of RPC methods the gateway serves.
type Method string

const (
	MethodConnect        Method = "connect"
	MethodAgentRun       Method = "agent.run"
	MethodAgentContinue  Method = "agent.continue"
	MethodAgentAbort     Method = "agent.abort"
	MethodSessionCreate  Method = "session.create"
	MethodSessionGet     Method = "session.get"
	MethodSessionList    Method = "session.list"
	MethodSessionUpdate  Method = "session.update"
	MethodSessionArchive Method = "session.archive"
	MethodTranscriptList Method = "transcript.list"
	MethodPolicyGet      Method = "policy.get"
	MethodPolicyUpdate   Method = "policy.update"
	MethodPolicyResolve  Method = "policy.resolve"
	MethodTargetBind     Method = "target.bind"
	MethodTargetGet      Method = "target.get"
	MethodToolsList      Method = "tools.list"
)

type methodInfo struct {
	sideEffecting bool
	admin         bool
}

var methods = map[Method]methodInfo{
	MethodConnect:        {},
	MethodAgentRun:       {sideEffecting: true},
	MethodAgentContinue:  {sideEffecting: true},
	MethodAgentAbort:     {},
	MethodSessionCreate:  {sideEffecting: true},
	MethodSessionGet:     {},
	MethodSessionList:    {},
	MethodSessionUpdate:  {sideEffecting: true},
	MethodSessionArchive: {sideEffecting: true},
	MethodTranscriptList: {},
	MethodPolicyGet:      {},
	MethodPolicyUpdate:   {sideEffecting: true, admin: true},
	MethodPolicyResolve:  {},
	MethodTargetBind:     {sideEffecting: true, admin: true},
	MethodTargetGet:      {},
	MethodToolsList:      {},
}

// Known reports whether m belongs to the closed method set.
func (m Method) Known() bool {
	_, ok := methods[m]
	return ok
}

// SideEffecting reports whether m mutates state and therefore requires an idempotency key.
func (m Method) SideEffecting() bool {
	return methods[m].sideEffecting
}

// RequiresAdmin reports whether m needs the admin scope.
func (m Method) RequiresAdmin() bool {
	return methods[m].admin
}

// AllMethods returns the method set in declaration order.
func AllMethods() []Method {
	return []Method{
		MethodConnect,
		MethodAgentRun,
		MethodAgentContinue,
		MethodAgentAbort,
		MethodSessionCreate,
		MethodSessionGet,
		MethodSessionList,
		MethodSessionUpdate,
		MethodSessionArchive,
		MethodTranscriptList,
		MethodPolicyGet,
		MethodPolicyUpdate,
		MethodPolicyResolve,
		MethodTargetBind,
		MethodTargetGet,
		MethodToolsList,
	}
}
