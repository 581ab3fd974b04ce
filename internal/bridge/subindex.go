package bridge

import "sync"

// subIndex tracks which nodes subscribed to which chat sessions. Both
// directions are kept so fan-out (session to nodes) and cleanup (node to
// sessions) are O(subscriptions of one side).
type subIndex struct {
	mu             sync.RWMutex
	nodeToSessions map[string]map[string]struct{}
	sessionToNodes map[string]map[string]struct{}
}

func newSubIndex() *subIndex {
	return &subIndex{
		nodeToSessions: make(map[string]map[string]struct{}),
		sessionToNodes: make(map[string]map[string]struct{}),
	}
}

func (x *subIndex) subscribe(nodeID, sessionKey string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.nodeToSessions[nodeID] == nil {
		x.nodeToSessions[nodeID] = make(map[string]struct{})
	}
	if x.sessionToNodes[sessionKey] == nil {
		x.sessionToNodes[sessionKey] = make(map[string]struct{})
	}
	x.nodeToSessions[nodeID][sessionKey] = struct{}{}
	x.sessionToNodes[sessionKey][nodeID] = struct{}{}
}

func (x *subIndex) unsubscribe(nodeID, sessionKey string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(nodeID, sessionKey)
}

// unsubscribeAll drops every subscription held by the node. Called on
// disconnect.
func (x *subIndex) unsubscribeAll(nodeID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for sessionKey := range x.nodeToSessions[nodeID] {
		x.removeLocked(nodeID, sessionKey)
	}
}

func (x *subIndex) removeLocked(nodeID, sessionKey string) {
	if m := x.nodeToSessions[nodeID]; m != nil {
		delete(m, sessionKey)
		if len(m) == 0 {
			delete(x.nodeToSessions, nodeID)
		}
	}
	if m := x.sessionToNodes[sessionKey]; m != nil {
		delete(m, nodeID)
		if len(m) == 0 {
			delete(x.sessionToNodes, sessionKey)
		}
	}
}

// nodesFor returns the node ids subscribed to the session.
func (x *subIndex) nodesFor(sessionKey string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.sessionToNodes[sessionKey]))
	for nodeID := range x.sessionToNodes[sessionKey] {
		out = append(out, nodeID)
	}
	return out
}

// sessionsFor returns the session keys the node subscribed to.
func (x *subIndex) sessionsFor(nodeID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.nodeToSessions[nodeID]))
	for sessionKey := range x.nodeToSessions[nodeID] {
		out = append(out, sessionKey)
	}
	return out
}
