package alm

import (
	"time"

	"github.com/forgehq/forge/internal/store"
)

// kindTimeouts are the fixed per-kind watchdog durations. Firing one
// requests a kill with reason=timeout.
var kindTimeouts = map[store.AgentKind]time.Duration{
	store.AgentKindTriage:      10 * time.Minute,
	store.AgentKindCoding:      120 * time.Minute,
	store.AgentKindReviewer:    30 * time.Minute,
	store.AgentKindDeployer:    30 * time.Minute,
	store.AgentKindVerifier:    30 * time.Minute,
	store.AgentKindAuditor:     45 * time.Minute,
	store.AgentKindHealthcheck: 60 * time.Minute,
}

func timeoutFor(kind store.AgentKind) time.Duration {
	if d, ok := kindTimeouts[kind]; ok {
		return d
	}
	return 30 * time.Minute
}
