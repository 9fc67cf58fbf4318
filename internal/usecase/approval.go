package usecase

import (
	"context"
	"fmt"

	"fnord/internal/domain"
)

// ConfigApprover is a ToolApprover driven by allow/deny lists.
//
// Tools in the deny list are always rejected and tools in the approve list
// run without a prompt. Unlisted tools follow defaultAllow.
type ConfigApprover struct {
	alwaysApprove map[string]bool
	alwaysDeny    map[string]bool
	defaultAllow  bool
}

// NewConfigApprover creates a ConfigApprover from allow/deny lists.
func NewConfigApprover(approve, deny []string, defaultAllow bool) *ConfigApprover {
	a := &ConfigApprover{
		alwaysApprove: make(map[string]bool, len(approve)),
		alwaysDeny:    make(map[string]bool, len(deny)),
		defaultAllow:  defaultAllow,
	}
	for _, name := range approve {
		a.alwaysApprove[name] = true
	}
	for _, name := range deny {
		a.alwaysDeny[name] = true
	}
	return a
}

// NeedsApproval returns false if the tool is in the always-approve list.
func (c *ConfigApprover) NeedsApproval(call domain.ToolCall) bool {
	return !c.alwaysApprove[call.Name]
}

// RequestApproval applies deny, then approve, then the default.
func (c *ConfigApprover) RequestApproval(_ context.Context, call domain.ToolCall) (bool, error) {
	if c.alwaysDeny[call.Name] {
		return false, domain.ErrToolApprovalDenied
	}
	if c.alwaysApprove[call.Name] || c.defaultAllow {
		return true, nil
	}
	return false, domain.NewDomainError(
		"ConfigApprover.RequestApproval",
		domain.ErrToolApprovalDenied,
		fmt.Sprintf("tool %q is not in the approve list", call.Name),
	)
}
