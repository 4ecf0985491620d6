package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may move the bot between voice channels.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker requiring roleID. An empty
// roleID lets everyone control the bot.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether member holds the control role. A nil member (a
// direct message) is only allowed when no role is configured.
func (p *PermissionChecker) Allowed(member *discordgo.Member) bool {
	if p == nil || p.roleID == "" {
		return true
	}
	if member == nil {
		return false
	}
	return slices.Contains(member.Roles, p.roleID)
}
