// Package commands describes slash commands exposed by a bot.
package commands

import tele "gopkg.in/telebot.v4"

// Command represents a bot command with its handler, description, and metadata.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly commands are rejected for everyone except the configured admin
	// and never appear in the command menu.
	AdminOnly bool
	Hidden    bool
	Aliases   []string
}
