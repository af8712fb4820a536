package content

import "strings"

// ExtractLink returns the part of a chat message addressed to the bot. Private chats
// address the bot implicitly. In groups only text that starts with "@botUsername" counts,
// and the mention is stripped.
func ExtractLink(text, botUsername string, private bool) (string, bool) {
	text = strings.TrimSpace(text)
	if private {
		if rest, ok := stripMention(text, botUsername); ok {
			return rest, true
		}
		return text, true
	}
	return stripMention(text, botUsername)
}

func stripMention(text, botUsername string) (string, bool) {
	if botUsername == "" {
		return "", false
	}
	mention := "@" + strings.TrimPrefix(botUsername, "@")
	if len(text) < len(mention) || !strings.EqualFold(text[:len(mention)], mention) {
		return "", false
	}
	rest := text[len(mention):]
	// "@memes2telegram_bot2" is someone else
	if rest != "" && !strings.ContainsRune(" \t\r\n:,", rune(rest[0])) {
		return "", false
	}
	rest = strings.TrimLeft(rest, ":,")
	return strings.TrimSpace(rest), true
}
