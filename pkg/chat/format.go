package chat

import "fmt"

// Colors for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
	ColorBold   = "\033[1m"
)

// FormatMessage formats a message for terminal display.
func FormatMessage(msg *Message, isLocal bool) string {
	timeStr := ColorGray + msg.FormatTime() + ColorReset

	switch msg.Type {
	case MessageTypeText:
		if isLocal {
			return fmt.Sprintf("%s %s%sYou:%s %s",
				timeStr, ColorBold, ColorCyan, ColorReset, msg.Content)
		}
		return fmt.Sprintf("%s %s%s%s:%s %s",
			timeStr, ColorBold, ColorGreen, msg.From, ColorReset, msg.Content)

	case MessageTypeJoin:
		return fmt.Sprintf("%s %s* %s joined the chat%s",
			timeStr, ColorYellow, msg.From, ColorReset)

	case MessageTypeLeave:
		return fmt.Sprintf("%s %s* %s left the chat%s",
			timeStr, ColorYellow, msg.From, ColorReset)

	default:
		return ""
	}
}

// FormatError formats an error line for terminal display.
func FormatError(err error) string {
	return fmt.Sprintf("%s! %v%s", ColorRed, err, ColorReset)
}

// ClearLine clears the current terminal line.
func ClearLine() string {
	return "\r\033[K"
}
