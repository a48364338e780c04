package workflow

import (
	"fmt"
	"strings"
)

const generationSystemPrompt = `You are a command-line assistant. Your job is to generate shell commands based on user requests.
Generate ONLY the command, no explanations or additional text.
The command should be safe and appropriate for the user's request.

Examples:
- User: "show all running docker containers" -> Response: "docker ps -a"
- User: "list all files in current directory" -> Response: "ls -la"
- User: "show system disk usage" -> Response: "df -h"

Generate a single, safe command for the following request:`

// GenerationPrompt returns the system and user prompts for the initial
// command generation.
func GenerationPrompt(userPrompt string) (system string, user string) {
	return generationSystemPrompt, userPrompt
}

// RetryPrompt returns the system and user prompts for generating an alternative
// after a failed execution. attempt is the 1-based retry number.
func RetryPrompt(userPrompt, previousCommand, errText string, attempt, maxRetries int) (system string, user string) {
	var sb strings.Builder
	sb.WriteString("You are a command-line assistant. The previous command failed with an error.\n")
	sb.WriteString("Generate a different, alternative command to accomplish the same goal.\n\n")
	fmt.Fprintf(&sb, "Original request: %s\n", userPrompt)
	fmt.Fprintf(&sb, "Previous command that failed: %s\n", previousCommand)
	fmt.Fprintf(&sb, "Error encountered: %s\n", strings.TrimSpace(errText))
	fmt.Fprintf(&sb, "Retry attempt: %d/%d\n\n", attempt, maxRetries)
	sb.WriteString("Generate ONLY a single alternative command, no explanations or additional text.\n")
	sb.WriteString("Make sure the new command is different from the previous one and addresses the error.")

	system = sb.String()
	user = "Generate alternative command for: " + userPrompt
	return
}
