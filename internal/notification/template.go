package notification

import (
	"fmt"
	"strings"
)

// Render substitutes literal {{name}} placeholders in text with values
// from vars. No conditionals, no loops, no escaping; placeholders with
// no matching key are left in place. Applied to subject and content at
// submission time, so stored rows carry rendered text.
func Render(text string, vars map[string]interface{}) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", fmt.Sprint(v))
	}
	return text
}
