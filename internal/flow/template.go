package flow

import "strings"

// Built-in template placeholder names. Any other {key} resolves against the
// variable bag; unresolved placeholders are left verbatim.
const (
	PlaceholderCustomerMessage = "customer_message"
	PlaceholderPlatform        = "platform"
	PlaceholderCustomerID      = "customer_id"
)

// RenderTemplate substitutes {key} placeholders from the variable map.
func RenderTemplate(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
