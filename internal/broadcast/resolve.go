package broadcast

// Resolve returns the whitelist entries whose chat is not blacklisted,
// keeping whitelist order. The input slice is never modified.
func Resolve(whitelist []Destination, blacklist Exclusions) []Destination {
	out := make([]Destination, 0, len(whitelist))
	for _, d := range whitelist {
		if blacklist.Has(d.ChatID) {
			continue
		}
		out = append(out, d)
	}
	return out
}
