package agent

import "regexp"

// escapeIntentPatterns flag phrasing in an objective that suggests the
// agent is being asked to break out of its sandbox: privileged execution,
// namespace entry, a host filesystem mount, or host pid/net sharing. A
// match produces a warning only; the operator is trusted and nothing is
// blocked.
var escapeIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)--privileged\b`),
	regexp.MustCompile(`(?i)\bnsenter\b`),
	regexp.MustCompile(`(?i)\bhost\s+pid\b`),
	regexp.MustCompile(`(?i)--pid[=\s]+host`),
	regexp.MustCompile(`(?i)--network[=\s]+host`),
	regexp.MustCompile(`(?i)\bhost\s+network\b`),
	regexp.MustCompile(`(?i)mount\s+(/|--bind\s+/)`),
	regexp.MustCompile(`(?i)/var/run/docker\.sock`),
	regexp.MustCompile(`(?i)\bchroot\b`),
	regexp.MustCompile(`(?i)\bSYS_ADMIN\b`),
}

// ScanObjective returns the labels of every escape-intent pattern the
// objective matches. An empty result means nothing suspicious was found.
func ScanObjective(objective string) []string {
	var hits []string
	for _, re := range escapeIntentPatterns {
		if re.MatchString(objective) {
			hits = append(hits, re.String())
		}
	}
	return hits
}
