// Package classify maps inbound senders and recipients onto archive routing
// categories, telemetry labels and redacted display addresses.
package classify

import (
	"strings"
)

// Category is the routing category used to pick an archive folder.
type Category string

const (
	CategoryDefault            Category = "default"
	CategoryGithubNotification Category = "github"
	CategoryDisqusNotification Category = "disqus"
	CategoryBulkDigest         Category = "digest"
)

// Telemetry labels, evaluated independently of the routing category.
const (
	LabelGithub      = "github"
	LabelDisqus      = "disqus"
	LabelDigest      = "digest"
	LabelGovDelivery = "govdelivery"
	LabelOther       = "other"
)

// Input holds the addresses a classification is evaluated against.
// All addresses are compared case-insensitively.
type Input struct {
	EnvelopeFrom string
	HeaderFrom   string
	EnvelopeTo   string
}

// Rule is one row of a classification table. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Name     string
	Match    func(cfg *Config, in Input) bool
	Category Category
}

// LabelRule is one row of the telemetry label table.
type LabelRule struct {
	Name  string
	Match func(cfg *Config, in Input) bool
	Label string
}

var githubSenders = []string{
	"noreply@github.com",
	"notifications@github.com",
}

const githubRelaySuffix = "@sgmail.github.com"

const disqusSender = "notifications@disqus.net"

var routingRules = []Rule{
	{Name: "github", Match: matchGithub, Category: CategoryGithubNotification},
	{Name: "disqus", Match: matchDisqus, Category: CategoryDisqusNotification},
	{Name: "digest", Match: matchDigest, Category: CategoryBulkDigest},
}

var labelRules = []LabelRule{
	{Name: "github", Match: func(_ *Config, in Input) bool { return domainOf(in.EnvelopeFrom) == "github.com" || isGithub(in.EnvelopeFrom) }, Label: LabelGithub},
	{Name: "disqus", Match: func(_ *Config, in Input) bool { return hasDomain(in.EnvelopeFrom, "disqus.net") }, Label: LabelDisqus},
	{Name: "digest", Match: matchDigest, Label: LabelDigest},
	{Name: "govdelivery", Match: func(cfg *Config, in Input) bool { return cfg.isGovLists(in.EnvelopeTo) }, Label: LabelGovDelivery},
}

// Rules returns a copy of the routing table in evaluation order.
func Rules() []Rule {
	out := make([]Rule, len(routingRules))
	copy(out, routingRules)
	return out
}

// LabelRules returns a copy of the telemetry label table in evaluation order.
func LabelRules() []LabelRule {
	out := make([]LabelRule, len(labelRules))
	copy(out, labelRules)
	return out
}

func matchGithub(_ *Config, in Input) bool {
	return isGithub(in.EnvelopeFrom) || isGithub(in.HeaderFrom)
}

func isGithub(addr string) bool {
	addr = normalize(addr)
	for _, s := range githubSenders {
		if addr == s {
			return true
		}
	}
	return strings.HasSuffix(addr, githubRelaySuffix)
}

func matchDisqus(_ *Config, in Input) bool {
	return normalize(in.HeaderFrom) == disqusSender || normalize(in.EnvelopeFrom) == disqusSender
}

func matchDigest(cfg *Config, in Input) bool {
	to := normalize(in.EnvelopeTo)
	for _, addr := range cfg.DigestRecipients {
		if to == normalize(addr) {
			return true
		}
	}
	return false
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// domainOf returns the lower-cased domain of addr, or "" if it has none.
func domainOf(addr string) string {
	addr = normalize(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

// hasDomain reports whether addr is in domain or one of its subdomains.
func hasDomain(addr, domain string) bool {
	d := domainOf(addr)
	domain = strings.ToLower(domain)
	return d == domain || strings.HasSuffix(d, "."+domain)
}
